// Package catalog reads the live items the similarity job ranks and derives
// the basename → item id mapping shared by every later stage.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"path"

	"github.com/Adithya-Monish-Kumar-K/visual-similarity/pkg/postgres"
)

// Item is one live catalog entry and the storage key of its default image.
type Item struct {
	ID    int64  `json:"id"`
	Fname string `json:"fname"`
}

// Basename is the cache key for the item's image. It is shared between the
// local cache directory, remote storage and the encoder's position index.
func (i Item) Basename() string {
	return path.Base(i.Fname)
}

// Source returns the items that are live right now.
type Source interface {
	LiveItems(ctx context.Context) ([]Item, error)
}

// liveItemsQuery selects the default image of every product that does not
// point at the placeholder picture.
const liveItemsQuery = `
SELECT pi.product_id, pi.image
FROM product_productimage pi
INNER JOIN product_product p ON p.id = pi.product_id
WHERE pi.sort_order = 0
  AND pi.image NOT LIKE '%na_image%'`

// PostgresSource queries the product tables.
type PostgresSource struct {
	db     *postgres.Client
	logger *slog.Logger
}

func NewPostgresSource(db *postgres.Client, logger *slog.Logger) *PostgresSource {
	return &PostgresSource{db: db, logger: logger}
}

func (s *PostgresSource) LiveItems(ctx context.Context) ([]Item, error) {
	rows, err := s.db.DB.QueryContext(ctx, liveItemsQuery)
	if err != nil {
		return nil, fmt.Errorf("querying live items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.Fname); err != nil {
			return nil, fmt.Errorf("scanning live item: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating live items: %w", err)
	}
	s.logger.Info("live items loaded", "count", len(items))
	return items, nil
}

// IDIndex maps an image basename to the catalog item that owns it.
type IDIndex map[string]int64

// BuildIDIndex derives the basename → id mapping. When two items share a
// basename the later one wins, matching the order the catalog returned.
func BuildIDIndex(items []Item) IDIndex {
	idx := make(IDIndex, len(items))
	for _, it := range items {
		idx[it.Basename()] = it.ID
	}
	return idx
}

// Basenames returns the set of cache keys of items.
func Basenames(items []Item) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		set[it.Basename()] = struct{}{}
	}
	return set
}
