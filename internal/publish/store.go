package publish

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/lib/pq"

	"github.com/Adithya-Monish-Kumar-K/visual-similarity/internal/ranker"
	"github.com/Adithya-Monish-Kumar-K/visual-similarity/pkg/postgres"
)

const DefaultPageSize = 100

// Row is one persisted similarity list.
type Row struct {
	ItemID  int64
	Similar []int64
}

// Rows flattens a ranking into rows ordered by item id.
func Rows(res ranker.Result) []Row {
	rows := make([]Row, 0, len(res))
	for id, similar := range res {
		rows = append(rows, Row{ItemID: id, Similar: similar})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ItemID < rows[j].ItemID })
	return rows
}

// Store replaces the persisted similarity lists as a whole.
type Store interface {
	Replace(ctx context.Context, rows []Row) error
}

// PostgresStore keeps the lists in a (product_id, similar_products bigint[])
// table.
type PostgresStore struct {
	db       *postgres.Client
	table    string
	pageSize int
	logger   *slog.Logger
}

func NewPostgresStore(db *postgres.Client, table string, pageSize int, logger *slog.Logger) (*PostgresStore, error) {
	if table == "" {
		return nil, fmt.Errorf("similarity table name is empty")
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{
		db:       db,
		table:    quoteTable(table),
		pageSize: pageSize,
		logger:   logger.With("component", "similarity-store"),
	}, nil
}

// Replace truncates the table and inserts rows in one transaction. Readers
// see either the previous lists or the new ones.
func (s *PostgresStore) Replace(ctx context.Context, rows []Row) error {
	return s.db.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "TRUNCATE "+s.table); err != nil {
			return fmt.Errorf("truncating %s: %w", s.table, err)
		}
		for start := 0; start < len(rows); start += s.pageSize {
			page := rows[start:min(start+s.pageSize, len(rows))]
			args := make([]any, 0, 2*len(page))
			for _, r := range page {
				args = append(args, r.ItemID, pq.Array(r.Similar))
			}
			if _, err := tx.ExecContext(ctx, insertStatement(s.table, len(page)), args...); err != nil {
				return fmt.Errorf("inserting rows %d-%d: %w", start, start+len(page), err)
			}
		}
		s.logger.Debug("similarity rows written", "rows", len(rows))
		return nil
	})
}

func insertStatement(table string, n int) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" (product_id, similar_products) VALUES ")
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "($%d, $%d)", 2*i+1, 2*i+2)
	}
	return b.String()
}

// quoteTable quotes each part of a possibly schema-qualified name.
func quoteTable(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = pq.QuoteIdentifier(p)
	}
	return strings.Join(parts, ".")
}
