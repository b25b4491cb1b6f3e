package catalog

import (
	"context"
	"os"
	"testing"

	"github.com/Adithya-Monish-Kumar-K/visual-similarity/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/visual-similarity/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/visual-similarity/pkg/postgres"
)

func TestBasename(t *testing.T) {
	tests := []struct {
		fname string
		want  string
	}{
		{"products/2024/a.jpg", "a.jpg"},
		{"a.jpg", "a.jpg"},
		{"/abs/path/b.png", "b.png"},
	}
	for _, tt := range tests {
		if got := (Item{Fname: tt.fname}).Basename(); got != tt.want {
			t.Errorf("Basename(%q) = %q, want %q", tt.fname, got, tt.want)
		}
	}
}

func TestBuildIDIndex(t *testing.T) {
	items := []Item{
		{ID: 1, Fname: "x/a.jpg"},
		{ID: 2, Fname: "y/b.jpg"},
		{ID: 3, Fname: "z/a.jpg"},
	}
	idx := BuildIDIndex(items)
	if len(idx) != 2 {
		t.Fatalf("len = %d, want 2", len(idx))
	}
	if idx["a.jpg"] != 3 {
		t.Errorf("a.jpg -> %d, want last writer 3", idx["a.jpg"])
	}
	if idx["b.jpg"] != 2 {
		t.Errorf("b.jpg -> %d", idx["b.jpg"])
	}

	set := Basenames(items)
	if _, ok := set["b.jpg"]; !ok || len(set) != 2 {
		t.Errorf("basenames = %v", set)
	}
}

func TestPostgresSourceLiveItems(t *testing.T) {
	url := os.Getenv("VS_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("VS_TEST_POSTGRES_URL not set")
	}
	ctx := context.Background()
	db, err := postgres.New(ctx, config.PostgresConfig{URL: url, MaxOpenConns: 2, MaxIdleConns: 1})
	if err != nil {
		t.Skipf("postgres unavailable: %v", err)
	}
	defer db.Close()

	stmts := []string{
		`CREATE TEMP TABLE product_product (id BIGINT PRIMARY KEY)`,
		`CREATE TEMP TABLE product_productimage (product_id BIGINT, image TEXT, sort_order INT)`,
		`INSERT INTO product_product VALUES (1), (2), (3)`,
		`INSERT INTO product_productimage VALUES
			(1, 'p/a.jpg', 0), (1, 'p/a-side.jpg', 1),
			(2, 'p/na_image.jpg', 0), (3, 'p/c.jpg', 0)`,
	}
	// Temp tables are per-connection; pin one.
	db.DB.SetMaxOpenConns(1)
	for _, s := range stmts {
		if _, err := db.DB.ExecContext(ctx, s); err != nil {
			t.Fatalf("setup %q: %v", s, err)
		}
	}

	items, err := NewPostgresSource(db, logger.Discard()).LiveItems(ctx)
	if err != nil {
		t.Fatalf("LiveItems: %v", err)
	}
	got := BuildIDIndex(items)
	if len(got) != 2 || got["a.jpg"] != 1 || got["c.jpg"] != 3 {
		t.Errorf("live items = %+v", items)
	}
}
