package publish

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Adithya-Monish-Kumar-K/visual-similarity/internal/ranker"
	"github.com/Adithya-Monish-Kumar-K/visual-similarity/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/visual-similarity/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/visual-similarity/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/visual-similarity/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/visual-similarity/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/visual-similarity/pkg/postgres"
)

type fakeStore struct {
	rows  []Row
	calls int
	err   error
}

func (f *fakeStore) Replace(ctx context.Context, rows []Row) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.rows = rows
	return nil
}

type fakeNotifier struct {
	events []kafka.Event
	err    error
}

func (f *fakeNotifier) Publish(ctx context.Context, e kafka.Event) error {
	f.events = append(f.events, e)
	return f.err
}

func resultOfSize(n int) ranker.Result {
	res := make(ranker.Result, n)
	for i := n; i > 0; i-- {
		res[int64(i)] = []int64{int64(i)}
	}
	return res
}

func TestGatePublishesAboveThreshold(t *testing.T) {
	store := &fakeStore{}
	notifier := &fakeNotifier{}
	m := metrics.New()
	g := NewGate(store, GateOptions{MinResults: 100, TopK: 1500, Notifier: notifier, Metrics: m, Logger: logger.Discard()})

	d, err := g.Publish(context.Background(), "run-1", resultOfSize(101))
	if err != nil {
		t.Fatal(err)
	}
	if d.Outcome != Published || d.Count != 101 {
		t.Errorf("decision = %+v", d)
	}
	if store.calls != 1 || len(store.rows) != 101 {
		t.Fatalf("store calls = %d rows = %d", store.calls, len(store.rows))
	}
	for i, r := range store.rows {
		if r.ItemID != int64(i+1) {
			t.Fatalf("row %d has id %d, want ascending ids", i, r.ItemID)
		}
	}
	if len(notifier.events) != 1 {
		t.Fatalf("notifications = %d", len(notifier.events))
	}
	ev := notifier.events[0].Value.(kafka.SimilarityRefreshed)
	if ev.RunID != "run-1" || ev.Items != 101 || ev.TopK != 1500 {
		t.Errorf("event = %+v", ev)
	}
	if v := testutil.ToFloat64(m.PublishTotal.WithLabelValues("published")); v != 1 {
		t.Errorf("published metric = %v", v)
	}
}

func TestGateSkipsAtThreshold(t *testing.T) {
	store := &fakeStore{}
	notifier := &fakeNotifier{}
	m := metrics.New()
	g := NewGate(store, GateOptions{MinResults: 100, Notifier: notifier, Metrics: m, Logger: logger.Discard()})

	d, err := g.Publish(context.Background(), "run-2", resultOfSize(100))
	if err != nil {
		t.Fatal(err)
	}
	if d.Outcome != Skipped {
		t.Errorf("outcome = %s, want skipped", d.Outcome)
	}
	if store.calls != 0 || len(notifier.events) != 0 {
		t.Error("skipped publish touched the store or notified")
	}
	if v := testutil.ToFloat64(m.PublishTotal.WithLabelValues("skipped")); v != 1 {
		t.Errorf("skipped metric = %v", v)
	}
}

func TestGateStoreFailureIsPersistenceError(t *testing.T) {
	store := &fakeStore{err: errors.New("deadlock detected")}
	notifier := &fakeNotifier{}
	g := NewGate(store, GateOptions{MinResults: 1, Notifier: notifier, Logger: logger.Discard()})

	d, err := g.Publish(context.Background(), "run-3", resultOfSize(2))
	if !errors.Is(err, apperrors.ErrPersistence) {
		t.Fatalf("err = %v, want ErrPersistence", err)
	}
	if d.Outcome != Failed {
		t.Errorf("outcome = %s", d.Outcome)
	}
	if len(notifier.events) != 0 {
		t.Error("failed publish must not notify")
	}
}

func TestGateNotificationFailureIsNotFatal(t *testing.T) {
	g := NewGate(&fakeStore{}, GateOptions{
		MinResults: 0,
		Notifier:   &fakeNotifier{err: errors.New("broker down")},
		Logger:     logger.Discard(),
	})
	g.now = func() time.Time { return time.Unix(0, 0) }

	d, err := g.Publish(context.Background(), "run-4", resultOfSize(1))
	if err != nil || d.Outcome != Published {
		t.Errorf("decision = %+v, err = %v", d, err)
	}
}

func TestInsertStatement(t *testing.T) {
	got := insertStatement(`"t"`, 2)
	want := `INSERT INTO "t" (product_id, similar_products) VALUES ($1, $2), ($3, $4)`
	if got != want {
		t.Errorf("got  %s\nwant %s", got, want)
	}
	if q := quoteTable("public.product_productsimilarity"); q != `"public"."product_productsimilarity"` {
		t.Errorf("quoteTable = %s", q)
	}
}

func TestPostgresStoreReplace(t *testing.T) {
	url := os.Getenv("VS_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("VS_TEST_POSTGRES_URL not set")
	}
	ctx := context.Background()
	db, err := postgres.New(ctx, config.PostgresConfig{URL: url, MaxOpenConns: 1, MaxIdleConns: 1})
	if err != nil {
		t.Skipf("postgres unavailable: %v", err)
	}
	defer db.Close()

	if _, err := db.DB.ExecContext(ctx, `CREATE TEMP TABLE similarity_test (product_id BIGINT PRIMARY KEY, similar_products BIGINT[])`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.DB.ExecContext(ctx, `INSERT INTO similarity_test VALUES (999, '{999}')`); err != nil {
		t.Fatal(err)
	}

	store, err := NewPostgresStore(db, "similarity_test", 3, logger.Discard())
	if err != nil {
		t.Fatal(err)
	}
	rows := Rows(resultOfSize(7))
	if err := store.Replace(ctx, rows); err != nil {
		t.Fatalf("Replace: %v", err)
	}

	var count int
	db.DB.QueryRowContext(ctx, `SELECT count(*) FROM similarity_test`).Scan(&count)
	if count != 7 {
		t.Errorf("rows = %d, want 7 (old row truncated)", count)
	}
	var similar []int64
	if err := db.DB.QueryRowContext(ctx, `SELECT similar_products FROM similarity_test WHERE product_id = 5`).Scan(pq.Array(&similar)); err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(similar) != "[5]" {
		t.Errorf("similar = %v", similar)
	}

	// A failing page rolls the whole replacement back.
	bad := append(Rows(resultOfSize(2)), Row{ItemID: 1, Similar: []int64{1}})
	if err := store.Replace(ctx, bad); err == nil {
		t.Fatal("expected duplicate key error")
	}
	db.DB.QueryRowContext(ctx, `SELECT count(*) FROM similarity_test`).Scan(&count)
	if count != 7 {
		t.Errorf("rows after failed replace = %d, want 7", count)
	}
}
