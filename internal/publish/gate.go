// Package publish decides whether a run's ranking is worth persisting and,
// when it is, replaces the stored similarity lists in one transaction.
package publish

import (
	"context"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/visual-similarity/internal/ranker"
	apperrors "github.com/Adithya-Monish-Kumar-K/visual-similarity/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/visual-similarity/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/visual-similarity/pkg/metrics"
)

const DefaultMinResults = 100

type Outcome string

const (
	Published Outcome = "published"
	Skipped   Outcome = "skipped"
	Failed    Outcome = "failed"
)

// Decision reports what the gate did with a ranking.
type Decision struct {
	Outcome   Outcome
	Count     int
	Threshold int
}

// Notifier announces a successful publish. *kafka.Producer satisfies it.
type Notifier interface {
	Publish(ctx context.Context, event kafka.Event) error
}

type GateOptions struct {
	MinResults int
	TopK       int
	Notifier   Notifier
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Gate publishes a ranking only when it has more than MinResults entries,
// so a run where most images failed never overwrites good data.
type Gate struct {
	store    Store
	min      int
	topK     int
	notifier Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

func NewGate(store Store, opts GateOptions) *Gate {
	if opts.MinResults < 0 {
		opts.MinResults = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		store:    store,
		min:      opts.MinResults,
		topK:     opts.TopK,
		notifier: opts.Notifier,
		metrics:  opts.Metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// Publish applies the threshold. A skipped publish is not an error; a store
// failure is returned as ErrPersistence and leaves the previous lists in
// place.
func (g *Gate) Publish(ctx context.Context, runID string, res ranker.Result) (Decision, error) {
	d := Decision{Count: len(res), Threshold: g.min}
	if d.Count <= g.min {
		d.Outcome = Skipped
		g.count(d.Outcome)
		g.logger.Warn("similarity not published, too few results",
			"results", d.Count,
			"threshold", g.min,
		)
		return d, nil
	}

	if err := g.store.Replace(ctx, Rows(res)); err != nil {
		d.Outcome = Failed
		g.count(d.Outcome)
		return d, apperrors.Wrap(apperrors.ErrPersistence, err, "replacing similarity lists")
	}
	d.Outcome = Published
	g.count(d.Outcome)
	g.logger.Info("similarity published", "results", d.Count)

	if g.notifier != nil {
		event := kafka.Event{
			Key: runID,
			Value: kafka.SimilarityRefreshed{
				RunID:       runID,
				Items:       d.Count,
				TopK:        g.topK,
				PublishedAt: g.now().UTC(),
			},
		}
		if err := g.notifier.Publish(ctx, event); err != nil {
			g.logger.Warn("refresh notification failed", "error", err)
		}
	}
	return d, nil
}

func (g *Gate) count(o Outcome) {
	if g.metrics != nil {
		g.metrics.PublishTotal.WithLabelValues(string(o)).Inc()
	}
}
