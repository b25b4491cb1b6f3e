// Package pipeline runs one similarity refresh end to end: catalog, cache
// sync, encoding, ranking and the publish gate.
package pipeline

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/visual-similarity/internal/cachesync"
	"github.com/Adithya-Monish-Kumar-K/visual-similarity/internal/catalog"
	"github.com/Adithya-Monish-Kumar-K/visual-similarity/internal/encoder"
	"github.com/Adithya-Monish-Kumar-K/visual-similarity/internal/publish"
	"github.com/Adithya-Monish-Kumar-K/visual-similarity/internal/ranker"
	apperrors "github.com/Adithya-Monish-Kumar-K/visual-similarity/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/visual-similarity/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/visual-similarity/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/visual-similarity/pkg/tracing"
)

type CacheSyncer interface {
	Sync(ctx context.Context, items []catalog.Item) (cachesync.Report, error)
}

type Encoder interface {
	Encode(ctx context.Context, files []string) (*encoder.Result, error)
}

type Publisher interface {
	Publish(ctx context.Context, runID string, res ranker.Result) (publish.Decision, error)
}

// Deps are the stage implementations a Runner drives.
type Deps struct {
	Catalog catalog.Source
	Cache   CacheSyncer
	Encoder Encoder
	Gate    Publisher
}

type Options struct {
	CacheDir    string
	TopK        int
	RankWorkers int
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Summary describes a finished or aborted run.
type Summary struct {
	RunID        string
	Items        int
	Sync         cachesync.Report
	Encoded      int
	FailedImages int
	Results      int
	Decision     publish.Decision
	Duration     time.Duration
}

type Runner struct {
	deps    Deps
	opts    Options
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func New(deps Deps, opts Options) *Runner {
	base := opts.Logger
	if base == nil {
		base = slog.Default()
	}
	return &Runner{
		deps:    deps,
		opts:    opts,
		metrics: opts.Metrics,
		logger:  base.With("component", "pipeline"),
	}
}

// NewRunID returns a random identifier for log correlation.
func NewRunID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Run executes the stages in order. Nothing is published unless every
// stage before the gate completed; cancellation surfaces as ErrCancelled.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	runID := NewRunID()
	if id, ok := runIDFrom(ctx); ok {
		runID = id
	}
	ctx = logger.WithRunID(ctx, runID)
	ctx, root := tracing.StartSpan(ctx, "similarity_run", runID)
	log := logger.FromContext(ctx, r.logger)

	log.Info("run started")
	sum, err := r.run(ctx, runID, log)
	sum.Duration = root.End()
	root.Log(log)
	if err != nil {
		return sum, r.fail(ctx, log, err)
	}

	if r.metrics != nil {
		r.metrics.LastSuccessTimestamp.SetToCurrentTime()
	}
	log.Info("run finished",
		"items", sum.Items,
		"downloaded", sum.Sync.Downloaded,
		"failed_images", sum.FailedImages,
		"results", sum.Results,
		"outcome", sum.Decision.Outcome,
		"duration", sum.Duration,
	)
	return sum, nil
}

func (r *Runner) run(ctx context.Context, runID string, log *slog.Logger) (Summary, error) {
	sum := Summary{RunID: runID}

	var items []catalog.Item
	err := r.stage(ctx, "catalog", func(ctx context.Context) error {
		var err error
		items, err = r.deps.Catalog.LiveItems(ctx)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrCatalogUnavailable, err, "loading live items")
		}
		return nil
	})
	if err != nil {
		return sum, err
	}
	sum.Items = len(items)
	if r.metrics != nil {
		r.metrics.LiveItems.Set(float64(len(items)))
	}

	err = r.stage(ctx, "cache_sync", func(ctx context.Context) error {
		var err error
		sum.Sync, err = r.deps.Cache.Sync(ctx, items)
		return err
	})
	if err != nil {
		return sum, err
	}

	var enc *encoder.Result
	err = r.stage(ctx, "encode", func(ctx context.Context) error {
		files, err := cachesync.ListLocal(r.opts.CacheDir)
		if err != nil {
			return err
		}
		enc, err = r.deps.Encoder.Encode(ctx, files)
		if enc != nil {
			sum.Encoded = enc.Matrix.Rows() - enc.Failed
			sum.FailedImages = enc.Failed
		}
		return err
	})
	if err != nil {
		return sum, err
	}

	var ranked ranker.Result
	err = r.stage(ctx, "rank", func(ctx context.Context) error {
		ids := catalog.BuildIDIndex(items)
		var err error
		ranked, err = ranker.Rank(ctx, enc.Matrix, enc.Positions, ids, ranker.Options{
			TopK:    r.opts.TopK,
			Workers: r.opts.RankWorkers,
			Logger:  log,
		})
		return err
	})
	if err != nil {
		return sum, err
	}
	sum.Results = len(ranked)
	if r.metrics != nil {
		r.metrics.SimilarityResults.Set(float64(len(ranked)))
	}

	err = r.stage(ctx, "publish", func(ctx context.Context) error {
		var err error
		sum.Decision, err = r.deps.Gate.Publish(ctx, runID, ranked)
		return err
	})
	return sum, err
}

func (r *Runner) stage(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx, span := tracing.StartChildSpan(ctx, name)
	err := fn(ctx)
	d := span.End()
	if err != nil {
		span.SetAttr("error", err.Error())
	}
	if r.metrics != nil {
		r.metrics.StageDuration.WithLabelValues(name).Observe(d.Seconds())
	}
	return err
}

func (r *Runner) fail(ctx context.Context, log *slog.Logger, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if ctx.Err() != nil {
			err = apperrors.Wrap(apperrors.ErrCancelled, err, "run aborted before publish")
		}
	}
	log.Error("run failed", "error", err)
	return err
}

type runIDKey struct{}

// WithRunID fixes the id the next Run uses instead of a random one.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

func runIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(runIDKey{}).(string)
	return id, ok && id != ""
}
