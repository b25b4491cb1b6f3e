package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Adithya-Monish-Kumar-K/visual-similarity/internal/cachesync"
	"github.com/Adithya-Monish-Kumar-K/visual-similarity/internal/catalog"
	"github.com/Adithya-Monish-Kumar-K/visual-similarity/internal/encoder"
	"github.com/Adithya-Monish-Kumar-K/visual-similarity/internal/extractor"
	"github.com/Adithya-Monish-Kumar-K/visual-similarity/internal/pipeline"
	"github.com/Adithya-Monish-Kumar-K/visual-similarity/internal/publish"
	"github.com/Adithya-Monish-Kumar-K/visual-similarity/internal/storage"
	"github.com/Adithya-Monish-Kumar-K/visual-similarity/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/visual-similarity/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/visual-similarity/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/visual-similarity/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/visual-similarity/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/visual-similarity/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/visual-similarity/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/visual-similarity/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/visual-similarity/pkg/resilience"
)

func main() {
	configPath := flag.String("config", "", "path to config file (environment only when empty)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(apperrors.ExitFailure)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting similarity job",
		"cache_dir", cfg.Pipeline.CacheDir,
		"batch_size", cfg.Pipeline.BatchSize,
		"top_k", cfg.Pipeline.TopK,
		"min_results", cfg.Pipeline.MinResults,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg)
	stop()

	code := apperrors.ExitCode(err)
	if err != nil {
		slog.Error("similarity job failed", "error", err, "exit_code", code)
	} else {
		slog.Info("similarity job finished")
	}
	os.Exit(code)
}

func run(ctx context.Context, cfg *config.Config) error {
	m := metrics.New()
	if cfg.Metrics.Enabled {
		shutdown := m.StartServer(cfg.Metrics.Port, slog.Default())
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdown(sctx)
		}()
	}
	defer func() {
		pctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.Push(pctx, cfg.Metrics.PushgatewayURL, cfg.Metrics.Job); err != nil {
			slog.Warn("metrics push failed", "error", err)
		}
	}()

	db, err := postgres.New(ctx, cfg.Postgres)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCatalogUnavailable, err, "connecting to postgres")
	}
	defer db.Close()

	bucket := storage.NewBucket(storage.Connect(cfg.Storage), cfg.Storage.Bucket, logger.WithComponent(nil, "storage"))

	norm, err := extractor.ParseNormalization(cfg.Extractor.Normalization)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrConfig, err, "extractor normalization")
	}
	ext := extractor.NewHTTP(extractor.HTTPConfig{
		URL:           cfg.Extractor.URL,
		Model:         cfg.Extractor.Model,
		Height:        cfg.Extractor.Height,
		Width:         cfg.Extractor.Width,
		Dim:           cfg.Extractor.Dim,
		Normalization: norm,
		Timeout:       cfg.Extractor.Timeout,
		RetryAttempts: cfg.Extractor.RetryAttempts,
		Logger:        logger.WithComponent(nil, "extractor"),
	})

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb, err = redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrCatalogUnavailable, err, "connecting to redis")
		}
		defer rdb.Close()
	}

	checker := health.NewChecker(slog.Default())
	checker.Register("postgres", health.Ping(db.Ping))
	checker.Register("storage", health.Ping(bucket.Ping))
	checker.Register("extractor", health.Ping(ext.Ping))
	if rdb != nil {
		checker.Register("redis", health.Ping(rdb.Ping))
	}
	pctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	report := checker.Run(pctx)
	cancel()
	if err := report.Err(); err != nil {
		return apperrors.Wrap(apperrors.ErrCatalogUnavailable, err, "preflight")
	}

	runCtx, cancelRun := context.WithCancelCause(ctx)
	defer cancelRun(nil)

	runID := pipeline.NewRunID()
	if rdb != nil {
		lock, err := rdb.Acquire(ctx, cfg.Redis.LockKey, runID, cfg.Redis.LockTTL)
		if err != nil {
			if errors.Is(err, redis.ErrLockHeld) {
				return apperrors.Wrap(apperrors.ErrRunInProgress, err, "acquiring run lock")
			}
			return apperrors.Wrap(apperrors.ErrCatalogUnavailable, err, "acquiring run lock")
		}
		defer func() {
			cancelRun(nil)
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := lock.Release(rctx); err != nil {
				slog.Warn("run lock release failed", "error", err)
			}
		}()
		go lock.KeepAlive(runCtx, cfg.Redis.LockTTL, logger.WithComponent(nil, "run-lock"), cancelRun)
	}

	var notifier publish.Notifier
	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.SimilarityRefreshed, slog.Default())
		defer producer.Close()
		notifier = producer
	}

	breaker := resilience.NewCircuitBreaker("storage", resilience.CircuitBreakerConfig{
		FailureThreshold: cfg.Storage.BreakerFailures,
		ResetTimeout:     cfg.Storage.BreakerReset,
		IsFailure:        func(err error) bool { return !storage.IsNotFound(err) },
		OnStateChange: func(name string, to resilience.State) {
			m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
		Logger: slog.Default(),
	})
	syncer := cachesync.New(bucket, cachesync.Options{
		Dir:          cfg.Pipeline.CacheDir,
		ObjectSuffix: cfg.Storage.ObjectSuffix,
		Retry: resilience.RetryConfig{
			MaxAttempts:  cfg.Storage.RetryAttempts,
			InitialDelay: cfg.Storage.RetryDelay,
			Logger:       slog.Default(),
		},
		Breaker: breaker,
		Metrics: m,
		Logger:  logger.WithComponent(nil, "cache-sync"),
	})

	enc, err := encoder.New(ext, encoder.Options{
		BatchSize:     cfg.Pipeline.BatchSize,
		DecodeWorkers: cfg.Pipeline.DecodeWorkers,
		Interpolation: cfg.Pipeline.Interpolation,
		Metrics:       m,
		Logger:        logger.WithComponent(nil, "encoder"),
	})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrConfig, err, "encoder")
	}

	store, err := publish.NewPostgresStore(db, cfg.Postgres.SimilarityTable, cfg.Postgres.InsertPageSize, slog.Default())
	if err != nil {
		return apperrors.Wrap(apperrors.ErrConfig, err, "similarity store")
	}
	gate := publish.NewGate(store, publish.GateOptions{
		MinResults: cfg.Pipeline.MinResults,
		TopK:       cfg.Pipeline.TopK,
		Notifier:   notifier,
		Metrics:    m,
		Logger:     logger.WithComponent(nil, "publish"),
	})

	runner := pipeline.New(pipeline.Deps{
		Catalog: catalog.NewPostgresSource(db, logger.WithComponent(nil, "catalog")),
		Cache:   syncer,
		Encoder: enc,
		Gate:    gate,
	}, pipeline.Options{
		CacheDir:    cfg.Pipeline.CacheDir,
		TopK:        cfg.Pipeline.TopK,
		RankWorkers: cfg.Pipeline.RankWorkers,
		Metrics:     m,
		Logger:      slog.Default(),
	})

	_, err = runner.Run(pipeline.WithRunID(runCtx, runID))
	if cause := context.Cause(runCtx); err != nil && errors.Is(cause, redis.ErrLockLost) {
		return apperrors.Wrap(apperrors.ErrRunInProgress, cause, "run lock lost before publish")
	}
	return err
}
