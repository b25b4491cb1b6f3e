// Package cachesync reconciles the local image cache with the live catalog:
// stale files are removed first, then missing images are downloaded from
// blob storage and inflated in place.
package cachesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Adithya-Monish-Kumar-K/visual-similarity/internal/catalog"
	"github.com/Adithya-Monish-Kumar-K/visual-similarity/internal/storage"
	"github.com/Adithya-Monish-Kumar-K/visual-similarity/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/visual-similarity/pkg/resilience"
)

const partSuffix = ".part"

// Report summarises one Sync call.
type Report struct {
	Live       int
	Deleted    int
	Attempted  int
	Downloaded int
	Failed     int
	NotFound   int
}

// Options configures a Syncer. Breaker and Metrics are optional.
type Options struct {
	Dir          string
	ObjectSuffix string
	Retry        resilience.RetryConfig
	Breaker      *resilience.CircuitBreaker
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

// Syncer owns the cache directory; nothing else writes to it.
type Syncer struct {
	dir     string
	suffix  string
	blobs   storage.Blobs
	retry   resilience.RetryConfig
	breaker *resilience.CircuitBreaker
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func New(blobs storage.Blobs, opts Options) *Syncer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		dir:     opts.Dir,
		suffix:  opts.ObjectSuffix,
		blobs:   blobs,
		retry:   opts.Retry,
		breaker: opts.Breaker,
		metrics: opts.Metrics,
		logger:  logger,
	}
}

// Sync makes the cache directory hold exactly one file per live basename,
// minus the images that could not be fetched. Download failures are counted
// in the report; only directory errors and cancellation are returned.
func (s *Syncer) Sync(ctx context.Context, items []catalog.Item) (Report, error) {
	live := catalog.Basenames(items)
	report := Report{Live: len(live)}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return report, fmt.Errorf("creating cache directory %s: %w", s.dir, err)
	}

	deleted, err := s.deleteStale(live)
	report.Deleted = deleted
	if err != nil {
		return report, err
	}

	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		if item.Fname == "" {
			continue
		}
		base := item.Basename()
		if _, dup := seen[base]; dup {
			continue
		}
		seen[base] = struct{}{}
		if s.cached(base) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}

		report.Attempted++
		err := s.fetch(ctx, item)
		switch {
		case err == nil:
			report.Downloaded++
			s.countDownload("ok")
		case ctx.Err() != nil:
			return report, ctx.Err()
		case storage.IsNotFound(err):
			report.Failed++
			report.NotFound++
			s.countDownload("not_found")
			s.logger.Error("image does not exist in bucket", "key", item.Fname+s.suffix)
		default:
			report.Failed++
			s.countDownload("error")
			s.logger.Error("error downloading image", "key", item.Fname+s.suffix, "error", err)
		}
	}

	s.logger.Info("local cache synced",
		"live", report.Live,
		"deleted", report.Deleted,
		"downloaded", report.Downloaded,
		"attempts", report.Attempted,
		"failed", report.Failed,
	)
	return report, nil
}

// deleteStale removes every file whose basename is not live, including
// leftovers of interrupted downloads.
func (s *Syncer) deleteStale(live map[string]struct{}) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("listing cache directory %s: %w", s.dir, err)
	}
	deleted := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := live[e.Name()]; ok {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			return deleted, fmt.Errorf("removing stale file %s: %w", e.Name(), err)
		}
		deleted++
	}
	if s.metrics != nil {
		s.metrics.CacheDeletionsTotal.Add(float64(deleted))
	}
	if deleted > 0 {
		s.logger.Info("stale images removed", "count", deleted)
	}
	return deleted, nil
}

func (s *Syncer) cached(base string) bool {
	fi, err := os.Stat(filepath.Join(s.dir, base))
	return err == nil && fi.Mode().IsRegular()
}

// fetch downloads the compressed object next to its final location,
// inflates it into a .part file and renames that into place, so a crash
// never leaves a truncated image under a live name.
func (s *Syncer) fetch(ctx context.Context, item catalog.Item) error {
	base := item.Basename()
	final := filepath.Join(s.dir, base)
	compressed := final + s.compressedSuffix()
	defer os.Remove(compressed)

	download := func() error {
		return resilience.Retry(ctx, "download "+base, s.retry, func(ctx context.Context) error {
			f, err := os.Create(compressed)
			if err != nil {
				return resilience.Permanent(fmt.Errorf("creating %s: %w", compressed, err))
			}
			_, err = s.blobs.Download(ctx, item.Fname+s.suffix, f)
			if cerr := f.Close(); err == nil && cerr != nil {
				err = cerr
			}
			if storage.IsNotFound(err) {
				return resilience.Permanent(err)
			}
			return err
		})
	}
	var err error
	if s.breaker != nil {
		err = s.breaker.Execute(download)
	} else {
		err = download()
	}
	if err != nil {
		return err
	}

	return inflate(compressed, final)
}

func (s *Syncer) compressedSuffix() string {
	if s.suffix == "" {
		return ".z"
	}
	return s.suffix
}

func (s *Syncer) countDownload(result string) {
	if s.metrics != nil {
		s.metrics.DownloadsTotal.WithLabelValues(result).Inc()
	}
}

func inflate(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	part := dst + partSuffix
	out, err := os.Create(part)
	if err != nil {
		return fmt.Errorf("creating %s: %w", part, err)
	}
	if _, err := storage.Decompress(in, out); err != nil {
		out.Close()
		os.Remove(part)
		return fmt.Errorf("decompressing %s: %w", filepath.Base(src), err)
	}
	if err := out.Close(); err != nil {
		os.Remove(part)
		return fmt.Errorf("closing %s: %w", part, err)
	}
	if err := os.Rename(part, dst); err != nil {
		os.Remove(part)
		return fmt.Errorf("renaming %s: %w", part, err)
	}
	return nil
}

// ListLocal returns the full paths of the cached images in name order. The
// order fixes each image's row in the embedding matrix.
func ListLocal(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing cache directory %s: %w", dir, err)
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	return files, nil
}
