// Package encoder turns the ordered list of cached image files into an
// embedding matrix, one feature extractor call per batch.
package encoder

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/visual-similarity/internal/embedding"
	"github.com/Adithya-Monish-Kumar-K/visual-similarity/internal/extractor"
	apperrors "github.com/Adithya-Monish-Kumar-K/visual-similarity/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/visual-similarity/pkg/metrics"
)

const DefaultBatchSize = 10

type Status int

const (
	Loaded Status = iota
	Failed
)

func (s Status) String() string {
	if s == Loaded {
		return "loaded"
	}
	return "failed"
}

// Outcome records what happened to one input file.
type Outcome struct {
	Path   string
	Status Status
	Err    error
}

// Result is the output of Encode. Rows of failed images are zero.
type Result struct {
	Matrix    *embedding.Matrix
	Positions embedding.PositionIndex
	Outcomes  []Outcome
	Failed    int
}

// Batch is the half-open position range [Start, End).
type Batch struct {
	Start, End int
}

func (b Batch) Len() int { return b.End - b.Start }

// Batches splits [0, total) into consecutive ranges of size, the last one
// truncated.
func Batches(total, size int) []Batch {
	if total <= 0 || size <= 0 {
		return nil
	}
	n := total / size
	if total%size != 0 {
		n++
	}
	out := make([]Batch, 0, n)
	for start := 0; start < total; start += size {
		out = append(out, Batch{Start: start, End: min(start+size, total)})
	}
	return out
}

type Options struct {
	BatchSize     int
	DecodeWorkers int
	Interpolation string
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

type Encoder struct {
	ext       extractor.Extractor
	batchSize int
	workers   int
	scaler    draw.Scaler
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func New(ext extractor.Extractor, opts Options) (*Encoder, error) {
	scaler, err := ParseInterpolation(opts.Interpolation)
	if err != nil {
		return nil, err
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.DecodeWorkers <= 0 {
		opts.DecodeWorkers = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Encoder{
		ext:       ext,
		batchSize: opts.BatchSize,
		workers:   opts.DecodeWorkers,
		scaler:    scaler,
		metrics:   opts.Metrics,
		logger:    logger,
	}, nil
}

// Encode fills one matrix row per file, in file order. Unreadable images are
// recorded as failed and keep a zero row; an extractor failure aborts the
// run. On cancellation the rows written so far are returned with the context
// error.
func (e *Encoder) Encode(ctx context.Context, files []string) (*Result, error) {
	total := len(files)
	res := &Result{
		Matrix:    embedding.NewMatrix(total, e.ext.Dim()),
		Positions: embedding.NewPositionIndex(total),
		Outcomes:  make([]Outcome, total),
	}
	if total == 0 {
		e.logger.Warn("no local images to encode")
		return res, nil
	}

	batches := Batches(total, e.batchSize)
	e.logger.Info("encoding images", "total", total, "batches", len(batches), "batch_size", e.batchSize)

	for i, b := range batches {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := e.encodeBatch(ctx, files, b, res); err != nil {
			return res, err
		}
		e.logger.Debug("batch encoded", "batch", i+1, "of", len(batches), "start", b.Start, "end", b.End)
	}

	e.logger.Info("encoding finished",
		"total", total,
		"failed", res.Failed,
		"nnz", res.Matrix.NNZ(),
	)
	return res, nil
}

func (e *Encoder) encodeBatch(ctx context.Context, files []string, b Batch, res *Result) error {
	h, w := e.ext.InputSize()
	stride := h * w * 3
	rows := b.Len()
	buf := make([]float32, rows*stride)

	var g errgroup.Group
	g.SetLimit(e.workers)
	for k := 0; k < rows; k++ {
		pos := b.Start + k
		slot := buf[k*stride : (k+1)*stride]
		g.Go(func() error {
			out := Outcome{Path: files[pos], Status: Loaded}
			if err := loadInto(files[pos], slot, h, w, e.scaler); err != nil {
				out.Status = Failed
				out.Err = err
			}
			res.Outcomes[pos] = out
			return nil
		})
	}
	g.Wait()

	for k := 0; k < rows; k++ {
		pos := b.Start + k
		if err := res.Positions.Set(pos, filepath.Base(files[pos])); err != nil {
			return apperrors.Wrap(apperrors.ErrInvalidInput, err, "recording position")
		}
		out := res.Outcomes[pos]
		if out.Status == Failed {
			res.Failed++
			e.logger.Warn("image could not be loaded, leaving zero row", "path", out.Path, "error", out.Err)
		}
		e.countImage(out.Status)
	}

	e.ext.Normalize(buf)

	start := time.Now()
	vecs, err := e.ext.Extract(ctx, buf, rows)
	if e.metrics != nil {
		e.metrics.BatchesTotal.Inc()
		e.metrics.ExtractorBatchLatency.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return apperrors.Wrap(apperrors.ErrExtraction, err, fmt.Sprintf("batch [%d, %d)", b.Start, b.End))
	}
	if len(vecs) != rows {
		return apperrors.Newf(apperrors.ErrExtraction, "batch [%d, %d): extractor returned %d vectors for %d images", b.Start, b.End, len(vecs), rows)
	}

	for k, vec := range vecs {
		pos := b.Start + k
		if res.Outcomes[pos].Status != Loaded {
			continue
		}
		if err := res.Matrix.SetRow(pos, vec); err != nil {
			return apperrors.Wrap(apperrors.ErrExtraction, err, "writing embedding row")
		}
	}
	return nil
}

func (e *Encoder) countImage(s Status) {
	if e.metrics != nil {
		e.metrics.ImagesEncodedTotal.WithLabelValues(s.String()).Inc()
	}
}
