package extractor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/Adithya-Monish-Kumar-K/visual-similarity/pkg/resilience"
)

// HTTPConfig configures an HTTPExtractor.
type HTTPConfig struct {
	URL           string
	Model         string
	Height        int
	Width         int
	Dim           int
	Normalization Normalization
	Timeout       time.Duration
	RetryAttempts int
	Client        *http.Client
	Logger        *slog.Logger
}

// HTTPExtractor calls a model server's REST predict endpoint:
//
//	POST {url}/v1/models/{model}:predict  {"instances": [n][H][W][3]}
//	→ {"predictions": [n][...]}
//
// Each prediction may be nested (for example 7×7×512 feature maps) and is
// flattened row-major.
type HTTPExtractor struct {
	cfg    HTTPConfig
	client *http.Client
	logger *slog.Logger
}

func NewHTTP(cfg HTTPConfig) *HTTPExtractor {
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPExtractor{cfg: cfg, client: client, logger: logger}
}

func (e *HTTPExtractor) InputSize() (int, int) { return e.cfg.Height, e.cfg.Width }
func (e *HTTPExtractor) Dim() int              { return e.cfg.Dim }

func (e *HTTPExtractor) Normalize(pixels []float32) {
	e.cfg.Normalization.Apply(pixels)
}

type predictRequest struct {
	Instances [][][][]float32 `json:"instances"`
}

type predictResponse struct {
	Predictions []json.RawMessage `json:"predictions"`
	Error       string            `json:"error"`
}

// statusError carries a non-2xx reply; 4xx replies are not retried.
type statusError struct {
	code int
	body string
}

func (s *statusError) Error() string {
	return fmt.Sprintf("model server returned %d: %s", s.code, s.body)
}

func (e *HTTPExtractor) Extract(ctx context.Context, pixels []float32, n int) ([][]float32, error) {
	if err := CheckBatch(e, pixels, n); err != nil {
		return nil, err
	}
	body, err := json.Marshal(predictRequest{Instances: e.instances(pixels, n)})
	if err != nil {
		return nil, fmt.Errorf("encoding predict request: %w", err)
	}

	var out [][]float32
	err = resilience.Retry(ctx, "extract", resilience.RetryConfig{MaxAttempts: e.cfg.RetryAttempts, Logger: e.logger}, func(ctx context.Context) error {
		vecs, err := resilience.WithTimeout(ctx, e.cfg.Timeout, "predict", func(ctx context.Context) ([][]float32, error) {
			return e.predict(ctx, body)
		})
		if err != nil {
			var se *statusError
			if errors.As(err, &se) && se.code < 500 {
				return resilience.Permanent(err)
			}
			return err
		}
		out = vecs
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(out) != n {
		return nil, fmt.Errorf("model server returned %d predictions for %d images", len(out), n)
	}
	return out, nil
}

// instances views the flat buffer as [n][H][W][3] without copying pixels.
func (e *HTTPExtractor) instances(pixels []float32, n int) [][][][]float32 {
	h, w := e.cfg.Height, e.cfg.Width
	out := make([][][][]float32, n)
	off := 0
	for i := 0; i < n; i++ {
		img := make([][][]float32, h)
		for y := 0; y < h; y++ {
			row := make([][]float32, w)
			for x := 0; x < w; x++ {
				row[x] = pixels[off : off+3 : off+3]
				off += 3
			}
			img[y] = row
		}
		out[i] = img
	}
	return out
}

func (e *HTTPExtractor) predict(ctx context.Context, body []byte) ([][]float32, error) {
	url := fmt.Sprintf("%s/v1/models/%s:predict", e.cfg.URL, e.cfg.Model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("model server request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &statusError{code: resp.StatusCode, body: string(msg)}
	}

	var pr predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, fmt.Errorf("decoding predict response: %w", err)
	}
	if pr.Error != "" {
		return nil, resilience.Permanent(fmt.Errorf("model server error: %s", pr.Error))
	}

	vecs := make([][]float32, len(pr.Predictions))
	for i, raw := range pr.Predictions {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decoding prediction %d: %w", i, err)
		}
		flat, err := flatten(v, make([]float32, 0, e.cfg.Dim))
		if err != nil {
			return nil, fmt.Errorf("prediction %d: %w", i, err)
		}
		if len(flat) != e.cfg.Dim {
			return nil, resilience.Permanent(fmt.Errorf("prediction %d has %d values, want %d", i, len(flat), e.cfg.Dim))
		}
		vecs[i] = flat
	}
	return vecs, nil
}

func flatten(v any, out []float32) ([]float32, error) {
	switch t := v.(type) {
	case float64:
		return append(out, float32(t)), nil
	case []any:
		var err error
		for _, el := range t {
			if out, err = flatten(el, out); err != nil {
				return nil, err
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unexpected %T in prediction", v)
	}
}

// Ping asks the model server for the model's status.
func (e *HTTPExtractor) Ping(ctx context.Context) error {
	url := fmt.Sprintf("%s/v1/models/%s", e.cfg.URL, e.cfg.Model)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("model status request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("model %s status %d", e.cfg.Model, resp.StatusCode)
	}
	return nil
}
