package extractor

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/Adithya-Monish-Kumar-K/visual-similarity/pkg/logger"
)

func approx(a, b float32) bool {
	return math.Abs(float64(a-b)) < 1e-4
}

func TestCaffeNormalizationFlipsAndCentres(t *testing.T) {
	px := []float32{10, 20, 30, 0, 0, 0}
	NormalizeCaffe.Apply(px)
	want := []float32{30 - 103.939, 20 - 116.779, 10 - 123.68, -103.939, -116.779, -123.68}
	for i := range want {
		if !approx(px[i], want[i]) {
			t.Fatalf("px[%d] = %v, want %v", i, px[i], want[i])
		}
	}
}

func TestTFNormalizationRange(t *testing.T) {
	px := []float32{0, 127.5, 255}
	NormalizeTF.Apply(px)
	for i, want := range []float32{-1, 0, 1} {
		if !approx(px[i], want) {
			t.Errorf("px[%d] = %v, want %v", i, px[i], want)
		}
	}
}

func TestParseNormalization(t *testing.T) {
	if n, err := ParseNormalization(""); err != nil || n != NormalizeCaffe {
		t.Errorf("empty = %q, %v", n, err)
	}
	if _, err := ParseNormalization("torch"); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func newTestExtractor(url string) *HTTPExtractor {
	return NewHTTP(HTTPConfig{
		URL:           url,
		Model:         "vgg16",
		Height:        2,
		Width:         2,
		Dim:           4,
		Normalization: NormalizeNone,
		Timeout:       time.Second,
		RetryAttempts: 2,
		Logger:        logger.Discard(),
	})
}

func TestExtractSendsInstancesAndFlattensPredictions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models/vgg16:predict" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req predictRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if len(req.Instances) != 2 || len(req.Instances[0]) != 2 || len(req.Instances[0][0]) != 2 || len(req.Instances[0][0][0]) != 3 {
			t.Errorf("unexpected instance shape")
		}
		// Echo the first channel of the first pixel so rows are tied to inputs.
		preds := make([]any, len(req.Instances))
		for i, inst := range req.Instances {
			v := inst[0][0][0]
			preds[i] = [][]float32{{v, 0}, {0, 1}}
		}
		json.NewEncoder(w).Encode(map[string]any{"predictions": preds})
	}))
	defer srv.Close()

	e := newTestExtractor(srv.URL)
	px := make([]float32, 2*2*2*3)
	px[0] = 7
	px[12] = 9

	vecs, err := e.Extract(context.Background(), px, 2)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(vecs) != 2 || len(vecs[0]) != 4 {
		t.Fatalf("shape = %d x %d", len(vecs), len(vecs[0]))
	}
	if vecs[0][0] != 7 || vecs[1][0] != 9 || vecs[1][3] != 1 {
		t.Errorf("vecs = %v", vecs)
	}
}

func TestExtractRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"predictions": [[1, 2, 3, 4]]}`))
	}))
	defer srv.Close()

	vecs, err := newTestExtractor(srv.URL).Extract(context.Background(), make([]float32, 12), 1)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if calls.Load() != 2 || vecs[0][3] != 4 {
		t.Errorf("calls = %d, vecs = %v", calls.Load(), vecs)
	}
}

func TestExtractDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad input shape", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := newTestExtractor(srv.URL).Extract(context.Background(), make([]float32, 12), 1)
	if err == nil || !strings.Contains(err.Error(), "400") {
		t.Fatalf("err = %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestExtractRejectsWrongDimensions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"predictions": [[1, 2, 3]]}`))
	}))
	defer srv.Close()

	if _, err := newTestExtractor(srv.URL).Extract(context.Background(), make([]float32, 12), 1); err == nil {
		t.Fatal("expected dimension error")
	}
}

func TestExtractValidatesBuffer(t *testing.T) {
	e := newTestExtractor("http://unused")
	if _, err := e.Extract(context.Background(), make([]float32, 5), 1); err == nil {
		t.Error("expected buffer size error")
	}
	if _, err := e.Extract(context.Background(), nil, 0); err == nil {
		t.Error("expected error for empty batch")
	}
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models/vgg16" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"model_version_status": [{"state": "AVAILABLE"}]}`))
	}))
	defer srv.Close()

	if err := newTestExtractor(srv.URL).Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
