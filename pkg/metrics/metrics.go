// Package metrics defines the Prometheus collectors recorded by a similarity
// run and exposes them for scraping or pushes them to a Pushgateway when the
// run finishes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for a run.
type Metrics struct {
	Registry *prometheus.Registry

	LiveItems             prometheus.Gauge
	CacheDeletionsTotal   prometheus.Counter
	DownloadsTotal        *prometheus.CounterVec
	ImagesEncodedTotal    *prometheus.CounterVec
	BatchesTotal          prometheus.Counter
	ExtractorBatchLatency prometheus.Histogram
	StageDuration         *prometheus.HistogramVec
	SimilarityResults     prometheus.Gauge
	PublishTotal          *prometheus.CounterVec
	LastSuccessTimestamp  prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec
}

// New creates all collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		LiveItems: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "similarity_live_items",
				Help: "Number of live catalog items seen by the last run.",
			},
		),
		CacheDeletionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "similarity_cache_deletions_total",
				Help: "Stale files removed from the local image cache.",
			},
		),
		DownloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "similarity_downloads_total",
				Help: "Image downloads by result (ok, not_found, error).",
			},
			[]string{"result"},
		),
		ImagesEncodedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "similarity_images_encoded_total",
				Help: "Images passed through the encoder by outcome (loaded, failed).",
			},
			[]string{"outcome"},
		),
		BatchesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "similarity_extractor_batches_total",
				Help: "Feature extractor invocations.",
			},
		),
		ExtractorBatchLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "similarity_extractor_batch_seconds",
				Help:    "Latency of one feature extractor batch call.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "similarity_stage_duration_seconds",
				Help:    "Wall time of each pipeline stage.",
				Buckets: []float64{0.1, 1, 5, 15, 60, 300, 900, 1800, 3600, 7200},
			},
			[]string{"stage"},
		),
		SimilarityResults: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "similarity_results",
				Help: "Items with a ranked similarity list in the last run.",
			},
		),
		PublishTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "similarity_publish_total",
				Help: "Publish gate decisions by outcome (published, skipped, failed).",
			},
			[]string{"outcome"},
		),
		LastSuccessTimestamp: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "similarity_last_success_timestamp_seconds",
				Help: "Unix time of the last run that completed without error.",
			},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "similarity_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	m.Registry.MustRegister(
		m.LiveItems,
		m.CacheDeletionsTotal,
		m.DownloadsTotal,
		m.ImagesEncodedTotal,
		m.BatchesTotal,
		m.ExtractorBatchLatency,
		m.StageDuration,
		m.SimilarityResults,
		m.PublishTotal,
		m.LastSuccessTimestamp,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
