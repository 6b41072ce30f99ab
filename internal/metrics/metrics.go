// Package metrics exposes Prometheus collectors for the processing pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	ExtractAttempts  *prometheus.CounterVec
	ExtractFailures  *prometheus.CounterVec
	ExtractTimeouts  *prometheus.CounterVec
	BatchDuration    prometheus.Histogram
	BackfillOutcomes *prometheus.CounterVec
	BackfillChunks   prometheus.Counter
}

// New registers the pipeline collectors on reg (or the default registerer if
// nil) and returns them.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ExtractAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "docqueue_extract_attempts_total",
			Help: "Extraction calls issued, by processor kind.",
		}, []string{"kind"}),
		ExtractFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "docqueue_extract_failures_total",
			Help: "Extraction calls that returned request-level errors.",
		}, []string{"kind"}),
		ExtractTimeouts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "docqueue_extract_timeouts_total",
			Help: "Extraction calls the caller stopped waiting on (not failures).",
		}, []string{"kind"}),
		BatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "docqueue_batch_duration_seconds",
			Help:    "Wall time of sequential batch runs.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		BackfillOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "docqueue_backfill_outcomes_total",
			Help: "Backfill item outcomes: succeeded, failed, quarantined.",
		}, []string{"outcome"}),
		BackfillChunks: factory.NewCounter(prometheus.CounterOpts{
			Name: "docqueue_backfill_chunks_total",
			Help: "Chunks produced by successful indexing calls.",
		}),
	}
}
