package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes pipeline counters and stage timings for Prometheus.
type Metrics struct {
	JobsClaimed   prometheus.Counter
	JobsCompleted prometheus.Counter
	JobsFailed    prometheus.Counter
	JobsRetried   prometheus.Counter
	StageDuration *prometheus.HistogramVec
}

// NewMetrics registers the pipeline metrics with reg. Pass
// prometheus.DefaultRegisterer outside of tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		JobsClaimed: factory.NewCounter(prometheus.CounterOpts{
			Name: "lumaframe_pipeline_jobs_claimed_total",
			Help: "Number of queue jobs claimed by workers.",
		}),
		JobsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "lumaframe_pipeline_jobs_completed_total",
			Help: "Number of queue jobs that finished every stage.",
		}),
		JobsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "lumaframe_pipeline_jobs_failed_total",
			Help: "Number of queue jobs parked as failed after exhausting attempts.",
		}),
		JobsRetried: factory.NewCounter(prometheus.CounterOpts{
			Name: "lumaframe_pipeline_jobs_retried_total",
			Help: "Number of queue jobs returned to pending after a stage failure.",
		}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lumaframe_pipeline_stage_duration_seconds",
			Help:    "Wall-clock duration of individual pipeline stages.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"stage"}),
	}
}
