package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Decisions              *prometheus.CounterVec
	StoreLatencySeconds    prometheus.Histogram
	CleanupRemovedTotal    prometheus.Counter
	CleanupRunsTotal       *prometheus.CounterVec
	CleanupDurationSeconds prometheus.Histogram
}

func New() *Metrics {
	return &Metrics{
		Decisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_ratelimit_decisions_total",
			Help: "Rate limit outcomes by class",
		}, []string{"class", "outcome"}),
		StoreLatencySeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "gatekeeper_ratelimit_store_latency_seconds",
			Help:    "Latency of counter store increments",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25},
		}),
		CleanupRemovedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "gatekeeper_ratelimit_cleanup_removed_total",
			Help: "Expired counters removed by the cleanup worker",
		}),
		CleanupRunsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_ratelimit_cleanup_runs_total",
			Help: "Total number of cleanup runs",
		}, []string{"status"}),
		CleanupDurationSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Name: "gatekeeper_ratelimit_cleanup_duration_seconds",
			Help: "Duration of cleanup runs in seconds",
		}),
	}
}

func (m *Metrics) IncrementDecision(class, outcome string) {
	m.Decisions.WithLabelValues(class, outcome).Inc()
}

func (m *Metrics) ObserveStoreLatency(d time.Duration) {
	m.StoreLatencySeconds.Observe(d.Seconds())
}

func (m *Metrics) IncrementCleanupRemoved(count int) {
	m.CleanupRemovedTotal.Add(float64(count))
}

func (m *Metrics) IncrementCleanupRuns(status string) {
	m.CleanupRunsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveCleanupDuration(d time.Duration) {
	m.CleanupDurationSeconds.Observe(d.Seconds())
}
