package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Decisions           *prometheus.CounterVec
	EvaluationDuration  prometheus.Histogram
	ElevatedAllows      prometheus.Counter
	AuditDegradedAllows prometheus.Counter
	AuditFailures       *prometheus.CounterVec
}

func New() *Metrics {
	return &Metrics{
		Decisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_authz_decisions_total",
			Help: "Authorization decisions by decision and category",
		}, []string{"decision", "category"}),
		EvaluationDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "gatekeeper_authz_evaluation_duration_seconds",
			Help:    "Time to reach an authorization decision, audit included",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5},
		}),
		ElevatedAllows: promauto.NewCounter(prometheus.CounterOpts{
			Name: "gatekeeper_authz_elevated_allows_total",
			Help: "Requests allowed through a break-glass elevation",
		}),
		AuditDegradedAllows: promauto.NewCounter(prometheus.CounterOpts{
			Name: "gatekeeper_authz_audit_degraded_allows_total",
			Help: "Requests allowed under fail_open while the audit write was refused",
		}),
		AuditFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_authz_audit_failures_total",
			Help: "Decision audit writes that returned an error, by decision",
		}, []string{"decision"}),
	}
}

func (m *Metrics) IncDecision(decision, category string) {
	m.Decisions.WithLabelValues(decision, category).Inc()
}

func (m *Metrics) ObserveEvaluation(d time.Duration) {
	m.EvaluationDuration.Observe(d.Seconds())
}

func (m *Metrics) IncElevated() {
	m.ElevatedAllows.Inc()
}

func (m *Metrics) IncAuditDegradedAllow() {
	m.AuditDegradedAllows.Inc()
}

func (m *Metrics) IncAuditFailure(decision string) {
	m.AuditFailures.WithLabelValues(decision).Inc()
}
