package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the audit logger.
type Metrics struct {
	EventsEmitted   *prometheus.CounterVec
	SinkFailures    prometheus.Counter
	BufferDepth     prometheus.Gauge
	EventsRejected  prometheus.Counter
	Quarantined     prometheus.Counter
	EventsFlushed   prometheus.Counter
	FallbackWrites  *prometheus.CounterVec
	MirrorFailures  prometheus.Counter
	AppendDuration  prometheus.Histogram
	Degraded        prometheus.Gauge
	BreakerOpenings prometheus.Counter
}

func New() *Metrics {
	return &Metrics{
		EventsEmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_audit_events_emitted_total",
			Help: "Audit events emitted by severity and outcome (persisted, buffered, quarantined, rejected)",
		}, []string{"severity", "outcome"}),
		SinkFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "gatekeeper_audit_sink_failures_total",
			Help: "Failed appends to the persistent audit sink",
		}),
		BufferDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "gatekeeper_audit_buffer_depth",
			Help: "Events waiting in the in-memory audit buffer",
		}),
		EventsRejected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "gatekeeper_audit_events_rejected_total",
			Help: "Events refused because the audit buffer was full",
		}),
		Quarantined: promauto.NewCounter(prometheus.CounterOpts{
			Name: "gatekeeper_audit_events_quarantined_total",
			Help: "Events the sink refused for their content and that only the fallback holds",
		}),
		EventsFlushed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "gatekeeper_audit_events_flushed_total",
			Help: "Buffered events persisted after the sink recovered",
		}),
		FallbackWrites: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_audit_fallback_writes_total",
			Help: "Writes to the local audit fallback channel",
		}, []string{"status"}),
		MirrorFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "gatekeeper_audit_mirror_failures_total",
			Help: "Failed audit stream publishes",
		}),
		AppendDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "gatekeeper_audit_append_duration_seconds",
			Help:    "Latency of persistent sink appends",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
		Degraded: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "gatekeeper_audit_degraded",
			Help: "1 while the audit sink is bypassed or the buffer is non-empty",
		}),
		BreakerOpenings: promauto.NewCounter(prometheus.CounterOpts{
			Name: "gatekeeper_audit_breaker_opened_total",
			Help: "Times the audit sink circuit breaker opened",
		}),
	}
}

func (m *Metrics) IncEmitted(severity, outcome string) {
	m.EventsEmitted.WithLabelValues(severity, outcome).Inc()
}

func (m *Metrics) IncSinkFailure() {
	m.SinkFailures.Inc()
}

func (m *Metrics) SetBufferDepth(n int) {
	m.BufferDepth.Set(float64(n))
}

func (m *Metrics) IncRejected() {
	m.EventsRejected.Inc()
}

func (m *Metrics) IncQuarantined() {
	m.Quarantined.Inc()
}

func (m *Metrics) AddFlushed(n int) {
	m.EventsFlushed.Add(float64(n))
}

func (m *Metrics) IncFallback(status string) {
	m.FallbackWrites.WithLabelValues(status).Inc()
}

func (m *Metrics) IncMirrorFailure() {
	m.MirrorFailures.Inc()
}

func (m *Metrics) ObserveAppend(d time.Duration) {
	m.AppendDuration.Observe(d.Seconds())
}

func (m *Metrics) SetDegraded(degraded bool) {
	if degraded {
		m.Degraded.Set(1)
		return
	}
	m.Degraded.Set(0)
}

func (m *Metrics) IncBreakerOpened() {
	m.BreakerOpenings.Inc()
}
