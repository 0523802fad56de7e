package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Transitions     *prometheus.CounterVec
	ConsumeOutcomes *prometheus.CounterVec
	NotifyFailures  prometheus.Counter
	SweptTotal      prometheus.Counter
	SweepRunsTotal  *prometheus.CounterVec
}

func New() *Metrics {
	return &Metrics{
		Transitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_breakglass_transitions_total",
			Help: "Break-glass state transitions by target state",
		}, []string{"state"}),
		ConsumeOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_breakglass_consume_total",
			Help: "Break-glass consume attempts by outcome",
		}, []string{"outcome"}),
		NotifyFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "gatekeeper_breakglass_notify_failures_total",
			Help: "Approver notifications that could not be scheduled",
		}),
		SweptTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "gatekeeper_breakglass_swept_total",
			Help: "Open sessions moved to expired by the sweeper",
		}),
		SweepRunsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_breakglass_sweep_runs_total",
			Help: "Sweeper runs by status",
		}, []string{"status"}),
	}
}

func (m *Metrics) IncTransition(state string) {
	m.Transitions.WithLabelValues(state).Inc()
}

func (m *Metrics) IncConsume(outcome string) {
	m.ConsumeOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncNotifyFailure() {
	m.NotifyFailures.Inc()
}

func (m *Metrics) AddSwept(n int) {
	m.SweptTotal.Add(float64(n))
}

func (m *Metrics) IncSweepRun(status string) {
	m.SweepRunsTotal.WithLabelValues(status).Inc()
}
