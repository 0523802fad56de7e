// Package sweeper expires open break-glass sessions that nobody touched after
// their deadline. Reads already apply expiry lazily; the sweep makes the
// stored state and the audit trail catch up.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"gatekeeper/internal/breakglass/metrics"
)

const defaultInterval = 30 * time.Second

// Expirer is implemented by the coordinator.
type Expirer interface {
	Sweep(ctx context.Context) (int, error)
}

type Option func(*Worker)

func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

func WithInterval(interval time.Duration) Option {
	return func(w *Worker) {
		if interval > 0 {
			w.interval = interval
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Worker) {
		w.metrics = m
	}
}

type Worker struct {
	expirer  Expirer
	logger   *slog.Logger
	interval time.Duration
	metrics  *metrics.Metrics
}

func New(expirer Expirer, opts ...Option) *Worker {
	w := &Worker{
		expirer:  expirer,
		logger:   slog.Default(),
		interval: defaultInterval,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start sweeps on every tick until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := w.RunOnce(ctx)
			if err != nil {
				w.logger.Error("break_glass_sweep_failed", "error", err)
				continue
			}
			if n > 0 {
				w.logger.Info("break_glass_sweep_completed", "expired", n)
			}
		case <-ctx.Done():
			w.logger.Info("break-glass sweeper stopping", "reason", ctx.Err())
			return ctx.Err()
		}
	}
}

func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	n, err := w.expirer.Sweep(ctx)
	if w.metrics != nil {
		if err != nil {
			w.metrics.IncSweepRun("error")
		} else {
			w.metrics.IncSweepRun("success")
			w.metrics.AddSwept(n)
		}
	}
	return n, err
}
