package flusher

import (
	"context"
	"log/slog"
	"time"
)

// Flusher is satisfied by the audit logger.
type Flusher interface {
	Flush(ctx context.Context) (int, error)
	Pending() int
}

type Option func(*Worker)

func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

func WithInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.interval = d
		}
	}
}

// Worker retries buffered audit events on a fixed interval.
type Worker struct {
	flusher  Flusher
	logger   *slog.Logger
	interval time.Duration
}

func New(f Flusher, opts ...Option) *Worker {
	w := &Worker{
		flusher:  f,
		logger:   slog.Default(),
		interval: time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start runs until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.RunOnce(ctx)
		case <-ctx.Done():
			w.logger.Info("audit flusher stopping", "reason", ctx.Err(), "pending", w.flusher.Pending())
			return ctx.Err()
		}
	}
}

// RunOnce flushes whatever is buffered, if anything.
func (w *Worker) RunOnce(ctx context.Context) int {
	if w.flusher.Pending() == 0 {
		return 0
	}
	n, err := w.flusher.Flush(ctx)
	if err != nil {
		w.logger.Warn("audit_flush_incomplete", "flushed", n, "pending", w.flusher.Pending(), "error", err)
		return n
	}
	if n > 0 {
		w.logger.Info("audit_flush_completed", "flushed", n)
	}
	return n
}
