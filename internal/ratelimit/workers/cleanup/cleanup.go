package cleanup

import (
	"context"
	"log/slog"
	"time"

	"gatekeeper/internal/ratelimit/metrics"
	"gatekeeper/internal/ratelimit/ports"
)

// Result contains the outcome of a cleanup run.
type Result struct {
	Removed  int
	Duration time.Duration
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithInterval(interval time.Duration) Option {
	return func(s *Service) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// Service periodically removes expired counters from stores without native TTL.
type Service struct {
	store    ports.Sweeper
	logger   *slog.Logger
	interval time.Duration
	metrics  *metrics.Metrics
}

func New(store ports.Sweeper, opts ...Option) *Service {
	service := &Service{
		store:    store,
		logger:   slog.Default(),
		interval: time.Minute,
	}
	for _, opt := range opts {
		opt(service)
	}
	return service
}

// Start runs the cleanup loop until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			res, err := s.RunOnce(ctx)
			if err != nil {
				s.logger.Error("rate_limit_cleanup_failed", "error", err)
				if s.metrics != nil {
					s.metrics.IncrementCleanupRuns("error")
				}
				continue
			}
			s.logger.Debug("rate_limit_cleanup_completed",
				"removed", res.Removed,
				"duration_ms", res.Duration.Milliseconds(),
			)
			if s.metrics != nil {
				s.metrics.IncrementCleanupRemoved(res.Removed)
				s.metrics.IncrementCleanupRuns("success")
				s.metrics.ObserveCleanupDuration(res.Duration)
			}
		case <-ctx.Done():
			s.logger.Info("rate limit cleanup worker stopping", "reason", ctx.Err())
			return ctx.Err()
		}
	}
}

// RunOnce executes a single sweep. Logging is handled by the caller (Start).
func (s *Service) RunOnce(ctx context.Context) (*Result, error) {
	start := time.Now()
	removed, err := s.store.Sweep(ctx)
	if err != nil {
		return nil, err
	}
	return &Result{Removed: removed, Duration: time.Since(start)}, nil
}
