// Package service enforces per-class request allowances.
//
//	svc, _ := service.New(bucketStore, service.WithConfig(cfg))
//	result, err := svc.TryConsume(ctx, models.KeyFor(class, subjectID, clientIP))
//	if err != nil {
//	    // counter store unavailable: deny
//	}
//	if !result.Allowed {
//	    // 429
//	}
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gatekeeper/internal/platform/privacy"
	"gatekeeper/internal/ratelimit/config"
	"gatekeeper/internal/ratelimit/metrics"
	"gatekeeper/internal/ratelimit/models"
	"gatekeeper/internal/ratelimit/ports"
	dErrors "gatekeeper/pkg/domain-errors"
	"gatekeeper/pkg/requestcontext"
)

// Service counts requests per (identity, class) in the shared bucket store.
// Safe for concurrent use.
type Service struct {
	buckets ports.BucketStore
	logger  *slog.Logger
	config  *config.Config
	metrics *metrics.Metrics
}

// Option configures a Service instance.
type Option func(*Service)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithConfig overrides the default rate limit configuration.
func WithConfig(cfg *config.Config) Option {
	return func(s *Service) {
		if cfg != nil {
			s.config = cfg
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func New(buckets ports.BucketStore, opts ...Option) (*Service, error) {
	if buckets == nil {
		return nil, errors.New("buckets store is required")
	}

	svc := &Service{
		buckets: buckets,
		config:  config.DefaultConfig(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// TryConsume counts one request against key. A class without configuration
// is denied. Store failures, including the store timeout, are returned as
// CodeUnavailable and never retried here.
func (s *Service) TryConsume(ctx context.Context, key models.RateLimitKey) (*models.RateLimitResult, error) {
	class := key.Class()
	limit, ok := s.config.LimitFor(class)
	if !ok {
		s.logger.WarnContext(ctx, "rate_limit_config_missing",
			"request_id", requestcontext.RequestID(ctx),
			"class", class,
		)
		s.observe(class, "config_missing")
		return &models.RateLimitResult{
			Allowed:    false,
			ResetAt:    requestcontext.Now(ctx).Add(time.Minute),
			RetryAfter: 60,
		}, nil
	}

	storeCtx := ctx
	if s.config.StoreTimeout > 0 {
		var cancel context.CancelFunc
		storeCtx, cancel = context.WithTimeout(ctx, s.config.StoreTimeout)
		defer cancel()
	}

	start := time.Now()
	result, err := s.buckets.Allow(storeCtx, key.String(), limit.RequestsPerWindow, limit.Window)
	if s.metrics != nil {
		s.metrics.ObserveStoreLatency(time.Since(start))
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "rate_limit_store_failed",
			"request_id", requestcontext.RequestID(ctx),
			"class", class,
			"error", err,
		)
		s.observe(class, "error")
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "rate limit store unavailable")
	}

	if !result.Allowed {
		s.logger.InfoContext(ctx, "rate_limit_exceeded",
			"request_id", requestcontext.RequestID(ctx),
			"class", class,
			"client_ip", privacy.AnonymizeIP(requestcontext.ClientIP(ctx)),
			"limit", result.Limit,
			"retry_after", result.RetryAfter,
		)
		s.observe(class, "denied")
		return result, nil
	}
	s.observe(class, "allowed")
	return result, nil
}

// Reset clears the counter behind key.
func (s *Service) Reset(ctx context.Context, key models.RateLimitKey) error {
	if err := s.buckets.Reset(ctx, key.String()); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "rate limit store unavailable")
	}
	return nil
}

func (s *Service) observe(class models.Class, outcome string) {
	if s.metrics != nil {
		s.metrics.IncrementDecision(string(class), outcome)
	}
}
