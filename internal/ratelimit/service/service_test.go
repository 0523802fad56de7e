package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"gatekeeper/internal/ratelimit/config"
	"gatekeeper/internal/ratelimit/mocks"
	"gatekeeper/internal/ratelimit/models"
	dErrors "gatekeeper/pkg/domain-errors"
)

// =============================================================================
// Rate Limit Service Test Suite
// =============================================================================
// Justification for unit tests: the service owns default-deny for unknown
// classes, the store timeout, and the mapping of store failures to an
// unavailable error. Counting itself is covered by the bucket store tests.

type ServiceSuite struct {
	suite.Suite
	ctrl        *gomock.Controller
	mockBuckets *mocks.MockBucketStore
	service     *Service
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.mockBuckets = mocks.NewMockBucketStore(s.ctrl)
	svc, err := New(s.mockBuckets,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	s.Require().NoError(err)
	s.service = svc
}

func (s *ServiceSuite) TearDownTest() {
	s.ctrl.Finish()
}

func (s *ServiceSuite) TestNewRequiresStore() {
	_, err := New(nil)
	s.Error(err)
}

func (s *ServiceSuite) TestAllowedUsesClassLimit() {
	key := models.KeyFor(models.ClassAuthenticated, "user-1", "10.0.0.1")
	s.mockBuckets.EXPECT().
		Allow(gomock.Any(), key.String(), 100, time.Minute).
		Return(&models.RateLimitResult{Allowed: true, Limit: 100, Remaining: 99}, nil)

	result, err := s.service.TryConsume(context.Background(), key)
	s.Require().NoError(err)
	s.True(result.Allowed)
	s.Equal(99, result.Remaining)
}

func (s *ServiceSuite) TestDeniedResultPassedThrough() {
	key := models.KeyFor(models.ClassSensitive, "user-1", "")
	s.mockBuckets.EXPECT().
		Allow(gomock.Any(), key.String(), 10, time.Minute).
		Return(&models.RateLimitResult{Allowed: false, Limit: 10, RetryAfter: 42}, nil)

	result, err := s.service.TryConsume(context.Background(), key)
	s.Require().NoError(err)
	s.False(result.Allowed)
	s.Equal(42, result.RetryAfter)
}

func (s *ServiceSuite) TestMissingClassConfigDenies() {
	cfg := config.DefaultConfig()
	delete(cfg.Limits, models.ClassAdmin)
	svc, err := New(s.mockBuckets, WithConfig(cfg), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	s.Require().NoError(err)

	result, err := svc.TryConsume(context.Background(), models.KeyFor(models.ClassAdmin, "admin-1", ""))
	s.Require().NoError(err)
	s.False(result.Allowed)
	s.Positive(result.RetryAfter)
}

func (s *ServiceSuite) TestStoreErrorIsUnavailable() {
	s.mockBuckets.EXPECT().
		Allow(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil, errors.New("connection refused"))

	_, err := s.service.TryConsume(context.Background(), models.KeyFor(models.ClassPublic, "", "10.0.0.1"))
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeUnavailable))
}

func (s *ServiceSuite) TestStoreCallBoundedByTimeout() {
	cfg := config.DefaultConfig()
	cfg.StoreTimeout = 20 * time.Millisecond
	svc, err := New(s.mockBuckets, WithConfig(cfg), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	s.Require().NoError(err)

	s.mockBuckets.EXPECT().
		Allow(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ string, _ int, _ time.Duration) (*models.RateLimitResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})

	start := time.Now()
	_, err = svc.TryConsume(context.Background(), models.KeyFor(models.ClassAuthenticated, "user-1", ""))
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeUnavailable))
	s.Less(time.Since(start), time.Second)
}
