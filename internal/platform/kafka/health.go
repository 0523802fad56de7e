package kafka

import (
	"context"
	"errors"
)

// Pinger is satisfied by *producer.Producer.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker reports broker reachability for the readiness probe.
type HealthChecker struct {
	pinger Pinger
}

func NewHealthChecker(p Pinger) *HealthChecker {
	return &HealthChecker{pinger: p}
}

// Check returns nil when at least one broker answers.
func (h *HealthChecker) Check(ctx context.Context) error {
	if h.pinger == nil {
		return errors.New("kafka not configured")
	}
	return h.pinger.Ping(ctx)
}

func (h *HealthChecker) Name() string {
	return "kafka"
}
