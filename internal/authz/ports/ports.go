// Package ports defines the collaborators of the authorization evaluator.
package ports

import (
	"context"

	auditmodels "gatekeeper/internal/audit/models"
	bgmodels "gatekeeper/internal/breakglass/models"
	rlmodels "gatekeeper/internal/ratelimit/models"
	"gatekeeper/internal/session"
)

//go:generate mockgen -source=ports.go -destination=../mocks/mocks.go -package=mocks

// RateLimiter counts one request against key. An error means the counter
// store could not answer.
type RateLimiter interface {
	TryConsume(ctx context.Context, key rlmodels.RateLimitKey) (*rlmodels.RateLimitResult, error)
}

// BreakGlass spends an approved break-glass token.
type BreakGlass interface {
	Consume(ctx context.Context, token string, using *session.Context) (*bgmodels.Session, error)
}

// Auditor records decisions.
type Auditor interface {
	Emit(ctx context.Context, e auditmodels.Event) (auditmodels.Event, error)
}
