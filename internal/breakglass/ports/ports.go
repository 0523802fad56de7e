// Package ports defines the collaborators of the break-glass coordinator.
package ports

import (
	"context"
	"time"

	auditmodels "gatekeeper/internal/audit/models"
	"gatekeeper/internal/breakglass/models"
)

//go:generate mockgen -source=ports.go -destination=../mocks/mocks.go -package=mocks

// Store persists sessions. Implementations must make CompareAndSwap atomic
// across every process sharing the store.
type Store interface {
	// Create inserts a new session. A duplicate id or token hash is sentinel.ErrConflict.
	Create(ctx context.Context, s *models.Session) error
	FindByID(ctx context.Context, id string) (*models.Session, error)
	FindByTokenHash(ctx context.Context, hash string) (*models.Session, error)
	// CompareAndSwap sets the state to `to` only if it currently is `from`.
	// When models.RequiresLive(from, to), `at` must also be before the
	// expiry, checked in the same atomic step. It returns
	// sentinel.ErrConflict when the state differs, sentinel.ErrExpired when
	// the session expired, and sentinel.ErrNotFound when it does not exist.
	CompareAndSwap(ctx context.Context, id string, from, to models.State, at time.Time) error
	// ExpireOpen moves every requested or approved session whose expiry is at
	// or before now into expired and returns their ids.
	ExpireOpen(ctx context.Context, now time.Time) ([]string, error)
}

// Notifier delivers a new request to its approver. Best effort.
type Notifier interface {
	NotifyApprover(ctx context.Context, n models.Notification) error
}

// Auditor records state transitions.
type Auditor interface {
	Emit(ctx context.Context, e auditmodels.Event) (auditmodels.Event, error)
}
