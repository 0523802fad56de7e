// Package ports defines the collaborators of the audit logger.
package ports

import (
	"context"

	"gatekeeper/internal/audit/models"
)

//go:generate mockgen -source=ports.go -destination=../mocks/mocks.go -package=mocks

// Store is the append-only persistent sink.
type Store interface {
	// Append persists a signed event. Appending an id that already exists is a no-op.
	Append(ctx context.Context, event models.Event) error
	// Query returns matching events ordered by timestamp then sequence.
	Query(ctx context.Context, q models.Query) ([]models.Event, error)
}

// Fallback receives events the sink could not take.
type Fallback interface {
	Write(ctx context.Context, event models.Event) error
}

// Mirror republishes persisted events. Best effort.
type Mirror interface {
	Publish(ctx context.Context, event models.Event) error
}
