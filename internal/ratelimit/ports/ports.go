// Package ports defines the storage interfaces of the ratelimit module.
package ports

import (
	"context"
	"time"

	"gatekeeper/internal/ratelimit/models"
)

//go:generate mockgen -source=ports.go -destination=../mocks/mocks.go -package=mocks

// BucketStore holds counters shared by every service instance.
type BucketStore interface {
	// Allow atomically counts one request against key and reports whether the
	// post-increment count is within limit for the current window.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (*models.RateLimitResult, error)

	// Reset clears the counter for a key.
	Reset(ctx context.Context, key string) error

	// GetCurrentCount returns the count in the current window.
	GetCurrentCount(ctx context.Context, key string) (int, error)
}

// Sweeper removes expired counters for stores that do not expire keys natively.
type Sweeper interface {
	Sweep(ctx context.Context) (removed int, err error)
}
