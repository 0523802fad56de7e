package bucket

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gatekeeper/internal/ratelimit/models"
	"gatekeeper/pkg/requestcontext"
)

// PostgresBucketStore keeps fixed-window counters in PostgreSQL. The upsert
// takes the row lock, so concurrent increments from any instance serialize.
type PostgresBucketStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresBucketStore {
	return &PostgresBucketStore{db: db}
}

func (s *PostgresBucketStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (*models.RateLimitResult, error) {
	if key == "" {
		return nil, fmt.Errorf("rate limit key is required")
	}
	if limit <= 0 || window <= 0 {
		return nil, fmt.Errorf("rate limit and window must be positive")
	}

	now := requestcontext.Now(ctx)
	var (
		count     int
		expiresAt time.Time
	)
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO rate_limit_counters (key, count, window_start, expires_at)
		VALUES ($1, 1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET
			count = CASE WHEN rate_limit_counters.expires_at <= $2 THEN 1 ELSE rate_limit_counters.count + 1 END,
			window_start = CASE WHEN rate_limit_counters.expires_at <= $2 THEN $2 ELSE rate_limit_counters.window_start END,
			expires_at = CASE WHEN rate_limit_counters.expires_at <= $2 THEN $3 ELSE rate_limit_counters.expires_at END
		RETURNING count, expires_at
	`, key, now, now.Add(window)).Scan(&count, &expiresAt)
	if err != nil {
		return nil, fmt.Errorf("increment rate limit counter: %w", err)
	}

	allowed := count <= limit
	remaining := 0
	if allowed {
		remaining = limit - count
	}
	return &models.RateLimitResult{
		Allowed:    allowed,
		Limit:      limit,
		Remaining:  remaining,
		ResetAt:    expiresAt,
		RetryAfter: retryAfterSeconds(allowed, expiresAt, now),
	}, nil
}

func (s *PostgresBucketStore) Reset(ctx context.Context, key string) error {
	if key == "" {
		return fmt.Errorf("rate limit key is required")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM rate_limit_counters WHERE key = $1`, key); err != nil {
		return fmt.Errorf("reset rate limit: %w", err)
	}
	return nil
}

func (s *PostgresBucketStore) GetCurrentCount(ctx context.Context, key string) (int, error) {
	if key == "" {
		return 0, fmt.Errorf("rate limit key is required")
	}
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT count FROM rate_limit_counters WHERE key = $1 AND expires_at > $2
	`, key, requestcontext.Now(ctx)).Scan(&count)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("get rate limit count: %w", err)
	}
	return count, nil
}

// Sweep deletes counters whose window has closed.
func (s *PostgresBucketStore) Sweep(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rate_limit_counters WHERE expires_at <= $1`, requestcontext.Now(ctx))
	if err != nil {
		return 0, fmt.Errorf("sweep rate limit counters: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep rate limit counters: %w", err)
	}
	return int(n), nil
}
