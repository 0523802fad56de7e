package middleware

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"gatekeeper/internal/ratelimit/models"
)

func TestAddRateLimitHeaders(t *testing.T) {
	t.Run("sets limit remaining and reset", func(t *testing.T) {
		w := httptest.NewRecorder()
		reset := time.Unix(1_700_000_000, 0)
		AddRateLimitHeaders(w, &models.RateLimitResult{Allowed: true, Limit: 100, Remaining: 7, ResetAt: reset})

		assert.Equal(t, "100", w.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, "7", w.Header().Get("X-RateLimit-Remaining"))
		assert.Equal(t, "1700000000", w.Header().Get("X-RateLimit-Reset"))
	})

	t.Run("nil result writes nothing", func(t *testing.T) {
		w := httptest.NewRecorder()
		AddRateLimitHeaders(w, nil)
		assert.Empty(t, w.Header())
	})
}

func TestAddRetryAfter(t *testing.T) {
	t.Run("denied result sets retry after", func(t *testing.T) {
		w := httptest.NewRecorder()
		AddRetryAfter(w, &models.RateLimitResult{Allowed: false, RetryAfter: 12})
		assert.Equal(t, "12", w.Header().Get("Retry-After"))
	})

	t.Run("retry after never below one second", func(t *testing.T) {
		w := httptest.NewRecorder()
		AddRetryAfter(w, &models.RateLimitResult{Allowed: false})
		assert.Equal(t, "1", w.Header().Get("Retry-After"))
	})

	t.Run("allowed result writes nothing", func(t *testing.T) {
		w := httptest.NewRecorder()
		AddRetryAfter(w, &models.RateLimitResult{Allowed: true, RetryAfter: 5})
		assert.Empty(t, w.Header().Get("Retry-After"))
	})
}
