// Package middleware holds HTTP helpers for surfacing rate limit state.
package middleware

import (
	"net/http"
	"strconv"

	"gatekeeper/internal/ratelimit/models"
)

// AddRateLimitHeaders sets X-RateLimit-Limit, X-RateLimit-Remaining and
// X-RateLimit-Reset (unix seconds). A nil result is a no-op.
func AddRateLimitHeaders(w http.ResponseWriter, result *models.RateLimitResult) {
	if result == nil || result.Limit == 0 {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
}

// AddRetryAfter sets Retry-After for a denied result.
func AddRetryAfter(w http.ResponseWriter, result *models.RateLimitResult) {
	if result == nil || result.Allowed {
		return
	}
	retry := result.RetryAfter
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))
}
