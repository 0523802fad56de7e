package models

import (
	"time"

	dErrors "gatekeeper/pkg/domain-errors"
)

// Class is the rate-limit class a route policy assigns to its requests.
type Class string

const (
	// ClassPublic: unauthenticated or low-trust surfaces, keyed by client IP (30 req/min).
	ClassPublic Class = "public"
	// ClassAuthenticated: ordinary authenticated traffic, keyed by subject (100 req/min).
	ClassAuthenticated Class = "authenticated"
	// ClassAdmin: administrative operations, keyed by subject (200 req/min).
	ClassAdmin Class = "admin"
	// ClassSensitive: break-glass workflow and policy management, keyed by subject (10 req/min).
	ClassSensitive Class = "sensitive"
)

func (c Class) IsValid() bool {
	switch c {
	case ClassPublic, ClassAuthenticated, ClassAdmin, ClassSensitive:
		return true
	}
	return false
}

func (c Class) String() string {
	return string(c)
}

// KeyedByIP reports whether requests in this class are counted per client IP
// rather than per subject.
func (c Class) KeyedByIP() bool {
	return c == ClassPublic
}

// ParseClass validates a class name from configuration or a policy file.
func ParseClass(s string) (Class, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "rate limit class cannot be empty")
	}
	c := Class(s)
	if !c.IsValid() {
		return "", dErrors.New(dErrors.CodeInvalidInput, "unknown rate limit class: "+s)
	}
	return c, nil
}

// Limit is the configured allowance for one class.
type Limit struct {
	RequestsPerWindow int
	Window            time.Duration
}

type RateLimitResult struct {
	Allowed    bool      `json:"allowed"`
	Limit      int       `json:"limit"`
	Remaining  int       `json:"remaining"`
	ResetAt    time.Time `json:"reset_at"`
	RetryAfter int       `json:"retry_after,omitempty"` // seconds, only set when not allowed
}
