package session

import (
	"time"

	"gatekeeper/internal/policy"
)

// Context is the validated view of the caller for one request. It is only
// ever built from a verified provider token.
type Context struct {
	SubjectID   string
	SessionID   string
	Role        policy.Role
	MFAVerified bool
	Tier        policy.Tier
	IssuedAt    time.Time
	ExpiresAt   time.Time
	IP          string
}

// Valid reports whether the session is usable at now: IssuedAt <= now < ExpiresAt.
func (c *Context) Valid(now time.Time) bool {
	if c == nil || c.SubjectID == "" || !c.Role.IsValid() {
		return false
	}
	return !now.Before(c.IssuedAt) && now.Before(c.ExpiresAt)
}
