package testutil

import (
	"time"

	"github.com/google/uuid"

	"gatekeeper/internal/policy"
	"gatekeeper/internal/session"
)

// FixedNow is the reference instant used by fixtures.
var FixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// SessionBuilder provides a fluent interface for building session contexts.
type SessionBuilder struct {
	sess *session.Context
}

// NewSessionBuilder returns a valid org_member session without MFA that was
// issued five minutes before FixedNow and expires an hour after it.
func NewSessionBuilder() *SessionBuilder {
	return &SessionBuilder{
		sess: &session.Context{
			SubjectID: "user-" + uuid.NewString()[:8],
			SessionID: uuid.NewString(),
			Role:      policy.RoleOrgMember,
			IssuedAt:  FixedNow.Add(-5 * time.Minute),
			ExpiresAt: FixedNow.Add(time.Hour),
			IP:        "192.0.2.10",
		},
	}
}

func (b *SessionBuilder) WithSubject(subjectID string) *SessionBuilder {
	b.sess.SubjectID = subjectID
	return b
}

func (b *SessionBuilder) WithRole(role policy.Role) *SessionBuilder {
	b.sess.Role = role
	return b
}

func (b *SessionBuilder) WithMFA() *SessionBuilder {
	b.sess.MFAVerified = true
	return b
}

func (b *SessionBuilder) WithTier(tier policy.Tier) *SessionBuilder {
	b.sess.Tier = tier
	return b
}

func (b *SessionBuilder) Expired() *SessionBuilder {
	b.sess.IssuedAt = FixedNow.Add(-2 * time.Hour)
	b.sess.ExpiresAt = FixedNow.Add(-time.Hour)
	return b
}

func (b *SessionBuilder) Build() *session.Context {
	out := *b.sess
	return &out
}
