// Package models defines the break-glass session and its state machine.
package models

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"
)

// State is the lifecycle position of a break-glass session.
type State string

const (
	StateRequested State = "requested"
	StateApproved  State = "approved"
	StateUsed      State = "used"
	StateDenied    State = "denied"
	StateExpired   State = "expired"
)

func (s State) IsValid() bool {
	switch s {
	case StateRequested, StateApproved, StateUsed, StateDenied, StateExpired:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition can leave s.
func (s State) IsTerminal() bool {
	return s == StateUsed || s == StateDenied || s == StateExpired
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to State) bool {
	switch from {
	case StateRequested:
		return to == StateApproved || to == StateDenied || to == StateExpired
	case StateApproved:
		return to == StateUsed || to == StateExpired
	}
	return false
}

// RequiresLive reports whether from -> to may only happen before the
// session's expiry. Everything but expiry itself does.
func RequiresLive(from, to State) bool {
	return !from.IsTerminal() && to != StateExpired
}

const (
	MinReasonLength = 20
	MinDuration     = 5 * time.Minute
	MaxDuration     = 60 * time.Minute

	tokenBytes = 32
)

// Session is a dual-control emergency elevation. Only the hash of its token
// is ever stored.
type Session struct {
	ID          string
	TokenHash   string
	RequesterID string
	ApproverID  string
	Reason      string
	State       State
	CreatedAt   time.Time
	ExpiresAt   time.Time
	UpdatedAt   time.Time
}

// IsExpired reports whether now is at or past the expiry.
func (s *Session) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// EffectiveState is the state a reader must act on: open sessions past their
// expiry are expired even if the store has not caught up yet.
func (s *Session) EffectiveState(now time.Time) State {
	if !s.State.IsTerminal() && s.IsExpired(now) {
		return StateExpired
	}
	return s.State
}

// NewToken returns an unguessable bearer token and its storage hash.
func NewToken() (token, hash string, err error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generate break-glass token: %w", err)
	}
	token = base64.RawURLEncoding.EncodeToString(b)
	return token, HashToken(token), nil
}

// HashToken is the lookup key a store indexes tokens by.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Notification is what the approver receives for a new request.
type Notification struct {
	SessionID   string    `json:"session_id"`
	RequesterID string    `json:"requester_id"`
	ApproverID  string    `json:"approver_id"`
	Reason      string    `json:"reason"`
	Token       string    `json:"token"`
	ExpiresAt   time.Time `json:"expires_at"`
}
