// Package models defines the signed audit record.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Severity ranks audit records for review.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

func (s Severity) IsValid() bool {
	return s.rank() > 0
}

func (s Severity) rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 0
	}
}

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.rank() >= other.rank()
}

// ParseSeverity rejects unknown labels.
func ParseSeverity(v string) (Severity, error) {
	s := Severity(v)
	if !s.IsValid() {
		return "", fmt.Errorf("unknown severity %q", v)
	}
	return s, nil
}

// Decision values recorded on authorization events.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// Event is an immutable audit record. Signature covers every other field.
type Event struct {
	ID        string            `json:"id"`
	Sequence  uint64            `json:"sequence"`
	Timestamp time.Time         `json:"timestamp"`
	ActorID   string            `json:"actor_id"`
	Action    string            `json:"action"`
	Resource  string            `json:"resource"`
	Severity  Severity          `json:"severity"`
	Category  string            `json:"category,omitempty"`
	Decision  string            `json:"decision,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
	KeyID     string            `json:"key_id"`
	Signature string            `json:"signature"`
}

// ErrRejected marks an append the sink refused because of the event's
// content. Retrying the same event cannot succeed.
var ErrRejected = errors.New("audit event rejected by sink")

// CleanText replaces invalid UTF-8 with U+FFFD and strips NUL, which text
// columns refuse.
func CleanText(s string) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	return strings.ReplaceAll(s, "\x00", "")
}

// Cleaned returns a copy of e whose text fields are safe for every sink.
// Details is copied, never modified in place.
func (e Event) Cleaned() Event {
	e.ActorID = CleanText(e.ActorID)
	e.Action = CleanText(e.Action)
	e.Resource = CleanText(e.Resource)
	e.Category = CleanText(e.Category)
	e.Decision = CleanText(e.Decision)
	e.RequestID = CleanText(e.RequestID)
	if e.Details != nil {
		details := make(map[string]string, len(e.Details))
		for k, v := range e.Details {
			details[CleanText(k)] = CleanText(v)
		}
		e.Details = details
	}
	return e
}

// Query selects events for post-incident review. Zero values are unbounded.
type Query struct {
	ActorID  string
	Resource string
	From     time.Time
	To       time.Time
	Limit    int
}

const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
)

// Normalized clamps Limit into [1, MaxQueryLimit].
func (q Query) Normalized() Query {
	switch {
	case q.Limit <= 0:
		q.Limit = DefaultQueryLimit
	case q.Limit > MaxQueryLimit:
		q.Limit = MaxQueryLimit
	}
	return q
}

// Matches reports whether e falls inside the query filters. From is
// inclusive, To exclusive.
func (q Query) Matches(e Event) bool {
	if q.ActorID != "" && e.ActorID != q.ActorID {
		return false
	}
	if q.Resource != "" && e.Resource != q.Resource {
		return false
	}
	if !q.From.IsZero() && e.Timestamp.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && !e.Timestamp.Before(q.To) {
		return false
	}
	return true
}
