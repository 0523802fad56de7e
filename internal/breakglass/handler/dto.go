package handler

import (
	"strings"
	"time"

	"gatekeeper/internal/breakglass/models"
)

// CreateRequest opens a break-glass session naming its approver.
type CreateRequest struct {
	ApproverID string `json:"approver_id" validate:"required,max=128"`
	Reason     string `json:"reason" validate:"required,min=20,max=1000"`
	DurationMS int64  `json:"duration_ms" validate:"required,min=300000,max=3600000"`
}

func (r *CreateRequest) Normalize() {
	r.ApproverID = strings.TrimSpace(r.ApproverID)
	r.Reason = strings.TrimSpace(r.Reason)
}

func (r *CreateRequest) Duration() time.Duration {
	return time.Duration(r.DurationMS) * time.Millisecond
}

// TokenRequest carries the token for approve and deny.
type TokenRequest struct {
	Token string `json:"token" validate:"required,max=128"`
}

func (r *TokenRequest) Normalize() {
	r.Token = strings.TrimSpace(r.Token)
}

// SessionResponse is the public view of a session. It never includes the token.
type SessionResponse struct {
	ID          string    `json:"id"`
	RequesterID string    `json:"requester_id"`
	ApproverID  string    `json:"approver_id"`
	Reason      string    `json:"reason"`
	State       string    `json:"state"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// CreateResponse is returned once, to the requester.
type CreateResponse struct {
	SessionResponse
	Token string `json:"token"`
}

func toResponse(s *models.Session) SessionResponse {
	return SessionResponse{
		ID:          s.ID,
		RequesterID: s.RequesterID,
		ApproverID:  s.ApproverID,
		Reason:      s.Reason,
		State:       string(s.State),
		CreatedAt:   s.CreatedAt,
		ExpiresAt:   s.ExpiresAt,
	}
}
