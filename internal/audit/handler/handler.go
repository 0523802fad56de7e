// Package handler serves audit events for post-incident review.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"gatekeeper/internal/audit/models"
	dErrors "gatekeeper/pkg/domain-errors"
	"gatekeeper/pkg/platform/httputil"
	"gatekeeper/pkg/requestcontext"
)

type Reviewer interface {
	Query(ctx context.Context, q models.Query) ([]models.Event, error)
	Verify(e models.Event) error
}

type Handler struct {
	reviewer Reviewer
	logger   *slog.Logger
}

func New(reviewer Reviewer, logger *slog.Logger) *Handler {
	return &Handler{reviewer: reviewer, logger: logger}
}

func (h *Handler) Register(r chi.Router) {
	r.Get("/v1/admin/audit/events", h.HandleListEvents)
}

type EventResponse struct {
	models.Event
	SignatureValid bool `json:"signature_valid"`
}

type ListResponse struct {
	Events []EventResponse `json:"events"`
	Count  int             `json:"count"`
}

// HandleListEvents implements GET /v1/admin/audit/events.
//
// Query: actor_id, resource, from, to (RFC 3339), limit (1..1000).
// Each event is returned with the result of verifying its signature.
func (h *Handler) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	q, err := parseQuery(r.URL.Query())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	events, err := h.reviewer.Query(ctx, q)
	if err != nil {
		h.logger.ErrorContext(ctx, "audit query failed",
			"request_id", requestID,
			"error", err,
		)
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeUnavailable, "audit store unavailable"))
		return
	}

	out := make([]EventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, EventResponse{Event: e, SignatureValid: h.reviewer.Verify(e) == nil})
	}
	httputil.WriteJSON(w, http.StatusOK, ListResponse{Events: out, Count: len(out)})
}

func parseQuery(v url.Values) (models.Query, error) {
	q := models.Query{
		ActorID:  v.Get("actor_id"),
		Resource: v.Get("resource"),
	}
	var err error
	if q.From, err = parseTime(v.Get("from"), "from"); err != nil {
		return q, err
	}
	if q.To, err = parseTime(v.Get("to"), "to"); err != nil {
		return q, err
	}
	if !q.From.IsZero() && !q.To.IsZero() && !q.From.Before(q.To) {
		return q, dErrors.New(dErrors.CodeValidation, "from must be before to")
	}
	if raw := v.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > models.MaxQueryLimit {
			return q, dErrors.New(dErrors.CodeValidation, "limit must be between 1 and 1000")
		}
		q.Limit = n
	}
	return q.Normalized(), nil
}

func parseTime(raw, field string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, dErrors.New(dErrors.CodeValidation, field+" must be an RFC 3339 timestamp")
	}
	return t.UTC(), nil
}
