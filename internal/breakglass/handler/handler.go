// Package handler exposes the break-glass workflow over HTTP. Routes sit
// behind the authorization middleware, which places the caller's session on
// the request context.
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"gatekeeper/internal/breakglass/models"
	"gatekeeper/internal/breakglass/service"
	"gatekeeper/internal/session"
	dErrors "gatekeeper/pkg/domain-errors"
	"gatekeeper/pkg/platform/httputil"
	"gatekeeper/pkg/requestcontext"
)

// Coordinator is the workflow the handler drives.
type Coordinator interface {
	Request(ctx context.Context, requester *session.Context, in service.RequestInput) (*service.Requested, error)
	Approve(ctx context.Context, approver *session.Context, token string) (*models.Session, error)
	Deny(ctx context.Context, approver *session.Context, token string) (*models.Session, error)
	Get(ctx context.Context, viewer *session.Context, id string) (*models.Session, error)
}

type Handler struct {
	coord  Coordinator
	logger *slog.Logger
}

func New(coord Coordinator, logger *slog.Logger) *Handler {
	return &Handler{coord: coord, logger: logger}
}

func (h *Handler) Register(r chi.Router) {
	r.Post("/v1/break-glass/requests", h.HandleRequest)
	r.Get("/v1/break-glass/requests/{id}", h.HandleGet)
	r.Post("/v1/break-glass/approve", h.HandleApprove)
	r.Post("/v1/break-glass/deny", h.HandleDeny)
}

// HandleRequest implements POST /v1/break-glass/requests.
//
// Input: { "approver_id": "...", "reason": "...", "duration_ms": 1800000 }
// Output: 201 with the session and its one-time token.
func (h *Handler) HandleRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	req, ok := httputil.DecodeAndPrepare[CreateRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	res, err := h.coord.Request(ctx, caller, service.RequestInput{
		ApproverID: req.ApproverID,
		Reason:     req.Reason,
		Duration:   req.Duration(),
	})
	if err != nil {
		h.logger.WarnContext(ctx, "break-glass request rejected",
			"request_id", requestID,
			"subject_id", caller.SubjectID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "break-glass requested",
		"request_id", requestID,
		"subject_id", caller.SubjectID,
		"session_id", res.Session.ID,
	)
	httputil.WriteJSON(w, http.StatusCreated, CreateResponse{
		SessionResponse: toResponse(res.Session),
		Token:           res.Token,
	})
}

// HandleApprove implements POST /v1/break-glass/approve.
func (h *Handler) HandleApprove(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, "approve", h.coord.Approve)
}

// HandleDeny implements POST /v1/break-glass/deny.
func (h *Handler) HandleDeny(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, "deny", h.coord.Deny)
}

type decision func(ctx context.Context, approver *session.Context, token string) (*models.Session, error)

func (h *Handler) decide(w http.ResponseWriter, r *http.Request, op string, fn decision) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	req, ok := httputil.DecodeAndPrepare[TokenRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	sess, err := fn(ctx, caller, req.Token)
	if err != nil {
		h.logger.WarnContext(ctx, "break-glass "+op+" rejected",
			"request_id", requestID,
			"subject_id", caller.SubjectID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toResponse(sess))
}

// HandleGet implements GET /v1/break-glass/requests/{id}.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	sess, err := h.coord.Get(ctx, caller, chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toResponse(sess))
}

func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (*session.Context, bool) {
	caller := session.FromContext(r.Context())
	if caller == nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "authentication required"))
		return nil, false
	}
	return caller, true
}
