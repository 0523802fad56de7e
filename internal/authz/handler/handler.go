// Package handler exposes the authorization decision as an API for callers
// that enforce it themselves, such as an upstream proxy.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"gatekeeper/internal/authz/middleware"
	"gatekeeper/internal/authz/models"
	"gatekeeper/internal/session"
	"gatekeeper/pkg/platform/httputil"
	"gatekeeper/pkg/requestcontext"
)

type Decider interface {
	Decide(ctx context.Context, q middleware.Question) (models.Decision, *session.Context)
}

// CheckRequest names the request being authorized. The credential travels
// in the Authorization header and the break-glass token in its own header.
type CheckRequest struct {
	Method   string `json:"method" validate:"required,oneof=GET HEAD POST PUT PATCH DELETE OPTIONS"`
	Path     string `json:"path" validate:"required,startswith=/,max=2048"`
	ClientIP string `json:"client_ip,omitempty" validate:"omitempty,ip"`
}

func (r *CheckRequest) Normalize() {
	r.Method = strings.ToUpper(strings.TrimSpace(r.Method))
	r.Path = strings.TrimSpace(r.Path)
	r.ClientIP = strings.TrimSpace(r.ClientIP)
}

// CheckResponse never carries the detailed category.
type CheckResponse struct {
	Allowed bool   `json:"allowed"`
	Status  int    `json:"status"`
	Reason  string `json:"reason"`
}

type Handler struct {
	decider Decider
	logger  *slog.Logger
}

func New(decider Decider, logger *slog.Logger) *Handler {
	return &Handler{decider: decider, logger: logger}
}

func (h *Handler) Register(r chi.Router) {
	r.Post("/v1/authz/check", h.HandleCheck)
}

// HandleCheck implements POST /v1/authz/check.
//
// Input: { "method": "DELETE", "path": "/v1/admin/orgs/42", "client_ip": "203.0.113.9" }
// Output: 200 { "allowed": false, "status": 403, "reason": "access denied" }
func (h *Handler) HandleCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[CheckRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	clientIP := req.ClientIP
	if clientIP == "" {
		clientIP = requestcontext.ClientIP(ctx)
	}

	d, _ := h.decider.Decide(ctx, middleware.Question{
		Method:          req.Method,
		Path:            req.Path,
		Credential:      session.BearerToken(r.Header.Get("Authorization")),
		BreakGlassToken: r.Header.Get(middleware.HeaderBreakGlassToken),
		ClientIP:        clientIP,
	})

	middleware.WriteRateLimitHeaders(w, d)
	httputil.WriteJSON(w, http.StatusOK, CheckResponse{
		Allowed: d.Allowed,
		Status:  d.Status,
		Reason:  d.Reason,
	})
}
