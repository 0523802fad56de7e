// Package handler exposes the policy reload operation to operators.
package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	dErrors "gatekeeper/pkg/domain-errors"
	"gatekeeper/pkg/platform/httputil"
	"gatekeeper/pkg/platform/middleware/admin"
	"gatekeeper/pkg/requestcontext"
)

type Reloader interface {
	Reload() (int, error)
}

type ReloadResponse struct {
	Policies int `json:"policies"`
}

type Handler struct {
	reloader Reloader
	logger   *slog.Logger
}

func New(reloader Reloader, logger *slog.Logger) *Handler {
	return &Handler{reloader: reloader, logger: logger}
}

func (h *Handler) Register(r chi.Router) {
	r.Post("/v1/admin/policies/reload", h.HandleReload)
}

// HandleReload implements POST /v1/admin/policies/reload. A rejected policy
// document answers 400 and the previous policies stay in force.
func (h *Handler) HandleReload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	n, err := h.reloader.Reload()
	if err != nil {
		h.logger.ErrorContext(ctx, "policy reload rejected",
			"request_id", requestID,
			"actor_id", admin.ActorID(ctx),
			"error", err,
		)
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeValidation, "policy document rejected; previous policies remain in force"))
		return
	}

	h.logger.InfoContext(ctx, "policies reloaded",
		"request_id", requestID,
		"actor_id", admin.ActorID(ctx),
		"policies", n,
	)
	httputil.WriteJSON(w, http.StatusOK, ReloadResponse{Policies: n})
}
