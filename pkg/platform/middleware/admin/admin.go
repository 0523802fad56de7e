// Package admin guards operator-only endpoints with a shared admin token.
package admin

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"

	"gatekeeper/pkg/platform/httputil"
	"gatekeeper/pkg/requestcontext"
)

// HeaderToken carries the shared operator token.
const HeaderToken = "X-Admin-Token"

type actorKey struct{}

// ActorID returns the operator recorded by RequireAdminToken, or "" when the
// request did not pass through it.
func ActorID(ctx context.Context) string {
	actor, _ := ctx.Value(actorKey{}).(string)
	return actor
}

// ActorFunc names the operator behind an accepted request.
type ActorFunc func(ctx context.Context) string

type guard struct {
	token  []byte
	logger *slog.Logger
	actor  ActorFunc
}

type Option func(*guard)

// WithActor sets how the operator is named once the token matches. Without
// it every accepted request is recorded as "operator".
func WithActor(fn ActorFunc) Option {
	return func(g *guard) {
		if fn != nil {
			g.actor = fn
		}
	}
}

// RequireAdminToken rejects requests whose X-Admin-Token does not match
// expectedToken. An empty expectedToken rejects everything.
func RequireAdminToken(expectedToken string, logger *slog.Logger, opts ...Option) func(http.Handler) http.Handler {
	g := &guard{
		token:  []byte(expectedToken),
		logger: logger,
		actor:  func(context.Context) string { return "operator" },
	}
	for _, opt := range opts {
		opt(g)
	}
	return g.middleware
}

func (g *guard) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if !g.accepts(r.Header.Get(HeaderToken)) {
			g.logger.WarnContext(ctx, "admin token rejected",
				"request_id", requestcontext.RequestID(ctx),
				"route", r.Method+" "+r.URL.Path,
				"configured", len(g.token) > 0,
			)
			httputil.WriteJSON(w, http.StatusUnauthorized, map[string]string{
				"error":             "unauthorized",
				"error_description": "admin token required",
			})
			return
		}

		actor := g.actor(ctx)
		if actor == "" {
			actor = "operator"
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, actorKey{}, actor)))
	})
}

func (g *guard) accepts(presented string) bool {
	if len(g.token) == 0 || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), g.token) == 1
}
