// Package middleware enforces authorization decisions on HTTP routes.
package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"gatekeeper/internal/authz/models"
	"gatekeeper/internal/policy"
	rlmiddleware "gatekeeper/internal/ratelimit/middleware"
	"gatekeeper/internal/session"
	"gatekeeper/pkg/platform/httputil"
	"gatekeeper/pkg/requestcontext"
)

// HeaderBreakGlassToken carries an approved break-glass token.
const HeaderBreakGlassToken = "X-Break-Glass-Token"

type Evaluator interface {
	Evaluate(ctx context.Context, req models.Request) models.Decision
}

type PolicyLookup interface {
	Lookup(method, path string) policy.RoutePolicy
}

type SessionResolver interface {
	Resolve(ctx context.Context, credential string) (*session.Context, error)
}

// Question is one authorization question in transport terms.
type Question struct {
	Method          string
	Path            string
	Credential      string
	BreakGlassToken string
	ClientIP        string
}

// Authorizer resolves the credential, looks up the route policy and asks the
// evaluator. It is shared by the middleware and the check endpoint.
type Authorizer struct {
	eval     Evaluator
	policies PolicyLookup
	resolver SessionResolver
	logger   *slog.Logger
}

func NewAuthorizer(eval Evaluator, policies PolicyLookup, resolver SessionResolver, logger *slog.Logger) *Authorizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authorizer{eval: eval, policies: policies, resolver: resolver, logger: logger}
}

// Decide answers q. The resolved session is returned only on allow.
func (a *Authorizer) Decide(ctx context.Context, q Question) (models.Decision, *session.Context) {
	// A credential that does not resolve leaves sess nil; the evaluator
	// denies it as unauthenticated and audits the attempt.
	sess, _ := a.resolver.Resolve(ctx, q.Credential)
	d := a.eval.Evaluate(ctx, models.Request{
		Session:         sess,
		Policy:          a.policies.Lookup(q.Method, q.Path),
		Method:          q.Method,
		Path:            q.Path,
		BreakGlassToken: q.BreakGlassToken,
		ClientIP:        q.ClientIP,
	})
	if !d.Allowed {
		return d, nil
	}
	return d, sess
}

// Authorize guards next. Denials are written with a generic reason; allowed
// requests carry the session in their context. The break-glass header is
// removed before next runs.
func (a *Authorizer) Authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		d, sess := a.Decide(ctx, Question{
			Method:          r.Method,
			Path:            r.URL.Path,
			Credential:      session.BearerToken(r.Header.Get("Authorization")),
			BreakGlassToken: r.Header.Get(HeaderBreakGlassToken),
			ClientIP:        requestcontext.ClientIP(ctx),
		})
		r.Header.Del(HeaderBreakGlassToken)

		WriteRateLimitHeaders(w, d)
		if !d.Allowed {
			a.logger.InfoContext(ctx, "request denied",
				"request_id", requestcontext.RequestID(ctx),
				"method", r.Method,
				"status", d.Status,
			)
			WriteDenial(w, d)
			return
		}
		next.ServeHTTP(w, r.WithContext(session.WithSession(ctx, sess)))
	})
}

// WriteRateLimitHeaders sets X-RateLimit-* and, on 429, Retry-After.
func WriteRateLimitHeaders(w http.ResponseWriter, d models.Decision) {
	if d.RateLimit == nil {
		return
	}
	rlmiddleware.AddRateLimitHeaders(w, d.RateLimit)
	if d.Status == http.StatusTooManyRequests {
		rlmiddleware.AddRetryAfter(w, d.RateLimit)
	}
}

// WriteDenial writes the generic error body for a denied decision.
func WriteDenial(w http.ResponseWriter, d models.Decision) {
	if d.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="gatekeeper"`)
	}
	httputil.WriteJSON(w, d.Status, map[string]string{
		"error":             errorCode(d.Status),
		"error_description": d.Reason,
	})
}

func errorCode(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusServiceUnavailable:
		return "service_unavailable"
	default:
		return "forbidden"
	}
}
