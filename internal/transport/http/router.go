// Package httptransport assembles the HTTP surface: ambient middleware, the
// global flood guard, and the routes guarded by the authorization middleware.
package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/unrolled/secure"

	"gatekeeper/internal/session"
	"gatekeeper/pkg/platform/httputil"
	"gatekeeper/pkg/platform/middleware/admin"
	"gatekeeper/pkg/platform/middleware/device"
	"gatekeeper/pkg/platform/middleware/metadata"
	"gatekeeper/pkg/platform/middleware/request"
	"gatekeeper/pkg/platform/middleware/requesttime"
	"gatekeeper/pkg/requestcontext"
)

const (
	defaultRequestTimeout = 30 * time.Second
	maxBodyBytes          = 64 << 10
)

// Registrar mounts a handler's routes.
type Registrar interface {
	Register(r chi.Router)
}

// Guard wraps a handler with the authorization decision.
type Guard interface {
	Authorize(next http.Handler) http.Handler
}

type Params struct {
	Logger      *slog.Logger
	Production  bool
	Metadata    *metadata.Middleware
	Metrics     *request.Metrics
	Timeout     time.Duration
	GlobalLimit int // requests per minute per client IP; 0 disables the flood guard

	Health Registrar
	Check  Registrar

	// Guarded routes run behind Guard, which places the session on the context.
	Guard      Guard
	BreakGlass Registrar
	Audit      Registrar

	// Policies additionally requires X-Admin-Token.
	Policies   Registrar
	AdminToken string
}

func NewRouter(p Params) http.Handler {
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.Metadata == nil {
		p.Metadata = metadata.NewMiddleware(nil)
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	r := chi.NewRouter()
	r.Use(request.Recovery(p.Logger))
	r.Use(request.RequestID)
	r.Use(p.Metadata.Handler)
	r.Use(device.Device)
	r.Use(requesttime.Middleware)
	r.Use(request.Logger(p.Logger))
	r.Use(secureHeaders(p.Logger, p.Production))
	r.Use(request.LatencyMiddleware(p.Metrics))

	if p.Health != nil {
		p.Health.Register(r)
	}
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if p.GlobalLimit > 0 {
			r.Use(floodGuard(p.GlobalLimit))
		}
		r.Use(request.Timeout(timeout))
		r.Use(request.BodyLimit(maxBodyBytes))
		r.Use(request.ContentTypeJSON)

		if p.Check != nil {
			p.Check.Register(r)
		}

		r.Group(func(r chi.Router) {
			if p.Guard == nil {
				return
			}
			r.Use(p.Guard.Authorize)
			for _, reg := range []Registrar{p.BreakGlass, p.Audit} {
				if reg != nil {
					reg.Register(r)
				}
			}
			if p.Policies != nil {
				r.Group(func(r chi.Router) {
					r.Use(admin.RequireAdminToken(p.AdminToken, p.Logger, admin.WithActor(sessionSubject)))
					p.Policies.Register(r)
				})
			}
		})
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
	})
	return r
}

// sessionSubject names the operator by the session the authorization
// middleware already verified.
func sessionSubject(ctx context.Context) string {
	if s := session.FromContext(ctx); s != nil {
		return s.SubjectID
	}
	return ""
}

// floodGuard is a coarse per-IP limiter in front of every API route. The
// per-class limits are applied later by the evaluator.
func floodGuard(perMinute int) func(http.Handler) http.Handler {
	return httprate.Limit(perMinute, time.Minute,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			if ip := requestcontext.ClientIP(r.Context()); ip != "" {
				return ip, nil
			}
			return httprate.KeyByIP(r)
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
			httputil.WriteJSON(w, http.StatusTooManyRequests, map[string]string{
				"error":             "rate_limited",
				"error_description": "too many requests",
			})
		}),
	)
}

func secureHeaders(logger *slog.Logger, production bool) func(http.Handler) http.Handler {
	sec := secure.New(secure.Options{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		BrowserXssFilter:      true,
		ReferrerPolicy:        "no-referrer",
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
		STSSeconds:            31536000,
		STSIncludeSubdomains:  true,
		SSLProxyHeaders:       map[string]string{"X-Forwarded-Proto": "https"},
		IsDevelopment:         !production,
	})
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := sec.Process(w, r); err != nil {
				logger.WarnContext(r.Context(), "secure headers blocked request",
					"request_id", requestcontext.RequestID(r.Context()),
					"error", err,
				)
				httputil.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
