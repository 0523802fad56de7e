package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"gatekeeper/internal/policy"
	dErrors "gatekeeper/pkg/domain-errors"
	"gatekeeper/pkg/requestcontext"
)

// ProviderClaims is the payload the identity provider signs. Role and MFA are
// taken verbatim from it.
type ProviderClaims struct {
	Role      string `json:"role"`
	MFA       *bool  `json:"mfa"`
	Tier      string `json:"tier,omitempty"`
	SessionID string `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// ErrUnauthenticated is returned for every credential that does not resolve.
var ErrUnauthenticated = dErrors.New(dErrors.CodeUnauthorized, "unauthenticated")

// Resolver validates provider tokens locally (signature, issuer, audience, lifetime).
type Resolver struct {
	signingKey []byte
	issuer     string
	audience   string
	logger     *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger used for rejected-credential diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithIssuer requires the iss claim to equal issuer.
func WithIssuer(issuer string) Option {
	return func(r *Resolver) {
		r.issuer = issuer
	}
}

// WithAudience requires the aud claim to contain audience.
func WithAudience(audience string) Option {
	return func(r *Resolver) {
		r.audience = audience
	}
}

func NewResolver(signingKey string, opts ...Option) (*Resolver, error) {
	if len(signingKey) < 32 {
		return nil, errors.New("provider signing key must be at least 32 bytes")
	}
	r := &Resolver{signingKey: []byte(signingKey)}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Resolve turns a bearer credential into a session Context. Any failure yields
// ErrUnauthenticated and never a partially populated context.
func (r *Resolver) Resolve(ctx context.Context, credential string) (*Context, error) {
	now := requestcontext.Now(ctx)

	token := strings.TrimSpace(credential)
	if token == "" {
		return nil, ErrUnauthenticated
	}

	claims := new(ProviderClaims)
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	}
	if r.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(r.issuer))
	}
	if r.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(r.audience))
	}

	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return r.signingKey, nil
	}, parserOpts...)
	if err != nil || !parsed.Valid {
		r.reject(ctx, "token validation failed", err)
		return nil, ErrUnauthenticated
	}

	sess, err := claims.toContext()
	if err != nil {
		r.reject(ctx, "token claims invalid", err)
		return nil, ErrUnauthenticated
	}
	sess.IP = requestcontext.ClientIP(ctx)

	if !sess.Valid(now) {
		r.reject(ctx, "session outside validity window", nil)
		return nil, ErrUnauthenticated
	}
	return sess, nil
}

func (c *ProviderClaims) toContext() (*Context, error) {
	if c.Subject == "" {
		return nil, errors.New("missing sub")
	}
	if c.MFA == nil {
		return nil, errors.New("missing mfa")
	}
	if c.IssuedAt == nil {
		return nil, errors.New("missing iat")
	}
	role, err := policy.ParseRole(c.Role)
	if err != nil {
		return nil, err
	}
	tier, err := policy.ParseTier(c.Tier)
	if err != nil {
		return nil, err
	}
	return &Context{
		SubjectID:   c.Subject,
		SessionID:   c.SessionID,
		Role:        role,
		MFAVerified: *c.MFA,
		Tier:        tier,
		IssuedAt:    c.IssuedAt.Time,
		ExpiresAt:   c.ExpiresAt.Time,
	}, nil
}

func (r *Resolver) reject(ctx context.Context, msg string, err error) {
	if r.logger == nil {
		return
	}
	args := []any{"request_id", requestcontext.RequestID(ctx)}
	if err != nil {
		args = append(args, "error", err)
	}
	r.logger.DebugContext(ctx, msg, args...)
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}
