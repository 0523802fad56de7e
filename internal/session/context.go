package session

import "context"

type sessionKey struct{}

// WithSession stores the resolved session on the request context.
func WithSession(ctx context.Context, s *Context) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// FromContext returns the session stored by the authorization middleware, or nil.
func FromContext(ctx context.Context) *Context {
	s, _ := ctx.Value(sessionKey{}).(*Context)
	return s
}
