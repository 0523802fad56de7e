// Package tracer is a small tracing abstraction so request-path code does not
// import OpenTelemetry directly.
//
// Implementations:
//   - NoopTracer: tests and deployments without a collector
//   - OTelTracer: OpenTelemetry adapter
package tracer

import (
	"context"
	"time"
)

// Span is an active trace span. End must be called exactly once.
type Span interface {
	// End completes the span. A non-nil err marks it failed.
	End(err error)
	SetAttributes(attrs ...Attribute)
	AddEvent(name string, attrs ...Attribute)
}

// Tracer creates spans. Implementations must be safe for concurrent use.
//
//	ctx, span := t.Start(ctx, tracer.SpanAuthzEvaluate,
//	    tracer.String(tracer.AttrRoute, policy.Pattern),
//	)
//	defer span.End(nil)
type Tracer interface {
	Start(ctx context.Context, name string, attrs ...Attribute) (context.Context, Span)
}

// Attribute is a key-value pair attached to spans.
type Attribute struct {
	Key   string
	Value any
}

func String(key, value string) Attribute {
	return Attribute{Key: key, Value: value}
}

func Bool(key string, value bool) Attribute {
	return Attribute{Key: key, Value: value}
}

func Int64(key string, value int64) Attribute {
	return Attribute{Key: key, Value: value}
}

// Duration records value in milliseconds.
func Duration(key string, value time.Duration) Attribute {
	return Attribute{Key: key, Value: value.Milliseconds()}
}

// Span names.
const (
	SpanAuthzEvaluate  = "authz.evaluate"
	SpanAuthzConsume   = "authz.break_glass_consume"
	SpanAuthzRateLimit = "authz.rate_limit"
	SpanAuthzAudit     = "authz.audit"
)

// Attribute keys.
const (
	AttrRoute       = "authz.route"
	AttrMethod      = "authz.method"
	AttrRole        = "authz.role"
	AttrDecision    = "authz.decision"
	AttrCategory    = "authz.category"
	AttrElevated    = "authz.elevated"
	AttrDestructive = "authz.destructive"
	AttrClass       = "ratelimit.class"
)
