// Package evaluator turns a session, a route policy and an optional
// break-glass token into one allow or deny decision, and audits it.
//
// Checks run in a fixed order: session validity, role sufficiency (with
// break-glass elevation for non-destructive routes), the destructive rule,
// MFA, then the rate limit. The first failing check decides.
package evaluator

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	auditmodels "gatekeeper/internal/audit/models"
	auditservice "gatekeeper/internal/audit/service"
	"gatekeeper/internal/authz/metrics"
	"gatekeeper/internal/authz/models"
	"gatekeeper/internal/authz/ports"
	bgservice "gatekeeper/internal/breakglass/service"
	"gatekeeper/internal/platform/privacy"
	"gatekeeper/internal/platform/tracer"
	"gatekeeper/internal/policy"
	rlmodels "gatekeeper/internal/ratelimit/models"
	dErrors "gatekeeper/pkg/domain-errors"
	"gatekeeper/pkg/requestcontext"
)

// ActionDecision is the audit action of every authorization decision.
const ActionDecision = "authz.decision"

// Evaluator is safe for concurrent use.
type Evaluator struct {
	limiter       ports.RateLimiter
	breakGlass    ports.BreakGlass
	auditor       ports.Auditor
	failurePolicy auditservice.FailurePolicy
	logger        *slog.Logger
	metrics       *metrics.Metrics
	tracer        tracer.Tracer
}

type Option func(*Evaluator)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Evaluator) {
		e.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Evaluator) {
		e.metrics = m
	}
}

func WithTracer(t tracer.Tracer) Option {
	return func(e *Evaluator) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithFailurePolicy decides what happens to an allow whose audit write is
// refused. Default fail_closed.
func WithFailurePolicy(p auditservice.FailurePolicy) Option {
	return func(e *Evaluator) {
		if p != "" {
			e.failurePolicy = p
		}
	}
}

// WithBreakGlass enables elevation. Without it every presented token is denied.
func WithBreakGlass(bg ports.BreakGlass) Option {
	return func(e *Evaluator) {
		e.breakGlass = bg
	}
}

func New(limiter ports.RateLimiter, auditor ports.Auditor, opts ...Option) (*Evaluator, error) {
	if limiter == nil {
		return nil, errors.New("rate limiter is required")
	}
	if auditor == nil {
		return nil, errors.New("auditor is required")
	}
	e := &Evaluator{
		limiter:       limiter,
		auditor:       auditor,
		failurePolicy: auditservice.FailClosed,
		logger:        slog.Default(),
		tracer:        tracer.NewNoop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Evaluate decides req. It never returns an error: every failure, including
// dependency timeouts, resolves to a denial.
func (e *Evaluator) Evaluate(ctx context.Context, req models.Request) models.Decision {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, tracer.SpanAuthzEvaluate,
		tracer.String(tracer.AttrRoute, req.Policy.Pattern),
		tracer.String(tracer.AttrMethod, req.Method),
		tracer.Bool(tracer.AttrDestructive, req.Policy.Destructive),
	)

	d := e.decide(ctx, req)
	d = e.record(ctx, req, d)

	span.SetAttributes(
		tracer.String(tracer.AttrDecision, decisionLabel(d)),
		tracer.String(tracer.AttrCategory, string(d.Category)),
		tracer.Bool(tracer.AttrElevated, d.Elevated),
	)
	span.End(nil)

	if e.metrics != nil {
		e.metrics.IncDecision(decisionLabel(d), string(d.Category))
		e.metrics.ObserveEvaluation(time.Since(start))
		if d.Allowed && d.Elevated {
			e.metrics.IncElevated()
		}
	}
	return d
}

func (e *Evaluator) decide(ctx context.Context, req models.Request) models.Decision {
	s, p := req.Session, req.Policy
	if !s.Valid(requestcontext.Now(ctx)) {
		return models.Deny(models.CategoryUnauthenticated)
	}

	elevated := false
	var bgSessionID string
	if !p.Satisfies(s.Role) {
		category := models.CategoryInsufficientRole
		if s.Role.AtLeast(p.MinRole) {
			category = models.CategoryInsufficientPermission
		}
		if req.BreakGlassToken == "" {
			return models.Deny(category)
		}
		if p.Destructive {
			return models.Deny(models.CategoryDestructiveBlocked)
		}
		id, denial := e.consume(ctx, req)
		if denial != "" {
			return models.Deny(denial)
		}
		elevated, bgSessionID = true, id
	} else if p.Destructive && (req.BreakGlassToken != "" || s.Role != policy.RoleSuperAdmin) {
		// Destructive routes take direct super_admin only; a presented token
		// is refused without being spent.
		return models.Deny(models.CategoryDestructiveBlocked)
	}

	if p.MFARequired && !s.MFAVerified && !elevated {
		return models.Deny(models.CategoryMFANotVerified)
	}

	result, denial := e.rateLimit(ctx, req)
	if denial != "" {
		d := models.Deny(denial)
		d.RateLimit = result
		d.BreakGlassSessionID = bgSessionID
		return d
	}

	d := models.Allow(elevated)
	d.BreakGlassSessionID = bgSessionID
	d.RateLimit = result
	return d
}

// consume returns the spent session id, or the denial category.
func (e *Evaluator) consume(ctx context.Context, req models.Request) (string, models.Category) {
	if e.breakGlass == nil {
		return "", models.CategoryBreakGlassDenied
	}
	ctx, span := e.tracer.Start(ctx, tracer.SpanAuthzConsume)
	s, err := e.breakGlass.Consume(ctx, req.BreakGlassToken, req.Session)
	span.End(err)

	switch {
	case err == nil:
		return s.ID, ""
	case dErrors.HasCode(err, dErrors.CodeUnavailable):
		e.logger.ErrorContext(ctx, "break-glass store unavailable during evaluation",
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		return "", models.CategoryDependencyUnavailable
	case errors.Is(err, bgservice.ErrBreakGlassExpired):
		return "", models.CategoryBreakGlassExpired
	case errors.Is(err, bgservice.ErrBreakGlassAlreadyUsed):
		return "", models.CategoryBreakGlassAlreadyUsed
	default:
		return "", models.CategoryBreakGlassDenied
	}
}

func (e *Evaluator) rateLimit(ctx context.Context, req models.Request) (*rlmodels.RateLimitResult, models.Category) {
	class := req.Policy.RateLimitClass
	ctx, span := e.tracer.Start(ctx, tracer.SpanAuthzRateLimit, tracer.String(tracer.AttrClass, string(class)))
	result, err := e.limiter.TryConsume(ctx, rlmodels.KeyFor(class, req.Session.SubjectID, req.ClientIP))
	span.End(err)

	if err != nil {
		return nil, models.CategoryDependencyUnavailable
	}
	if result == nil || !result.Allowed {
		return result, models.CategoryRateLimited
	}
	return result, ""
}

// record audits d. A refused audit write turns an allow into a denial under
// fail_closed and flags it under fail_open.
func (e *Evaluator) record(ctx context.Context, req models.Request, d models.Decision) models.Decision {
	ctx, span := e.tracer.Start(ctx, tracer.SpanAuthzAudit)
	_, err := e.auditor.Emit(ctx, e.event(ctx, req, d))
	span.End(err)
	if err == nil {
		return d
	}

	requestID := requestcontext.RequestID(ctx)
	if e.metrics != nil {
		e.metrics.IncAuditFailure(decisionLabel(d))
	}
	if !d.Allowed {
		e.logger.ErrorContext(ctx, "denial audit write failed",
			"request_id", requestID,
			"category", d.Category,
			"error", err,
		)
		return d
	}

	if e.failurePolicy == auditservice.FailOpen {
		e.logger.WarnContext(ctx, "allowing with degraded audit",
			"request_id", requestID,
			"route", req.Policy.Pattern,
			"error", err,
		)
		if e.metrics != nil {
			e.metrics.IncAuditDegradedAllow()
		}
		d.AuditDegraded = true
		return d
	}

	e.logger.ErrorContext(ctx, "denying: audit write degraded",
		"request_id", requestID,
		"route", req.Policy.Pattern,
		"error", err,
	)
	denied := models.Deny(models.CategoryAuditDegraded)
	denied.BreakGlassSessionID = d.BreakGlassSessionID
	return denied
}

func (e *Evaluator) event(ctx context.Context, req models.Request, d models.Decision) auditmodels.Event {
	actor := auditservice.AnonymousActor
	details := map[string]string{
		"method":      req.Method,
		"route":       req.Policy.Pattern,
		"status":      strconv.Itoa(d.Status),
		"destructive": strconv.FormatBool(req.Policy.Destructive),
		"class":       string(req.Policy.RateLimitClass),
	}
	if req.Policy.Implicit {
		details["route"] = "implicit_deny_all"
	}
	if s := req.Session; s != nil {
		if s.SubjectID != "" {
			actor = s.SubjectID
		}
		details["role"] = s.Role.String()
		details["mfa"] = strconv.FormatBool(s.MFAVerified)
		if s.Tier != policy.TierNone {
			details["tier"] = string(s.Tier)
		}
		if s.SessionID != "" {
			details["session_id"] = s.SessionID
		}
	}
	if ip := req.ClientIP; ip != "" {
		details["client_ip"] = privacy.AnonymizeIP(ip)
	}
	if device := requestcontext.Device(ctx); device != "" {
		details["device"] = device
	}
	if req.BreakGlassToken != "" {
		details["break_glass_presented"] = "true"
	}
	if d.Elevated {
		details["elevated"] = "true"
	}
	if d.BreakGlassSessionID != "" {
		details["break_glass_session_id"] = d.BreakGlassSessionID
	}

	return auditmodels.Event{
		ActorID:  actor,
		Action:   ActionDecision,
		Resource: req.Method + " " + req.Path,
		Severity: severity(req, d),
		Category: string(d.Category),
		Decision: decisionLabel(d),
		Details:  details,
	}
}

// severity is critical for elevated or destructive allows and for
// break-glass or destructive denials, warning for other denials, and info
// for ordinary allows.
func severity(req models.Request, d models.Decision) auditmodels.Severity {
	if d.Allowed {
		if d.Elevated || req.Policy.Destructive {
			return auditmodels.SeverityCritical
		}
		return auditmodels.SeverityInfo
	}
	if d.Category.Critical() {
		return auditmodels.SeverityCritical
	}
	return auditmodels.SeverityWarning
}

func decisionLabel(d models.Decision) string {
	if d.Allowed {
		return auditmodels.DecisionAllow
	}
	return auditmodels.DecisionDeny
}
