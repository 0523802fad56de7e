// Package service implements the break-glass coordinator: a dual-control,
// time-boxed, single-use elevation whose state changes are compare-and-swap
// transitions on the shared store.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	auditmodels "gatekeeper/internal/audit/models"
	"gatekeeper/internal/breakglass/metrics"
	"gatekeeper/internal/breakglass/models"
	"gatekeeper/internal/breakglass/ports"
	"gatekeeper/internal/policy"
	"gatekeeper/internal/sentinel"
	"gatekeeper/internal/session"
	dErrors "gatekeeper/pkg/domain-errors"
	"gatekeeper/pkg/requestcontext"
)

// Consume outcomes. They carry distinct codes so errors.Is tells them apart.
var (
	ErrBreakGlassDenied      = dErrors.New(dErrors.CodeForbidden, "break-glass denied")
	ErrBreakGlassExpired     = dErrors.New(dErrors.CodeExpired, "break-glass expired")
	ErrBreakGlassAlreadyUsed = dErrors.New(dErrors.CodeConflict, "break-glass already used")

	// ErrDisabled is returned by every workflow call when break-glass is switched off.
	ErrDisabled = dErrors.New(dErrors.CodeNotFound, "not found")
)

// SystemActor is recorded on transitions nobody requested, such as expiry.
const SystemActor = "system:breakglass-sweeper"

const (
	defaultStoreTimeout  = 150 * time.Millisecond
	defaultNotifyTimeout = 5 * time.Second
)

// RequestInput is what a requester supplies.
type RequestInput struct {
	ApproverID string
	Reason     string
	Duration   time.Duration
}

// Requested is returned once per request; Token is never stored or shown again.
type Requested struct {
	Session *models.Session
	Token   string
}

// Coordinator drives break-glass sessions through their lifecycle.
type Coordinator struct {
	store         ports.Store
	auditor       ports.Auditor
	notifier      ports.Notifier
	logger        *slog.Logger
	metrics       *metrics.Metrics
	enabled       bool
	storeTimeout  time.Duration
	notifyTimeout time.Duration

	notifications sync.WaitGroup
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

func WithNotifier(n ports.Notifier) Option {
	return func(c *Coordinator) {
		c.notifier = n
	}
}

// WithEnabled switches the workflow on or off. Default on.
func WithEnabled(enabled bool) Option {
	return func(c *Coordinator) {
		c.enabled = enabled
	}
}

// WithStoreTimeout bounds each store call.
func WithStoreTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.storeTimeout = d
		}
	}
}

func WithNotifyTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.notifyTimeout = d
		}
	}
}

func New(store ports.Store, auditor ports.Auditor, opts ...Option) (*Coordinator, error) {
	if store == nil {
		return nil, errors.New("break-glass store is required")
	}
	if auditor == nil {
		return nil, errors.New("break-glass auditor is required")
	}
	c := &Coordinator{
		store:         store,
		auditor:       auditor,
		logger:        slog.Default(),
		enabled:       true,
		storeTimeout:  defaultStoreTimeout,
		notifyTimeout: defaultNotifyTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Enabled reports whether the workflow is switched on.
func (c *Coordinator) Enabled() bool {
	return c.enabled
}

// Request opens a session in Requested and schedules the approver
// notification. Every input check runs before anything is stored.
func (c *Coordinator) Request(ctx context.Context, requester *session.Context, in RequestInput) (*Requested, error) {
	if !c.enabled {
		return nil, ErrDisabled
	}
	if requester == nil || requester.Role != policy.RoleSuperAdmin {
		return nil, dErrors.New(dErrors.CodeForbidden, "requester is not eligible for break-glass")
	}
	if err := validateRequest(requester.SubjectID, in); err != nil {
		return nil, err
	}

	token, hash, err := models.NewToken()
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to generate token")
	}
	now := requestcontext.Now(ctx).UTC().Truncate(time.Microsecond)
	s := &models.Session{
		ID:          uuid.NewString(),
		TokenHash:   hash,
		RequesterID: requester.SubjectID,
		ApproverID:  in.ApproverID,
		Reason:      strings.TrimSpace(in.Reason),
		State:       models.StateRequested,
		CreatedAt:   now,
		ExpiresAt:   now.Add(in.Duration),
		UpdatedAt:   now,
	}

	sctx, cancel := c.storeCtx(ctx)
	defer cancel()
	if err := c.store.Create(sctx, s); err != nil {
		return nil, c.storeError(ctx, "create", err)
	}

	c.countTransition(models.StateRequested)
	c.audit(ctx, s, s.RequesterID, "break_glass.requested", "BREAK_GLASS_REQUESTED", "", map[string]string{
		"reason":   s.Reason,
		"duration": in.Duration.String(),
	})
	c.notify(ctx, models.Notification{
		SessionID:   s.ID,
		RequesterID: s.RequesterID,
		ApproverID:  s.ApproverID,
		Reason:      s.Reason,
		Token:       token,
		ExpiresAt:   s.ExpiresAt,
	})

	return &Requested{Session: s, Token: token}, nil
}

func validateRequest(requesterID string, in RequestInput) error {
	approver := strings.TrimSpace(in.ApproverID)
	switch {
	case requesterID == "":
		return dErrors.New(dErrors.CodeValidation, "requester is required")
	case approver == "":
		return dErrors.New(dErrors.CodeValidation, "approver_id is required")
	case approver != in.ApproverID:
		return dErrors.New(dErrors.CodeValidation, "approver_id must not contain surrounding whitespace")
	case approver == requesterID:
		return dErrors.New(dErrors.CodeValidation, "approver must differ from requester")
	case utf8.RuneCountInString(strings.TrimSpace(in.Reason)) < models.MinReasonLength:
		return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("reason must be at least %d characters", models.MinReasonLength))
	case in.Duration < models.MinDuration || in.Duration > models.MaxDuration:
		return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("duration must be between %s and %s", models.MinDuration, models.MaxDuration))
	}
	return nil
}

// Approve moves a Requested session to Approved. Only the named approver may
// approve, and only before expiry.
func (c *Coordinator) Approve(ctx context.Context, approver *session.Context, token string) (*models.Session, error) {
	return c.decide(ctx, approver, token, models.StateApproved, "break_glass.approved", "BREAK_GLASS_APPROVED")
}

// Deny moves a Requested session to Denied. Only the named approver may deny.
func (c *Coordinator) Deny(ctx context.Context, approver *session.Context, token string) (*models.Session, error) {
	return c.decide(ctx, approver, token, models.StateDenied, "break_glass.denied", "BREAK_GLASS_DENIED")
}

func (c *Coordinator) decide(ctx context.Context, approver *session.Context, token string, to models.State, action, category string) (*models.Session, error) {
	if !c.enabled {
		return nil, ErrDisabled
	}
	if approver == nil || token == "" {
		return nil, ErrBreakGlassDenied
	}
	started := time.Now()
	s, err := c.findByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if s.ApproverID != approver.SubjectID {
		c.audit(ctx, s, approver.SubjectID, action, "BREAK_GLASS_APPROVER_MISMATCH", auditmodels.DecisionDeny, nil)
		return nil, ErrBreakGlassDenied
	}

	now := requestcontext.Now(ctx)
	switch s.EffectiveState(now) {
	case models.StateRequested:
	case models.StateExpired:
		c.expireLazily(ctx, s, now)
		return nil, ErrBreakGlassExpired
	default:
		return nil, dErrors.New(dErrors.CodeConflict, "break-glass session is not awaiting a decision")
	}

	at := swapTime(now, started)
	if err := c.cas(ctx, s.ID, models.StateRequested, to, at); err != nil {
		if errors.Is(err, sentinel.ErrExpired) {
			c.expireLazily(ctx, s, at)
			return nil, ErrBreakGlassExpired
		}
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.New(dErrors.CodeConflict, "break-glass session is not awaiting a decision")
		}
		return nil, c.storeError(ctx, "decide", err)
	}
	s.State = to
	s.UpdatedAt = at

	c.countTransition(to)
	c.audit(ctx, s, approver.SubjectID, action, category, "", nil)
	return s, nil
}

// Consume spends an approved token. Under any number of concurrent callers
// with the same token exactly one succeeds; the rest get
// ErrBreakGlassAlreadyUsed. Every attempt is audited.
func (c *Coordinator) Consume(ctx context.Context, token string, using *session.Context) (*models.Session, error) {
	s, err := c.consume(ctx, token, using)
	outcome := consumeOutcome(err)
	if c.metrics != nil {
		c.metrics.IncConsume(outcome)
	}

	actor := ""
	if using != nil {
		actor = using.SubjectID
	}
	decision, category := auditmodels.DecisionAllow, "BREAK_GLASS_CONSUMED"
	if err != nil {
		decision, category = auditmodels.DecisionDeny, "BREAK_GLASS_"+strings.ToUpper(outcome)
	}
	target := s
	if target == nil {
		target = &models.Session{}
	}
	c.audit(ctx, target, actor, "break_glass.consume", category, decision, map[string]string{
		"outcome": outcome,
	})
	return s, err
}

func (c *Coordinator) consume(ctx context.Context, token string, using *session.Context) (*models.Session, error) {
	if !c.enabled || token == "" || using == nil {
		return nil, ErrBreakGlassDenied
	}
	started := time.Now()
	s, err := c.findByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if s.RequesterID != using.SubjectID {
		return s, ErrBreakGlassDenied
	}

	now := requestcontext.Now(ctx)
	if err := stateError(s.EffectiveState(now)); err != nil {
		if errors.Is(err, ErrBreakGlassExpired) {
			c.expireLazily(ctx, s, now)
		}
		return s, err
	}

	at := swapTime(now, started)
	if err := c.cas(ctx, s.ID, models.StateApproved, models.StateUsed, at); err != nil {
		if errors.Is(err, sentinel.ErrExpired) {
			c.expireLazily(ctx, s, at)
			return s, ErrBreakGlassExpired
		}
		if !errors.Is(err, sentinel.ErrConflict) {
			return s, c.storeError(ctx, "consume", err)
		}
		// Lost the race: report what the winner left behind.
		current, ferr := c.findByID(ctx, s.ID)
		if ferr != nil {
			return s, ferr
		}
		if serr := stateError(current.EffectiveState(now)); serr != nil {
			return current, serr
		}
		return current, ErrBreakGlassDenied
	}
	s.State = models.StateUsed
	s.UpdatedAt = at
	c.countTransition(models.StateUsed)
	return s, nil
}

// stateError maps a session state to the consume outcome for it.
func stateError(state models.State) error {
	switch state {
	case models.StateApproved:
		return nil
	case models.StateUsed:
		return ErrBreakGlassAlreadyUsed
	case models.StateExpired:
		return ErrBreakGlassExpired
	default:
		return ErrBreakGlassDenied
	}
}

func consumeOutcome(err error) string {
	switch {
	case err == nil:
		return "used"
	case errors.Is(err, ErrBreakGlassAlreadyUsed):
		return "already_used"
	case errors.Is(err, ErrBreakGlassExpired):
		return "expired"
	case dErrors.HasCode(err, dErrors.CodeUnavailable):
		return "unavailable"
	default:
		return "denied"
	}
}

// Get returns a session by id with lazy expiry applied. Only the requester
// and the approver may read it.
func (c *Coordinator) Get(ctx context.Context, viewer *session.Context, id string) (*models.Session, error) {
	if !c.enabled {
		return nil, ErrDisabled
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, dErrors.New(dErrors.CodeNotFound, "break-glass session not found")
	}
	s, err := c.findByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if viewer == nil || (viewer.SubjectID != s.RequesterID && viewer.SubjectID != s.ApproverID) {
		return nil, dErrors.New(dErrors.CodeNotFound, "break-glass session not found")
	}
	now := requestcontext.Now(ctx)
	if state := s.EffectiveState(now); state != s.State {
		c.expireLazily(ctx, s, now)
		s.State = state
	}
	return s, nil
}

// Sweep expires every open session past its expiry and returns how many moved.
func (c *Coordinator) Sweep(ctx context.Context) (int, error) {
	now := requestcontext.Now(ctx)
	ids, err := c.store.ExpireOpen(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("expire open break-glass sessions: %w", err)
	}
	for _, id := range ids {
		c.countTransition(models.StateExpired)
		c.audit(ctx, &models.Session{ID: id}, SystemActor, "break_glass.expired", "BREAK_GLASS_EXPIRED", "", nil)
	}
	return len(ids), nil
}

// Wait blocks until scheduled notifications have returned.
func (c *Coordinator) Wait() {
	c.notifications.Wait()
}

// swapTime is the instant a state change is judged at: the request's time
// plus however long this call has already spent reading the store.
func swapTime(now, started time.Time) time.Time {
	return now.Add(time.Since(started))
}

func (c *Coordinator) expireLazily(ctx context.Context, s *models.Session, now time.Time) {
	if s.State.IsTerminal() {
		return
	}
	err := c.cas(ctx, s.ID, s.State, models.StateExpired, now)
	switch {
	case err == nil:
		c.countTransition(models.StateExpired)
		c.audit(ctx, s, SystemActor, "break_glass.expired", "BREAK_GLASS_EXPIRED", "", nil)
	case errors.Is(err, sentinel.ErrConflict):
	default:
		c.logger.WarnContext(ctx, "break-glass lazy expiry failed",
			"request_id", requestcontext.RequestID(ctx),
			"session_id", s.ID,
			"error", err,
		)
	}
	s.State = models.StateExpired
}

func (c *Coordinator) findByToken(ctx context.Context, token string) (*models.Session, error) {
	sctx, cancel := c.storeCtx(ctx)
	defer cancel()
	s, err := c.store.FindByTokenHash(sctx, models.HashToken(token))
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, ErrBreakGlassDenied
		}
		return nil, c.storeError(ctx, "find_by_token", err)
	}
	return s, nil
}

func (c *Coordinator) findByID(ctx context.Context, id string) (*models.Session, error) {
	sctx, cancel := c.storeCtx(ctx)
	defer cancel()
	s, err := c.store.FindByID(sctx, id)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "break-glass session not found")
		}
		return nil, c.storeError(ctx, "find_by_id", err)
	}
	return s, nil
}

func (c *Coordinator) cas(ctx context.Context, id string, from, to models.State, at time.Time) error {
	sctx, cancel := c.storeCtx(ctx)
	defer cancel()
	return c.store.CompareAndSwap(sctx, id, from, to, at.UTC().Truncate(time.Microsecond))
}

func (c *Coordinator) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.storeTimeout)
}

func (c *Coordinator) storeError(ctx context.Context, op string, err error) error {
	c.logger.ErrorContext(ctx, "break-glass store failed",
		"request_id", requestcontext.RequestID(ctx),
		"op", op,
		"error", err,
	)
	return dErrors.Wrap(err, dErrors.CodeUnavailable, "break-glass store unavailable")
}

// notify hands the notification to the notifier without blocking the caller.
func (c *Coordinator) notify(ctx context.Context, n models.Notification) {
	if c.notifier == nil {
		return
	}
	c.notifications.Add(1)
	go func() {
		defer c.notifications.Done()
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.notifyTimeout)
		defer cancel()
		if err := c.notifier.NotifyApprover(nctx, n); err != nil {
			if c.metrics != nil {
				c.metrics.IncNotifyFailure()
			}
			c.logger.WarnContext(nctx, "break-glass approver notification failed",
				"request_id", requestcontext.RequestID(nctx),
				"session_id", n.SessionID,
				"error", err,
			)
		}
	}()
}

func (c *Coordinator) audit(ctx context.Context, s *models.Session, actor, action, category, decision string, extra map[string]string) {
	details := map[string]string{}
	if s.RequesterID != "" {
		details["requester_id"] = s.RequesterID
		details["approver_id"] = s.ApproverID
		details["expires_at"] = s.ExpiresAt.UTC().Format(time.RFC3339)
	}
	for k, v := range extra {
		details[k] = v
	}
	resource := "break_glass"
	if s.ID != "" {
		resource += "/" + s.ID
	}
	_, err := c.auditor.Emit(ctx, auditmodels.Event{
		ActorID:  actor,
		Action:   action,
		Resource: resource,
		Severity: auditmodels.SeverityCritical,
		Category: category,
		Decision: decision,
		Details:  details,
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "break-glass audit write failed",
			"request_id", requestcontext.RequestID(ctx),
			"action", action,
			"error", err,
		)
	}
}

func (c *Coordinator) countTransition(state models.State) {
	if c.metrics != nil {
		c.metrics.IncTransition(string(state))
	}
}
