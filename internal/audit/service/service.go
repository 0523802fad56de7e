// Package service implements the audit logger: it stamps per-actor order,
// signs, and appends events to the persistent sink, falling back to a bounded
// buffer and a local channel while the sink is unavailable.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"gatekeeper/internal/audit/fallback"
	"gatekeeper/internal/audit/metrics"
	"gatekeeper/internal/audit/models"
	"gatekeeper/internal/audit/ports"
	"gatekeeper/internal/audit/signing"
	dErrors "gatekeeper/pkg/domain-errors"
	"gatekeeper/pkg/platform/circuit"
	"gatekeeper/pkg/requestcontext"
)

// ErrAuditWriteDegraded is returned by Emit when the sink is unavailable and
// the buffer has no room. The event still went to the fallback channel.
var ErrAuditWriteDegraded = dErrors.New(dErrors.CodeDegraded, "audit write degraded")

// AnonymousActor is recorded when no subject is known.
const AnonymousActor = "anonymous"

const (
	defaultBufferSize    = 1024
	defaultAppendTimeout = 250 * time.Millisecond
	defaultFlushBatch    = 100
)

// FailurePolicy decides what an authorization caller does with an allow
// decision whose audit write came back degraded.
type FailurePolicy string

const (
	FailClosed FailurePolicy = "fail_closed"
	FailOpen   FailurePolicy = "fail_open"
)

func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch p := FailurePolicy(s); p {
	case FailClosed, FailOpen:
		return p, nil
	default:
		return "", fmt.Errorf("unknown audit failure policy %q", s)
	}
}

type actorClock struct {
	mu   sync.Mutex
	seq  uint64
	last time.Time
}

// Logger is safe for concurrent use.
type Logger struct {
	sink     ports.Store
	keyring  *signing.Keyring
	fallback ports.Fallback
	mirror   ports.Mirror
	breaker  *circuit.Breaker
	buf      *buffer
	clocks   sync.Map // actor id -> *actorClock
	flushMu  sync.Mutex

	logger        *slog.Logger
	metrics       *metrics.Metrics
	bufferSize    int
	appendTimeout time.Duration
	flushBatch    int
}

type Option func(*Logger)

func WithLogger(logger *slog.Logger) Option {
	return func(l *Logger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Logger) {
		l.metrics = m
	}
}

// WithFallback replaces the default structured-log fallback.
func WithFallback(f ports.Fallback) Option {
	return func(l *Logger) {
		l.fallback = f
	}
}

// WithMirror republishes every persisted event.
func WithMirror(m ports.Mirror) Option {
	return func(l *Logger) {
		l.mirror = m
	}
}

func WithBufferSize(n int) Option {
	return func(l *Logger) {
		if n > 0 {
			l.bufferSize = n
		}
	}
}

// WithAppendTimeout bounds each sink append.
func WithAppendTimeout(d time.Duration) Option {
	return func(l *Logger) {
		if d > 0 {
			l.appendTimeout = d
		}
	}
}

func WithFlushBatch(n int) Option {
	return func(l *Logger) {
		if n > 0 {
			l.flushBatch = n
		}
	}
}

// WithBreaker replaces the sink circuit breaker.
func WithBreaker(b *circuit.Breaker) Option {
	return func(l *Logger) {
		l.breaker = b
	}
}

func New(sink ports.Store, keyring *signing.Keyring, opts ...Option) (*Logger, error) {
	if sink == nil {
		return nil, errors.New("audit sink is required")
	}
	if keyring == nil {
		return nil, errors.New("audit keyring is required")
	}

	l := &Logger{
		sink:          sink,
		keyring:       keyring,
		logger:        slog.Default(),
		bufferSize:    defaultBufferSize,
		appendTimeout: defaultAppendTimeout,
		flushBatch:    defaultFlushBatch,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.fallback == nil {
		l.fallback = fallback.NewLogFallback(l.logger)
	}
	if l.breaker == nil {
		l.breaker = circuit.New("audit-sink")
	}
	l.buf = newBuffer(l.bufferSize)
	return l, nil
}

// Emit stamps, signs and records e, returning the stored form. A nil error
// means the event was persisted or buffered for a later flush.
func (l *Logger) Emit(ctx context.Context, e models.Event) (models.Event, error) {
	if e.Action == "" {
		return models.Event{}, dErrors.New(dErrors.CodeInvalidInput, "audit action is required")
	}
	if !e.Severity.IsValid() {
		return models.Event{}, dErrors.New(dErrors.CodeInvalidInput, "audit severity is invalid")
	}
	if e.ActorID == "" {
		e.ActorID = AnonymousActor
	}
	if e.RequestID == "" {
		e.RequestID = requestcontext.RequestID(ctx)
	}
	e = e.Cleaned()
	e.ID = uuid.NewString()
	l.stamp(ctx, &e)
	l.keyring.Sign(&e)

	if l.buf.len() == 0 && l.breaker.Allow() {
		err := l.append(ctx, e)
		if err == nil {
			l.onSuccess()
			l.publish(ctx, e)
			l.countEmitted(e, "persisted")
			return e, nil
		}
		if errors.Is(err, models.ErrRejected) {
			return e, l.reject(ctx, e, err)
		}
		l.onFailure(ctx, err)
	}
	return e, l.degrade(ctx, e)
}

// stamp assigns a per-actor sequence and a strictly increasing timestamp.
// Timestamps carry microsecond precision so they survive the sink unchanged.
func (l *Logger) stamp(ctx context.Context, e *models.Event) {
	v, _ := l.clocks.LoadOrStore(e.ActorID, &actorClock{})
	c := v.(*actorClock)

	c.mu.Lock()
	defer c.mu.Unlock()
	ts := requestcontext.Now(ctx).UTC().Truncate(time.Microsecond)
	if !ts.After(c.last) {
		ts = c.last.Add(time.Microsecond)
	}
	c.seq++
	c.last = ts
	e.Sequence = c.seq
	e.Timestamp = ts
}

func (l *Logger) append(ctx context.Context, e models.Event) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.appendTimeout)
	defer cancel()

	start := time.Now()
	err := l.sink.Append(ctx, e)
	if l.metrics != nil {
		l.metrics.ObserveAppend(time.Since(start))
	}
	return err
}

func (l *Logger) writeFallback(ctx context.Context, e models.Event) bool {
	if err := l.fallback.Write(ctx, e); err != nil {
		l.logger.ErrorContext(ctx, "audit_fallback_failed",
			"request_id", e.RequestID,
			"event_id", e.ID,
			"error", err,
		)
		l.countFallback("error")
		return false
	}
	l.countFallback("ok")
	return true
}

// reject handles an event the sink refused outright. It never enters the
// buffer, so it cannot hold back the events behind it. Only the fallback
// keeps it.
func (l *Logger) reject(ctx context.Context, e models.Event, cause error) error {
	l.quarantine(ctx, e, cause)
	if !l.writeFallback(ctx, e) {
		l.countEmitted(e, "rejected")
		return ErrAuditWriteDegraded
	}
	l.countEmitted(e, "quarantined")
	return nil
}

func (l *Logger) quarantine(ctx context.Context, e models.Event, cause error) {
	l.logger.ErrorContext(ctx, "audit_event_quarantined",
		"request_id", e.RequestID,
		"event_id", e.ID,
		"actor_id", e.ActorID,
		"error", cause,
	)
	if l.metrics != nil {
		l.metrics.IncQuarantined()
	}
}

func (l *Logger) degrade(ctx context.Context, e models.Event) error {
	l.writeFallback(ctx, e)

	if !l.buf.push(e) {
		l.logger.ErrorContext(ctx, "audit_buffer_full",
			"request_id", e.RequestID,
			"event_id", e.ID,
			"actor_id", e.ActorID,
			"severity", e.Severity,
		)
		if l.metrics != nil {
			l.metrics.IncRejected()
		}
		l.countEmitted(e, "rejected")
		l.updateGauges()
		return ErrAuditWriteDegraded
	}
	l.countEmitted(e, "buffered")
	l.updateGauges()
	return nil
}

func (l *Logger) publish(ctx context.Context, e models.Event) {
	if l.mirror == nil {
		return
	}
	if err := l.mirror.Publish(ctx, e); err != nil {
		l.logger.WarnContext(ctx, "audit_mirror_failed", "event_id", e.ID, "error", err)
		if l.metrics != nil {
			l.metrics.IncMirrorFailure()
		}
	}
}

func (l *Logger) onSuccess() {
	if change := l.breaker.RecordSuccess(); change.Closed {
		l.logger.Info("audit_sink_recovered", "breaker", l.breaker.Name())
	}
	l.updateGauges()
}

func (l *Logger) onFailure(ctx context.Context, err error) {
	l.logger.ErrorContext(ctx, "audit_sink_append_failed", "error", err)
	if l.metrics != nil {
		l.metrics.IncSinkFailure()
	}
	if change := l.breaker.RecordFailure(); change.Opened {
		l.logger.WarnContext(ctx, "audit_sink_breaker_opened", "breaker", l.breaker.Name())
		if l.metrics != nil {
			l.metrics.IncBreakerOpened()
		}
	}
	l.updateGauges()
}

// Flush appends buffered events in order while the breaker allows it. It
// stops at the first failure, leaving that event at the front. An event the
// sink rejects is dropped from the buffer; it was written to the fallback
// when it was buffered.
func (l *Logger) Flush(ctx context.Context) (int, error) {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	flushed := 0
	defer func() {
		if l.metrics != nil && flushed > 0 {
			l.metrics.AddFlushed(flushed)
		}
		l.updateGauges()
	}()

	for l.buf.len() > 0 {
		if ctx.Err() != nil {
			return flushed, ctx.Err()
		}
		if !l.breaker.Allow() {
			return flushed, nil
		}
		batch := l.buf.peek(l.flushBatch)
		for i, e := range batch {
			err := l.append(ctx, e)
			switch {
			case err == nil:
				l.breaker.RecordSuccess()
				l.publish(ctx, e)
				flushed++
			case errors.Is(err, models.ErrRejected):
				l.quarantine(ctx, e, err)
			default:
				l.buf.drop(i)
				l.onFailure(ctx, err)
				return flushed, err
			}
		}
		l.buf.drop(len(batch))
	}
	return flushed, nil
}

// Degraded reports whether events are currently bypassing the sink.
func (l *Logger) Degraded() bool {
	return l.breaker.State() != circuit.StateClosed || l.buf.len() > 0
}

// Pending returns the number of buffered events.
func (l *Logger) Pending() int {
	return l.buf.len()
}

// Query returns events for review.
func (l *Logger) Query(ctx context.Context, q models.Query) ([]models.Event, error) {
	events, err := l.sink.Query(ctx, q.Normalized())
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "audit store unavailable")
	}
	return events, nil
}

// Verify checks an event signature against the keyring.
func (l *Logger) Verify(e models.Event) error {
	return l.keyring.Verify(e)
}

// Close makes a final flush attempt and reports anything left behind.
func (l *Logger) Close(ctx context.Context) error {
	_, err := l.Flush(ctx)
	if remaining := l.buf.len(); remaining > 0 {
		l.logger.Warn("audit buffer not drained on shutdown", "remaining", remaining)
	}
	return err
}

func (l *Logger) updateGauges() {
	if l.metrics == nil {
		return
	}
	l.metrics.SetBufferDepth(l.buf.len())
	l.metrics.SetDegraded(l.Degraded())
}

func (l *Logger) countEmitted(e models.Event, outcome string) {
	if l.metrics != nil {
		l.metrics.IncEmitted(string(e.Severity), outcome)
	}
}

func (l *Logger) countFallback(status string) {
	if l.metrics != nil {
		l.metrics.IncFallback(status)
	}
}
