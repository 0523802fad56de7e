package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	auditmodels "gatekeeper/internal/audit/models"
	auditservice "gatekeeper/internal/audit/service"
	"gatekeeper/internal/audit/signing"
	auditmemory "gatekeeper/internal/audit/store/memory"
	"gatekeeper/internal/breakglass/mocks"
	"gatekeeper/internal/breakglass/models"
	"gatekeeper/internal/breakglass/store/sessions"
	"gatekeeper/internal/policy"
	"gatekeeper/internal/sentinel"
	"gatekeeper/internal/session"
	dErrors "gatekeeper/pkg/domain-errors"
	"gatekeeper/pkg/requestcontext"
	"gatekeeper/pkg/testutil"
)

const validReason = "primary database refuses all writes" // 35 chars

// =============================================================================
// Coordinator Workflow Suite
// =============================================================================
// Justification: break-glass is the only path that elevates a role. These
// tests pin the dual-control, time-box, and single-use rules against the real
// in-memory store and audit logger.

type CoordinatorSuite struct {
	suite.Suite
	store    *sessions.InMemoryStore
	sink     *auditmemory.Store
	auditor  *auditservice.Logger
	coord    *Coordinator
	alice    *session.Context
	bob      *session.Context
	mallory  *session.Context
	ctx      context.Context
	notified chan models.Notification
}

type chanNotifier chan models.Notification

func (c chanNotifier) NotifyApprover(_ context.Context, n models.Notification) error {
	c <- n
	return nil
}

func TestCoordinatorSuite(t *testing.T) {
	suite.Run(t, new(CoordinatorSuite))
}

func (s *CoordinatorSuite) SetupTest() {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	keyring, err := signing.NewKeyring(map[string][]byte{"k1": []byte("coordinator-test-secret")}, "k1")
	s.Require().NoError(err)

	s.sink = auditmemory.New()
	s.auditor, err = auditservice.New(s.sink, keyring, auditservice.WithLogger(logger))
	s.Require().NoError(err)

	s.store = sessions.NewInMemory()
	s.notified = make(chan models.Notification, 4)
	s.coord, err = New(s.store, s.auditor,
		WithLogger(logger),
		WithNotifier(chanNotifier(s.notified)),
	)
	s.Require().NoError(err)

	s.alice = testutil.NewSessionBuilder().WithSubject("sa-alice").WithRole(policy.RoleSuperAdmin).WithMFA().Build()
	s.bob = testutil.NewSessionBuilder().WithSubject("sa-bob").WithRole(policy.RoleSuperAdmin).WithMFA().Build()
	s.mallory = testutil.NewSessionBuilder().WithSubject("org-mallory").WithRole(policy.RoleOrgAdmin).Build()
	s.ctx = requestcontext.WithTime(context.Background(), testutil.FixedNow)
}

func (s *CoordinatorSuite) at(offset time.Duration) context.Context {
	return requestcontext.WithTime(context.Background(), testutil.FixedNow.Add(offset))
}

func (s *CoordinatorSuite) request(d time.Duration) *Requested {
	req, err := s.coord.Request(s.ctx, s.alice, RequestInput{ApproverID: "sa-bob", Reason: validReason, Duration: d})
	s.Require().NoError(err)
	return req
}

func (s *CoordinatorSuite) approved(d time.Duration) *Requested {
	req := s.request(d)
	_, err := s.coord.Approve(s.ctx, s.bob, req.Token)
	s.Require().NoError(err)
	return req
}

func (s *CoordinatorSuite) events(action string) []auditmodels.Event {
	all, err := s.sink.Query(context.Background(), auditmodels.Query{Limit: 1000})
	s.Require().NoError(err)
	var out []auditmodels.Event
	for _, e := range all {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

func (s *CoordinatorSuite) TestRequestValidation() {
	cases := []struct {
		name  string
		actor *session.Context
		in    RequestInput
		code  dErrors.Code
	}{
		{"requester below super_admin", s.mallory, RequestInput{ApproverID: "sa-bob", Reason: validReason, Duration: 30 * time.Minute}, dErrors.CodeForbidden},
		{"self approval", s.alice, RequestInput{ApproverID: "sa-alice", Reason: validReason, Duration: 30 * time.Minute}, dErrors.CodeValidation},
		{"missing approver", s.alice, RequestInput{Reason: validReason, Duration: 30 * time.Minute}, dErrors.CodeValidation},
		{"reason of 19 characters", s.alice, RequestInput{ApproverID: "sa-bob", Reason: strings.Repeat("x", 19), Duration: 30 * time.Minute}, dErrors.CodeValidation},
		{"padded reason", s.alice, RequestInput{ApproverID: "sa-bob", Reason: "   short reason     ", Duration: 30 * time.Minute}, dErrors.CodeValidation},
		{"duration over an hour", s.alice, RequestInput{ApproverID: "sa-bob", Reason: validReason, Duration: 3600001 * time.Millisecond}, dErrors.CodeValidation},
		{"duration under five minutes", s.alice, RequestInput{ApproverID: "sa-bob", Reason: validReason, Duration: 4 * time.Minute}, dErrors.CodeValidation},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			_, err := s.coord.Request(s.ctx, tc.actor, tc.in)
			s.Require().Error(err)
			s.True(dErrors.HasCode(err, tc.code), "got %v", err)
		})
	}
	s.Zero(s.store.Len(), "rejected requests never create a session")
}

func (s *CoordinatorSuite) TestRequestBoundaries() {
	for _, d := range []time.Duration{models.MinDuration, models.MaxDuration} {
		req, err := s.coord.Request(s.ctx, s.alice, RequestInput{ApproverID: "sa-bob", Reason: strings.Repeat("r", 20), Duration: d})
		s.Require().NoError(err)
		s.Equal(testutil.FixedNow.Add(d), req.Session.ExpiresAt)
	}
}

func (s *CoordinatorSuite) TestRequestStoresOnlyTokenHash() {
	req := s.request(30 * time.Minute)

	s.Equal(models.StateRequested, req.Session.State)
	s.NotEqual(req.Token, req.Session.TokenHash)
	s.Equal(models.HashToken(req.Token), req.Session.TokenHash)

	stored, err := s.store.FindByID(context.Background(), req.Session.ID)
	s.Require().NoError(err)
	s.Equal(req.Session.TokenHash, stored.TokenHash)

	s.coord.Wait()
	n := <-s.notified
	s.Equal("sa-bob", n.ApproverID)
	s.Equal(req.Token, n.Token)

	events := s.events("break_glass.requested")
	s.Require().Len(events, 1)
	s.Equal(auditmodels.SeverityCritical, events[0].Severity)
	for _, v := range events[0].Details {
		s.NotContains(v, req.Token)
	}
}

func (s *CoordinatorSuite) TestApproveRequiresNamedApprover() {
	req := s.request(30 * time.Minute)
	carol := testutil.NewSessionBuilder().WithSubject("sa-carol").WithRole(policy.RoleSuperAdmin).WithMFA().Build()

	_, err := s.coord.Approve(s.ctx, carol, req.Token)
	s.ErrorIs(err, ErrBreakGlassDenied)

	_, err = s.coord.Approve(s.ctx, s.alice, req.Token)
	s.ErrorIs(err, ErrBreakGlassDenied, "requester cannot approve")

	got, err := s.coord.Approve(s.ctx, s.bob, req.Token)
	s.Require().NoError(err)
	s.Equal(models.StateApproved, got.State)

	_, err = s.coord.Approve(s.ctx, s.bob, req.Token)
	s.True(dErrors.HasCode(err, dErrors.CodeConflict), "second approval is refused")
}

func (s *CoordinatorSuite) TestApproveAfterExpiry() {
	req := s.request(10 * time.Minute)

	_, err := s.coord.Approve(s.at(10*time.Minute), s.bob, req.Token)
	s.ErrorIs(err, ErrBreakGlassExpired)

	stored, err := s.store.FindByID(context.Background(), req.Session.ID)
	s.Require().NoError(err)
	s.Equal(models.StateExpired, stored.State, "lazy expiry is written back")
}

func (s *CoordinatorSuite) TestDeny() {
	req := s.request(30 * time.Minute)

	got, err := s.coord.Deny(s.ctx, s.bob, req.Token)
	s.Require().NoError(err)
	s.Equal(models.StateDenied, got.State)

	_, err = s.coord.Consume(s.ctx, req.Token, s.alice)
	s.ErrorIs(err, ErrBreakGlassDenied)
	_, err = s.coord.Approve(s.ctx, s.bob, req.Token)
	s.Error(err, "denied is terminal")
}

func (s *CoordinatorSuite) TestConsumeOutcomes() {
	s.Run("requested but not approved", func() {
		req := s.request(30 * time.Minute)
		_, err := s.coord.Consume(s.ctx, req.Token, s.alice)
		s.ErrorIs(err, ErrBreakGlassDenied)
	})

	s.Run("unknown token", func() {
		_, err := s.coord.Consume(s.ctx, "not-a-token", s.alice)
		s.ErrorIs(err, ErrBreakGlassDenied)
	})

	s.Run("someone else's token", func() {
		req := s.approved(30 * time.Minute)
		_, err := s.coord.Consume(s.ctx, req.Token, s.bob)
		s.ErrorIs(err, ErrBreakGlassDenied)

		_, err = s.coord.Consume(s.ctx, req.Token, s.alice)
		s.NoError(err, "a rejected attempt by another subject does not burn the token")
	})

	s.Run("past expiry", func() {
		req := s.approved(5 * time.Minute)
		_, err := s.coord.Consume(s.at(5*time.Minute), req.Token, s.alice)
		s.ErrorIs(err, ErrBreakGlassExpired)
	})

	s.Run("second use", func() {
		req := s.approved(30 * time.Minute)
		_, err := s.coord.Consume(s.ctx, req.Token, s.alice)
		s.Require().NoError(err)
		_, err = s.coord.Consume(s.ctx, req.Token, s.alice)
		s.ErrorIs(err, ErrBreakGlassAlreadyUsed)
	})
}

// slowStore delays token lookups so a session can expire between the read
// and the swap.
type slowStore struct {
	*sessions.InMemoryStore
	delay time.Duration
}

func (st slowStore) FindByTokenHash(ctx context.Context, hash string) (*models.Session, error) {
	time.Sleep(st.delay)
	return st.InMemoryStore.FindByTokenHash(ctx, hash)
}

func (s *CoordinatorSuite) TestExpiryBetweenReadAndSwap() {
	slow, err := New(slowStore{InMemoryStore: s.store, delay: 20 * time.Millisecond}, s.auditor,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithStoreTimeout(time.Second),
	)
	s.Require().NoError(err)
	justBefore := s.at(5*time.Minute - time.Millisecond)

	s.Run("consume", func() {
		req := s.approved(5 * time.Minute)

		_, err := slow.Consume(justBefore, req.Token, s.alice)
		s.ErrorIs(err, ErrBreakGlassExpired)

		got, err := s.store.FindByID(context.Background(), req.Session.ID)
		s.Require().NoError(err)
		s.Equal(models.StateExpired, got.State, "never used")
	})

	s.Run("approve", func() {
		req := s.request(5 * time.Minute)

		_, err := slow.Approve(justBefore, s.bob, req.Token)
		s.ErrorIs(err, ErrBreakGlassExpired)

		got, err := s.store.FindByID(context.Background(), req.Session.ID)
		s.Require().NoError(err)
		s.Equal(models.StateExpired, got.State)
	})
}

func (s *CoordinatorSuite) TestConsumeIsAuditedRegardlessOfOutcome() {
	req := s.approved(30 * time.Minute)
	_, _ = s.coord.Consume(s.ctx, req.Token, s.alice)
	_, _ = s.coord.Consume(s.ctx, req.Token, s.alice)

	events := s.events("break_glass.consume")
	s.Require().Len(events, 2)
	s.Equal(auditmodels.DecisionAllow, events[0].Decision)
	s.Equal("BREAK_GLASS_CONSUMED", events[0].Category)
	s.Equal(auditmodels.DecisionDeny, events[1].Decision)
	s.Equal("BREAK_GLASS_ALREADY_USED", events[1].Category)
	for _, e := range events {
		s.Equal(auditmodels.SeverityCritical, e.Severity)
		s.NoError(s.auditor.Verify(e))
	}
}

// Scenario C: A requests naming B, B approves, A consumes twice in parallel.
func (s *CoordinatorSuite) TestConcurrentConsumeSingleWinner() {
	for _, callers := range []int{2, 50} {
		req := s.approved(30 * time.Minute)

		wins, errs := testutil.RunConcurrentCollect(callers, func(int) error {
			_, err := s.coord.Consume(s.ctx, req.Token, s.alice)
			return err
		})

		s.Equal(int32(1), wins, "callers=%d", callers)
		s.Len(errs, callers-1)
		for _, err := range errs {
			s.ErrorIs(err, ErrBreakGlassAlreadyUsed)
		}
	}
}

func (s *CoordinatorSuite) TestGetAppliesLazyExpiry() {
	req := s.request(10 * time.Minute)

	got, err := s.coord.Get(s.ctx, s.alice, req.Session.ID)
	s.Require().NoError(err)
	s.Equal(models.StateRequested, got.State)

	got, err = s.coord.Get(s.at(11*time.Minute), s.bob, req.Session.ID)
	s.Require().NoError(err)
	s.Equal(models.StateExpired, got.State)

	_, err = s.coord.Get(s.ctx, s.mallory, req.Session.ID)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound), "outsiders cannot see sessions")
}

func (s *CoordinatorSuite) TestSweep() {
	short := s.request(5 * time.Minute)
	long := s.approved(45 * time.Minute)

	n, err := s.coord.Sweep(s.at(6 * time.Minute))
	s.Require().NoError(err)
	s.Equal(1, n)

	stored, err := s.store.FindByID(context.Background(), short.Session.ID)
	s.Require().NoError(err)
	s.Equal(models.StateExpired, stored.State)

	stored, err = s.store.FindByID(context.Background(), long.Session.ID)
	s.Require().NoError(err)
	s.Equal(models.StateApproved, stored.State)

	s.Len(s.events("break_glass.expired"), 1)
}

func (s *CoordinatorSuite) TestDisabled() {
	req := s.approved(30 * time.Minute)
	s.coord.enabled = false

	_, err := s.coord.Request(s.ctx, s.alice, RequestInput{ApproverID: "sa-bob", Reason: validReason, Duration: 30 * time.Minute})
	s.ErrorIs(err, ErrDisabled)
	_, err = s.coord.Consume(s.ctx, req.Token, s.alice)
	s.ErrorIs(err, ErrBreakGlassDenied)
}

// =============================================================================
// Coordinator Dependency Failure Suite
// =============================================================================
// Justification: store failures must surface as unavailable, never as a
// successful elevation, and a broken notifier must not block the request.

type CoordinatorFailureSuite struct {
	suite.Suite
	ctrl     *gomock.Controller
	store    *mocks.MockStore
	auditor  *mocks.MockAuditor
	notifier *mocks.MockNotifier
	coord    *Coordinator
	alice    *session.Context
}

func TestCoordinatorFailureSuite(t *testing.T) {
	suite.Run(t, new(CoordinatorFailureSuite))
}

func (s *CoordinatorFailureSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.store = mocks.NewMockStore(s.ctrl)
	s.auditor = mocks.NewMockAuditor(s.ctrl)
	s.notifier = mocks.NewMockNotifier(s.ctrl)
	s.auditor.EXPECT().Emit(gomock.Any(), gomock.Any()).Return(auditmodels.Event{}, nil).AnyTimes()

	var err error
	s.coord, err = New(s.store, s.auditor,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithNotifier(s.notifier),
		WithStoreTimeout(20*time.Millisecond),
	)
	s.Require().NoError(err)
	s.alice = testutil.NewSessionBuilder().WithSubject("sa-alice").WithRole(policy.RoleSuperAdmin).WithMFA().Build()
}

func (s *CoordinatorFailureSuite) TestConstructorRequiresCollaborators() {
	_, err := New(nil, s.auditor)
	s.Error(err)
	_, err = New(s.store, nil)
	s.Error(err)
}

func (s *CoordinatorFailureSuite) TestConsumeStoreUnavailable() {
	s.store.EXPECT().FindByTokenHash(gomock.Any(), gomock.Any()).Return(nil, errors.New("connection refused"))

	_, err := s.coord.Consume(context.Background(), "tok", s.alice)
	s.True(dErrors.HasCode(err, dErrors.CodeUnavailable))
}

func (s *CoordinatorFailureSuite) TestConsumeCASUnavailable() {
	sess := &models.Session{
		ID:          "4b0b7c8e-0d9c-4e0e-9a55-0f4c1f4f3e2a",
		RequesterID: "sa-alice",
		ApproverID:  "sa-bob",
		State:       models.StateApproved,
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	s.store.EXPECT().FindByTokenHash(gomock.Any(), models.HashToken("tok")).Return(sess, nil)
	s.store.EXPECT().CompareAndSwap(gomock.Any(), sess.ID, models.StateApproved, models.StateUsed, gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ string, _, _ models.State, _ time.Time) error {
			<-ctx.Done()
			return ctx.Err()
		})

	_, err := s.coord.Consume(context.Background(), "tok", s.alice)
	s.True(dErrors.HasCode(err, dErrors.CodeUnavailable), "a timed out swap is never a success")
}

func (s *CoordinatorFailureSuite) TestConsumeLostRaceReadsWinner() {
	sess := &models.Session{
		ID:          "4b0b7c8e-0d9c-4e0e-9a55-0f4c1f4f3e2a",
		RequesterID: "sa-alice",
		ApproverID:  "sa-bob",
		State:       models.StateApproved,
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	used := *sess
	used.State = models.StateUsed
	s.store.EXPECT().FindByTokenHash(gomock.Any(), gomock.Any()).Return(sess, nil)
	s.store.EXPECT().CompareAndSwap(gomock.Any(), sess.ID, models.StateApproved, models.StateUsed, gomock.Any()).
		Return(sentinel.ErrConflict)
	s.store.EXPECT().FindByID(gomock.Any(), sess.ID).Return(&used, nil)

	_, err := s.coord.Consume(context.Background(), "tok", s.alice)
	s.ErrorIs(err, ErrBreakGlassAlreadyUsed)
}

func (s *CoordinatorFailureSuite) TestNotifierFailureDoesNotBlockRequest() {
	s.store.EXPECT().Create(gomock.Any(), gomock.Any()).Return(nil)
	s.notifier.EXPECT().NotifyApprover(gomock.Any(), gomock.Any()).Return(errors.New("queue down"))

	req, err := s.coord.Request(context.Background(), s.alice, RequestInput{ApproverID: "sa-bob", Reason: validReason, Duration: 30 * time.Minute})
	s.Require().NoError(err)
	s.NotEmpty(req.Token)
	s.coord.Wait()
}

func (s *CoordinatorFailureSuite) TestCreateUnavailable() {
	s.store.EXPECT().Create(gomock.Any(), gomock.Any()).Return(errors.New("connection refused"))

	_, err := s.coord.Request(context.Background(), s.alice, RequestInput{ApproverID: "sa-bob", Reason: validReason, Duration: 30 * time.Minute})
	s.True(dErrors.HasCode(err, dErrors.CodeUnavailable))
}
