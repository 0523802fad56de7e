package evaluator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	auditmodels "gatekeeper/internal/audit/models"
	auditservice "gatekeeper/internal/audit/service"
	"gatekeeper/internal/audit/signing"
	auditmemory "gatekeeper/internal/audit/store/memory"
	"gatekeeper/internal/authz/mocks"
	"gatekeeper/internal/authz/models"
	bgservice "gatekeeper/internal/breakglass/service"
	"gatekeeper/internal/breakglass/store/sessions"
	"gatekeeper/internal/policy"
	rlconfig "gatekeeper/internal/ratelimit/config"
	rlmodels "gatekeeper/internal/ratelimit/models"
	rlservice "gatekeeper/internal/ratelimit/service"
	"gatekeeper/internal/ratelimit/store/bucket"
	"gatekeeper/internal/session"
	dErrors "gatekeeper/pkg/domain-errors"
	"gatekeeper/pkg/requestcontext"
	"gatekeeper/pkg/testutil"
)

const reason25 = "payments ledger is stuck." // 25 characters

var (
	adminRoute = policy.RoutePolicy{
		Pattern:        "/v1/admin/users/{id}",
		Method:         http.MethodGet,
		MinRole:        policy.RoleSuperAdmin,
		MFARequired:    true,
		RateLimitClass: rlmodels.ClassAdmin,
	}
	destructiveRoute = policy.RoutePolicy{
		Pattern:        "/v1/admin/orgs/{id}",
		Method:         http.MethodDelete,
		MinRole:        policy.RoleSuperAdmin,
		MFARequired:    true,
		Destructive:    true,
		RateLimitClass: rlmodels.ClassAdmin,
	}
	memberRoute = policy.RoutePolicy{
		Pattern:        "/v1/content/*",
		Method:         "*",
		MinRole:        policy.RoleOrgMember,
		RateLimitClass: rlmodels.ClassAuthenticated,
	}
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// =============================================================================
// Evaluator Decision Suite
// =============================================================================
// Justification: the evaluator is where the security rules interact. These
// tests run it against the real rate limiter, break-glass coordinator, and
// audit logger so each scenario exercises the whole decision path.

type EvaluatorSuite struct {
	suite.Suite
	sink    *auditmemory.Store
	coord   *bgservice.Coordinator
	eval    *Evaluator
	ctx     context.Context
	alice   *session.Context // super_admin, MFA
	aliceLo *session.Context // same subject on an org_admin session
	bob     *session.Context // super_admin, MFA
}

func TestEvaluatorSuite(t *testing.T) {
	suite.Run(t, new(EvaluatorSuite))
}

func (s *EvaluatorSuite) SetupTest() {
	keyring, err := signing.NewKeyring(map[string][]byte{"k1": []byte("evaluator-test-secret")}, "k1")
	s.Require().NoError(err)
	s.sink = auditmemory.New()
	auditor, err := auditservice.New(s.sink, keyring, auditservice.WithLogger(discard()))
	s.Require().NoError(err)

	cfg := rlconfig.DefaultConfig()
	cfg.Limits[rlmodels.ClassAuthenticated] = rlmodels.Limit{RequestsPerWindow: 100, Window: 60 * time.Second}
	limiter, err := rlservice.New(bucket.NewInMemoryBucketStore(), rlservice.WithConfig(cfg), rlservice.WithLogger(discard()))
	s.Require().NoError(err)

	s.coord, err = bgservice.New(sessions.NewInMemory(), auditor, bgservice.WithLogger(discard()))
	s.Require().NoError(err)

	s.eval, err = New(limiter, auditor, WithLogger(discard()), WithBreakGlass(s.coord))
	s.Require().NoError(err)

	s.ctx = requestcontext.WithTime(context.Background(), testutil.FixedNow)
	s.alice = testutil.NewSessionBuilder().WithSubject("sa-alice").WithRole(policy.RoleSuperAdmin).WithMFA().Build()
	s.aliceLo = testutil.NewSessionBuilder().WithSubject("sa-alice").WithRole(policy.RoleOrgAdmin).Build()
	s.bob = testutil.NewSessionBuilder().WithSubject("sa-bob").WithRole(policy.RoleSuperAdmin).WithMFA().Build()
}

func (s *EvaluatorSuite) request(sess *session.Context, p policy.RoutePolicy, token string) models.Request {
	return models.Request{
		Session:         sess,
		Policy:          p,
		Method:          p.Method,
		Path:            "/v1/admin/orgs/org-7",
		BreakGlassToken: token,
		ClientIP:        "192.0.2.10",
	}
}

// approvedToken runs alice's request through bob's approval.
func (s *EvaluatorSuite) approvedToken() string {
	req, err := s.coord.Request(s.ctx, s.alice, bgservice.RequestInput{ApproverID: "sa-bob", Reason: reason25, Duration: 30 * time.Minute})
	s.Require().NoError(err)
	_, err = s.coord.Approve(s.ctx, s.bob, req.Token)
	s.Require().NoError(err)
	return req.Token
}

func (s *EvaluatorSuite) decisions() []auditmodels.Event {
	all, err := s.sink.Query(context.Background(), auditmodels.Query{Limit: auditmodels.MaxQueryLimit})
	s.Require().NoError(err)
	var out []auditmodels.Event
	for _, e := range all {
		if e.Action == ActionDecision {
			out = append(out, e)
		}
	}
	return out
}

func (s *EvaluatorSuite) lastDecision() auditmodels.Event {
	events := s.decisions()
	s.Require().NotEmpty(events)
	return events[len(events)-1]
}

func (s *EvaluatorSuite) TestScenarioA_InsufficientRole() {
	orgAdmin := testutil.NewSessionBuilder().WithRole(policy.RoleOrgAdmin).WithMFA().Build()

	d := s.eval.Evaluate(s.ctx, s.request(orgAdmin, adminRoute, ""))

	s.False(d.Allowed)
	s.Equal(http.StatusForbidden, d.Status)
	s.Equal(models.ReasonForbidden, d.Reason)
	s.Equal(models.CategoryInsufficientRole, d.Category)

	e := s.lastDecision()
	s.Equal(auditmodels.SeverityWarning, e.Severity)
	s.Equal("INSUFFICIENT_ROLE", e.Category)
	s.Equal(auditmodels.DecisionDeny, e.Decision)
	s.Equal(orgAdmin.SubjectID, e.ActorID)
}

func (s *EvaluatorSuite) TestScenarioB_SuperAdminWithMFA() {
	d := s.eval.Evaluate(s.ctx, s.request(s.alice, adminRoute, ""))

	s.True(d.Allowed)
	s.Equal(http.StatusOK, d.Status)
	s.False(d.Elevated)
	s.Equal(auditmodels.SeverityInfo, s.lastDecision().Severity)
}

func (s *EvaluatorSuite) TestScenarioC_ParallelConsumeSingleWinner() {
	token := s.approvedToken()

	results := make([]models.Decision, 2)
	testutil.RunConcurrent(2, func(idx int) error {
		results[idx] = s.eval.Evaluate(s.ctx, s.request(s.aliceLo, adminRoute, token))
		return nil
	})

	var allowed, alreadyUsed int
	for _, d := range results {
		switch {
		case d.Allowed:
			allowed++
			s.True(d.Elevated)
		case d.Category == models.CategoryBreakGlassAlreadyUsed:
			alreadyUsed++
		}
	}
	s.Equal(1, allowed)
	s.Equal(1, alreadyUsed)

	var critical int
	for _, e := range s.decisions() {
		if e.Severity == auditmodels.SeverityCritical {
			critical++
		}
	}
	s.Equal(2, critical, "elevated allow and break-glass denial are both critical")
}

func (s *EvaluatorSuite) TestScenarioD_DestructiveBlocksBreakGlass() {
	token := s.approvedToken()

	d := s.eval.Evaluate(s.ctx, s.request(s.alice, destructiveRoute, token))
	s.False(d.Allowed)
	s.Equal(models.CategoryDestructiveBlocked, d.Category)
	s.Equal(auditmodels.SeverityCritical, s.lastDecision().Severity)

	d = s.eval.Evaluate(s.ctx, s.request(s.aliceLo, destructiveRoute, token))
	s.Equal(models.CategoryDestructiveBlocked, d.Category, "insufficient role with a token is still blocked")

	d = s.eval.Evaluate(s.ctx, s.request(s.aliceLo, adminRoute, token))
	s.True(d.Allowed, "blocked attempts did not spend the token")
	s.True(d.Elevated)
}

func (s *EvaluatorSuite) TestDestructiveRequiresDirectSuperAdminWithMFA() {
	d := s.eval.Evaluate(s.ctx, s.request(s.alice, destructiveRoute, ""))
	s.True(d.Allowed)
	s.Equal(auditmodels.SeverityCritical, s.lastDecision().Severity)

	noMFA := testutil.NewSessionBuilder().WithRole(policy.RoleSuperAdmin).Build()
	d = s.eval.Evaluate(s.ctx, s.request(noMFA, destructiveRoute, ""))
	s.Equal(models.CategoryMFANotVerified, d.Category)

	lowered := destructiveRoute
	lowered.MinRole = policy.RoleOrgAdmin
	orgAdmin := testutil.NewSessionBuilder().WithRole(policy.RoleOrgAdmin).WithMFA().Build()
	d = s.eval.Evaluate(s.ctx, s.request(orgAdmin, lowered, ""))
	s.Equal(models.CategoryDestructiveBlocked, d.Category, "role sufficiency alone does not unlock destructive routes")
}

func (s *EvaluatorSuite) TestMFARequired() {
	noMFA := testutil.NewSessionBuilder().WithRole(policy.RoleSuperAdmin).Build()

	d := s.eval.Evaluate(s.ctx, s.request(noMFA, adminRoute, ""))

	s.False(d.Allowed)
	s.Equal(http.StatusForbidden, d.Status)
	s.Equal(models.CategoryMFANotVerified, d.Category)
	s.Equal(auditmodels.SeverityWarning, s.lastDecision().Severity)
}

func (s *EvaluatorSuite) TestElevationSatisfiesMFA() {
	token := s.approvedToken()

	d := s.eval.Evaluate(s.ctx, s.request(s.aliceLo, adminRoute, token))

	s.True(d.Allowed)
	s.True(d.Elevated)
	s.NotEmpty(d.BreakGlassSessionID)
	e := s.lastDecision()
	s.Equal(auditmodels.SeverityCritical, e.Severity)
	s.Equal("true", e.Details["elevated"])
	s.Equal(d.BreakGlassSessionID, e.Details["break_glass_session_id"])
}

func (s *EvaluatorSuite) TestTokenIgnoredWhenRoleSuffices() {
	token := s.approvedToken()

	d := s.eval.Evaluate(s.ctx, s.request(s.alice, adminRoute, token))
	s.True(d.Allowed)
	s.False(d.Elevated)

	d = s.eval.Evaluate(s.ctx, s.request(s.aliceLo, adminRoute, token))
	s.True(d.Elevated, "token is still available")
}

func (s *EvaluatorSuite) TestBreakGlassFailures() {
	s.Run("unknown token", func() {
		d := s.eval.Evaluate(s.ctx, s.request(s.aliceLo, adminRoute, "not-a-token"))
		s.Equal(models.CategoryBreakGlassDenied, d.Category)
		s.Equal(models.ReasonForbidden, d.Reason)
	})
	s.Run("token of another subject", func() {
		token := s.approvedToken()
		other := testutil.NewSessionBuilder().WithRole(policy.RoleOrgAdmin).Build()
		d := s.eval.Evaluate(s.ctx, s.request(other, adminRoute, token))
		s.Equal(models.CategoryBreakGlassDenied, d.Category)
	})
	s.Run("expired token", func() {
		token := s.approvedToken()
		later := requestcontext.WithTime(context.Background(), testutil.FixedNow.Add(31*time.Minute))
		fresh := testutil.NewSessionBuilder().WithSubject("sa-alice").WithRole(policy.RoleOrgAdmin).Build()
		fresh.ExpiresAt = testutil.FixedNow.Add(2 * time.Hour)
		d := s.eval.Evaluate(later, s.request(fresh, adminRoute, token))
		s.Equal(models.CategoryBreakGlassExpired, d.Category)
		s.Equal(http.StatusForbidden, d.Status)
	})
}

func (s *EvaluatorSuite) TestUnauthenticated() {
	cases := []struct {
		name string
		sess *session.Context
	}{
		{"no session", nil},
		{"expired session", testutil.NewSessionBuilder().Expired().Build()},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			d := s.eval.Evaluate(s.ctx, s.request(tc.sess, memberRoute, ""))
			s.Equal(http.StatusUnauthorized, d.Status)
			s.Equal(models.ReasonUnauthenticated, d.Reason)
			s.Equal(models.CategoryUnauthenticated, d.Category)
		})
	}
	s.Equal(auditservice.AnonymousActor, s.decisions()[0].ActorID)
}

func (s *EvaluatorSuite) TestUnknownRouteDeniesAll() {
	member := testutil.NewSessionBuilder().WithMFA().Build()
	d := s.eval.Evaluate(s.ctx, s.request(member, policy.DenyAll(), ""))
	s.Equal(models.CategoryInsufficientRole, d.Category)
	s.Equal("implicit_deny_all", s.lastDecision().Details["route"])
}

func (s *EvaluatorSuite) TestMissingPermission() {
	perms, err := policy.NewPermissionSet(policy.PermUsersRead)
	s.Require().NoError(err)
	p := memberRoute
	p.RequiredPermissions = perms
	member := testutil.NewSessionBuilder().Build()

	d := s.eval.Evaluate(s.ctx, s.request(member, p, ""))

	s.Equal(models.CategoryInsufficientPermission, d.Category)
	s.Equal(models.ReasonForbidden, d.Reason)
}

func (s *EvaluatorSuite) TestRateLimitWindow() {
	member := testutil.NewSessionBuilder().Build()
	req := s.request(member, memberRoute, "")

	for i := 1; i <= 100; i++ {
		d := s.eval.Evaluate(s.ctx, req)
		s.Require().True(d.Allowed, "request %d", i)
	}

	d := s.eval.Evaluate(s.ctx, req)
	s.False(d.Allowed)
	s.Equal(http.StatusTooManyRequests, d.Status)
	s.Equal(models.CategoryRateLimited, d.Category)
	s.Require().NotNil(d.RateLimit)
	s.Positive(d.RateLimit.RetryAfter)

	later := requestcontext.WithTime(context.Background(), testutil.FixedNow.Add(61*time.Second))
	s.True(s.eval.Evaluate(later, req).Allowed)
}

func (s *EvaluatorSuite) TestTierNeverAffectsDecision() {
	free := testutil.NewSessionBuilder().WithRole(policy.RoleSuperAdmin).WithMFA().WithTier(policy.TierFree).Build()
	enterprise := testutil.NewSessionBuilder().WithRole(policy.RoleOrgMember).WithMFA().WithTier(policy.TierEnterprise).Build()

	s.True(s.eval.Evaluate(s.ctx, s.request(free, adminRoute, "")).Allowed)
	s.Equal("free", s.lastDecision().Details["tier"])
	s.Equal(models.CategoryInsufficientRole, s.eval.Evaluate(s.ctx, s.request(enterprise, adminRoute, "")).Category)
}

// =============================================================================
// Evaluator Failure Suite
// =============================================================================
// Justification: dependency failures must resolve to denials without retries,
// and the audit failure policy must be applied exactly as configured.

type EvaluatorFailureSuite struct {
	suite.Suite
	ctrl    *gomock.Controller
	limiter *mocks.MockRateLimiter
	bg      *mocks.MockBreakGlass
	auditor *mocks.MockAuditor
	ctx     context.Context
	admin   *session.Context
}

func TestEvaluatorFailureSuite(t *testing.T) {
	suite.Run(t, new(EvaluatorFailureSuite))
}

func (s *EvaluatorFailureSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.limiter = mocks.NewMockRateLimiter(s.ctrl)
	s.bg = mocks.NewMockBreakGlass(s.ctrl)
	s.auditor = mocks.NewMockAuditor(s.ctrl)
	s.ctx = requestcontext.WithTime(context.Background(), testutil.FixedNow)
	s.admin = testutil.NewSessionBuilder().WithRole(policy.RoleSuperAdmin).WithMFA().Build()
}

func (s *EvaluatorFailureSuite) TearDownTest() {
	s.ctrl.Finish()
}

func (s *EvaluatorFailureSuite) evaluator(opts ...Option) *Evaluator {
	e, err := New(s.limiter, s.auditor, append([]Option{WithLogger(discard()), WithBreakGlass(s.bg)}, opts...)...)
	s.Require().NoError(err)
	return e
}

func (s *EvaluatorFailureSuite) allowResult() *rlmodels.RateLimitResult {
	return &rlmodels.RateLimitResult{Allowed: true, Limit: 200, Remaining: 199, ResetAt: testutil.FixedNow.Add(time.Minute)}
}

func (s *EvaluatorFailureSuite) req(sess *session.Context, token string) models.Request {
	return models.Request{Session: sess, Policy: adminRoute, Method: http.MethodGet, Path: "/v1/admin/users/u1", BreakGlassToken: token, ClientIP: "192.0.2.1"}
}

func (s *EvaluatorFailureSuite) TestConstructorRequiresCollaborators() {
	_, err := New(nil, s.auditor)
	s.Error(err)
	_, err = New(s.limiter, nil)
	s.Error(err)
}

func (s *EvaluatorFailureSuite) TestRateLimitStoreFailureDenies() {
	s.limiter.EXPECT().TryConsume(gomock.Any(), gomock.Any()).
		Return(nil, dErrors.Wrap(context.DeadlineExceeded, dErrors.CodeUnavailable, "rate limit store unavailable"))
	s.auditor.EXPECT().Emit(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, e auditmodels.Event) (auditmodels.Event, error) {
		s.Equal("DEPENDENCY_UNAVAILABLE", e.Category)
		s.Equal(auditmodels.SeverityWarning, e.Severity)
		return e, nil
	})

	d := s.evaluator().Evaluate(s.ctx, s.req(s.admin, ""))

	s.False(d.Allowed)
	s.Equal(http.StatusServiceUnavailable, d.Status)
	s.Equal(models.ReasonUnavailable, d.Reason)
}

func (s *EvaluatorFailureSuite) TestRateLimitKeyBySubject() {
	s.limiter.EXPECT().TryConsume(gomock.Any(), rlmodels.KeyFor(rlmodels.ClassAdmin, s.admin.SubjectID, "")).Return(s.allowResult(), nil)
	s.auditor.EXPECT().Emit(gomock.Any(), gomock.Any()).Return(auditmodels.Event{}, nil)

	d := s.evaluator().Evaluate(s.ctx, s.req(s.admin, ""))
	s.True(d.Allowed)
}

func (s *EvaluatorFailureSuite) TestBreakGlassStoreFailureDenies() {
	lowered := testutil.NewSessionBuilder().WithRole(policy.RoleOrgAdmin).Build()
	s.bg.EXPECT().Consume(gomock.Any(), "tok", lowered).
		Return(nil, dErrors.Wrap(errors.New("dial tcp: i/o timeout"), dErrors.CodeUnavailable, "break-glass store unavailable"))
	s.auditor.EXPECT().Emit(gomock.Any(), gomock.Any()).Return(auditmodels.Event{}, nil)

	d := s.evaluator().Evaluate(s.ctx, s.req(lowered, "tok"))

	s.Equal(models.CategoryDependencyUnavailable, d.Category)
	s.Equal(http.StatusServiceUnavailable, d.Status)
}

func (s *EvaluatorFailureSuite) TestTokenWithoutBreakGlassIsDenied() {
	e, err := New(s.limiter, s.auditor, WithLogger(discard()))
	s.Require().NoError(err)
	s.auditor.EXPECT().Emit(gomock.Any(), gomock.Any()).Return(auditmodels.Event{}, nil)

	lowered := testutil.NewSessionBuilder().WithRole(policy.RoleOrgAdmin).Build()
	d := e.Evaluate(s.ctx, s.req(lowered, "tok"))
	s.Equal(models.CategoryBreakGlassDenied, d.Category)
}

func (s *EvaluatorFailureSuite) TestAuditDegradedFailClosed() {
	s.limiter.EXPECT().TryConsume(gomock.Any(), gomock.Any()).Return(s.allowResult(), nil)
	s.auditor.EXPECT().Emit(gomock.Any(), gomock.Any()).Return(auditmodels.Event{}, auditservice.ErrAuditWriteDegraded)

	d := s.evaluator().Evaluate(s.ctx, s.req(s.admin, ""))

	s.False(d.Allowed)
	s.Equal(models.CategoryAuditDegraded, d.Category)
	s.Equal(http.StatusServiceUnavailable, d.Status)
	s.Equal(models.ReasonUnavailable, d.Reason, "degraded audit is never named to the caller")
}

func (s *EvaluatorFailureSuite) TestAuditDegradedFailOpen() {
	s.limiter.EXPECT().TryConsume(gomock.Any(), gomock.Any()).Return(s.allowResult(), nil)
	s.auditor.EXPECT().Emit(gomock.Any(), gomock.Any()).Return(auditmodels.Event{}, auditservice.ErrAuditWriteDegraded)

	d := s.evaluator(WithFailurePolicy(auditservice.FailOpen)).Evaluate(s.ctx, s.req(s.admin, ""))

	s.True(d.Allowed)
	s.True(d.AuditDegraded)
}

func (s *EvaluatorFailureSuite) TestAuditFailureKeepsDenial() {
	member := testutil.NewSessionBuilder().Build()
	s.auditor.EXPECT().Emit(gomock.Any(), gomock.Any()).Return(auditmodels.Event{}, auditservice.ErrAuditWriteDegraded)

	d := s.evaluator(WithFailurePolicy(auditservice.FailOpen)).Evaluate(s.ctx, s.req(member, ""))

	s.False(d.Allowed)
	s.Equal(models.CategoryInsufficientRole, d.Category)
}

func (s *EvaluatorFailureSuite) TestDeniedRateLimitCarriesResult() {
	result := &rlmodels.RateLimitResult{Allowed: false, Limit: 200, ResetAt: testutil.FixedNow.Add(30 * time.Second), RetryAfter: 30}
	s.limiter.EXPECT().TryConsume(gomock.Any(), gomock.Any()).Return(result, nil)
	s.auditor.EXPECT().Emit(gomock.Any(), gomock.Any()).Return(auditmodels.Event{}, nil)

	d := s.evaluator().Evaluate(s.ctx, s.req(s.admin, ""))

	s.Equal(models.CategoryRateLimited, d.Category)
	s.Same(result, d.RateLimit)
}
