package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/suite"

	"gatekeeper/internal/audit/models"
	"gatekeeper/internal/audit/service"
	"gatekeeper/internal/audit/signing"
	"gatekeeper/internal/audit/store/memory"
	"gatekeeper/pkg/requestcontext"
	"gatekeeper/pkg/testutil"
)

type failingReviewer struct{}

func (failingReviewer) Query(context.Context, models.Query) ([]models.Event, error) {
	return nil, errors.New("connection refused")
}

func (failingReviewer) Verify(models.Event) error { return nil }

// =============================================================================
// Audit Review Endpoint Suite
// =============================================================================
// Justification: reviewers rely on the filters and on the per-event signature
// check to spot tampering after an incident.

type ReviewSuite struct {
	suite.Suite
	sink   *memory.Store
	logger *service.Logger
	router chi.Router
}

func TestReviewSuite(t *testing.T) {
	suite.Run(t, new(ReviewSuite))
}

func (s *ReviewSuite) SetupTest() {
	keyring, err := signing.NewKeyring(map[string][]byte{"k1": []byte("review-test-secret")}, "k1")
	s.Require().NoError(err)
	s.sink = memory.New()
	s.logger, err = service.New(s.sink, keyring)
	s.Require().NoError(err)

	s.router = chi.NewRouter()
	New(s.logger, slog.New(slog.NewTextHandler(io.Discard, nil))).Register(s.router)

	for i, actor := range []string{"sa-alice", "sa-bob", "sa-alice"} {
		ctx := requestcontext.WithTime(context.Background(), testutil.FixedNow.Add(time.Duration(i)*time.Minute))
		_, err := s.logger.Emit(ctx, models.Event{ActorID: actor, Action: "authz.decision", Resource: "GET /v1/admin/users", Severity: models.SeverityInfo})
		s.Require().NoError(err)
	}
}

func (s *ReviewSuite) get(query string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/admin/audit/events"+query, nil))
	return w
}

func (s *ReviewSuite) TestFiltersByActorAndTime() {
	w := s.get("?actor_id=sa-alice&from=" + testutil.FixedNow.Add(30*time.Second).Format(time.RFC3339))

	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	var res ListResponse
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &res))
	s.Require().Equal(1, res.Count)
	s.Equal("sa-alice", res.Events[0].ActorID)
	s.True(res.Events[0].SignatureValid)
}

func (s *ReviewSuite) TestRejectsBadFilters() {
	for _, q := range []string{"?limit=0", "?limit=1001", "?from=yesterday", "?from=2026-03-02T00:00:00Z&to=2026-03-01T00:00:00Z"} {
		s.Equal(http.StatusBadRequest, s.get(q).Code, q)
	}
}

func (s *ReviewSuite) TestStoreFailureIsUnavailable() {
	router := chi.NewRouter()
	New(failingReviewer{}, slog.New(slog.NewTextHandler(io.Discard, nil))).Register(router)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/admin/audit/events", nil))

	s.Equal(http.StatusServiceUnavailable, w.Code)
	s.NotContains(w.Body.String(), "connection refused")
}
