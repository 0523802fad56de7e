//go:build integration

package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"gatekeeper/internal/audit/models"
	"gatekeeper/internal/audit/signing"
	"gatekeeper/internal/audit/store/postgres"
	"gatekeeper/pkg/testutil/containers"
)

// =============================================================================
// Postgres Audit Store Integration Suite
// =============================================================================
// Justification: signatures must survive a round trip through the real column
// types (timestamptz precision, jsonb details), and the table must refuse
// in-place edits.

type PostgresStoreSuite struct {
	suite.Suite
	pg      *containers.PostgresContainer
	store   *postgres.Store
	keyring *signing.Keyring
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.pg = containers.GetManager().GetPostgres(s.T())
	s.store = postgres.New(s.pg.DB)
	kr, err := signing.NewKeyring(map[string][]byte{"k1": []byte("integration-secret-0123")}, "k1")
	s.Require().NoError(err)
	s.keyring = kr
}

func (s *PostgresStoreSuite) SetupTest() {
	s.Require().NoError(s.pg.TruncateAll(context.Background()))
}

func (s *PostgresStoreSuite) signed(actor, resource string, seq uint64, ts time.Time) models.Event {
	e := models.Event{
		ID:        uuid.NewString(),
		Sequence:  seq,
		Timestamp: ts,
		ActorID:   actor,
		Action:    "authz.decision",
		Resource:  resource,
		Severity:  models.SeverityWarning,
		Category:  "MFA_NOT_VERIFIED",
		Decision:  models.DecisionDeny,
		RequestID: "req-" + actor,
		Details:   map[string]string{"role": "org_admin"},
	}
	s.keyring.Sign(&e)
	return e
}

func (s *PostgresStoreSuite) TestRoundTripKeepsSignatureValid() {
	ctx := context.Background()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 123456000, time.UTC)
	e := s.signed("user-1", "GET /v1/a", 1, ts)

	s.Require().NoError(s.store.Append(ctx, e))
	s.Require().NoError(s.store.Append(ctx, e), "duplicate id is ignored")

	events, err := s.store.Query(ctx, models.Query{ActorID: "user-1"})
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	s.Equal(e, events[0])
	s.NoError(s.keyring.Verify(events[0]))
}

func (s *PostgresStoreSuite) TestQueryFilters() {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.Require().NoError(s.store.Append(ctx, s.signed("a", "r1", 1, base)))
	s.Require().NoError(s.store.Append(ctx, s.signed("a", "r2", 2, base.Add(time.Minute))))
	s.Require().NoError(s.store.Append(ctx, s.signed("b", "r1", 1, base.Add(2*time.Minute))))

	byResource, err := s.store.Query(ctx, models.Query{Resource: "r1"})
	s.Require().NoError(err)
	s.Len(byResource, 2)

	inRange, err := s.store.Query(ctx, models.Query{From: base.Add(time.Second), To: base.Add(2 * time.Minute)})
	s.Require().NoError(err)
	s.Require().Len(inRange, 1)
	s.Equal("r2", inRange[0].Resource)
}

func (s *PostgresStoreSuite) TestTableIsAppendOnly() {
	ctx := context.Background()
	e := s.signed("a", "r1", 1, time.Now().UTC().Truncate(time.Microsecond))
	s.Require().NoError(s.store.Append(ctx, e))

	_, err := s.pg.Exec(ctx, `UPDATE audit_events SET actor_id = 'mallory' WHERE id = $1`, e.ID)
	s.Error(err)
	_, err = s.pg.Exec(ctx, `DELETE FROM audit_events WHERE id = $1`, e.ID)
	s.Error(err)
}

func (s *PostgresStoreSuite) TestNULIsRejectedNotRetried() {
	ctx := context.Background()
	e := s.signed("a", "POST /v1/\x00", 1, time.Now().UTC().Truncate(time.Microsecond))

	err := s.store.Append(ctx, e)
	s.ErrorIs(err, models.ErrRejected)

	clean := s.signed("a", models.CleanText(e.Resource), 2, e.Timestamp.Add(time.Microsecond))
	s.NoError(s.store.Append(ctx, clean))
}
