// Package storetest holds the behaviour every break-glass store must share.
// Store packages run it against their own implementation.
package storetest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"gatekeeper/internal/breakglass/models"
	"gatekeeper/internal/breakglass/ports"
	"gatekeeper/internal/sentinel"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Suite exercises a ports.Store. NewStore is called before every test.
type Suite struct {
	suite.Suite
	NewStore func() ports.Store
	store    ports.Store
}

func (s *Suite) SetupTest() {
	s.store = s.NewStore()
}

func (s *Suite) newSession(state models.State, ttl time.Duration) *models.Session {
	_, hash, err := models.NewToken()
	s.Require().NoError(err)
	return &models.Session{
		ID:          uuid.NewString(),
		TokenHash:   hash,
		RequesterID: "sa-alice",
		ApproverID:  "sa-bob",
		Reason:      "production database is corrupting writes",
		State:       state,
		CreatedAt:   base,
		ExpiresAt:   base.Add(ttl),
		UpdatedAt:   base,
	}
}

func (s *Suite) TestCreateAndFind() {
	ctx := context.Background()
	sess := s.newSession(models.StateRequested, 30*time.Minute)
	s.Require().NoError(s.store.Create(ctx, sess))

	byID, err := s.store.FindByID(ctx, sess.ID)
	s.Require().NoError(err)
	s.Equal(sess.RequesterID, byID.RequesterID)
	s.Equal(sess.ApproverID, byID.ApproverID)
	s.Equal(sess.Reason, byID.Reason)
	s.Equal(models.StateRequested, byID.State)
	s.True(sess.ExpiresAt.Equal(byID.ExpiresAt))

	byToken, err := s.store.FindByTokenHash(ctx, sess.TokenHash)
	s.Require().NoError(err)
	s.Equal(sess.ID, byToken.ID)

	_, err = s.store.FindByID(ctx, uuid.NewString())
	s.ErrorIs(err, sentinel.ErrNotFound)
	_, err = s.store.FindByTokenHash(ctx, models.HashToken("unknown"))
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *Suite) TestCreateRejectsDuplicateToken() {
	ctx := context.Background()
	first := s.newSession(models.StateRequested, 30*time.Minute)
	s.Require().NoError(s.store.Create(ctx, first))

	second := s.newSession(models.StateRequested, 30*time.Minute)
	second.TokenHash = first.TokenHash
	s.ErrorIs(s.store.Create(ctx, second), sentinel.ErrConflict)
}

func (s *Suite) TestCompareAndSwap() {
	ctx := context.Background()
	sess := s.newSession(models.StateRequested, 30*time.Minute)
	s.Require().NoError(s.store.Create(ctx, sess))

	s.Run("matching from state transitions", func() {
		s.Require().NoError(s.store.CompareAndSwap(ctx, sess.ID, models.StateRequested, models.StateApproved, base.Add(time.Minute)))
		got, err := s.store.FindByID(ctx, sess.ID)
		s.Require().NoError(err)
		s.Equal(models.StateApproved, got.State)
	})

	s.Run("stale from state conflicts and leaves state alone", func() {
		err := s.store.CompareAndSwap(ctx, sess.ID, models.StateRequested, models.StateDenied, base.Add(2*time.Minute))
		s.ErrorIs(err, sentinel.ErrConflict)
		got, err := s.store.FindByID(ctx, sess.ID)
		s.Require().NoError(err)
		s.Equal(models.StateApproved, got.State)
	})

	s.Run("unknown session is not found", func() {
		err := s.store.CompareAndSwap(ctx, uuid.NewString(), models.StateApproved, models.StateUsed, base)
		s.ErrorIs(err, sentinel.ErrNotFound)
	})
}

// Justification: a read just before expiry must not turn into a use just
// after it, so the expiry check belongs to the swap itself.
func (s *Suite) TestCompareAndSwapChecksExpiry() {
	ctx := context.Background()
	sess := s.newSession(models.StateApproved, 10*time.Minute)
	s.Require().NoError(s.store.Create(ctx, sess))

	s.Run("use at the expiry instant is refused", func() {
		err := s.store.CompareAndSwap(ctx, sess.ID, models.StateApproved, models.StateUsed, sess.ExpiresAt)
		s.ErrorIs(err, sentinel.ErrExpired)
		got, err := s.store.FindByID(ctx, sess.ID)
		s.Require().NoError(err)
		s.Equal(models.StateApproved, got.State)
	})

	s.Run("expiring is allowed after expiry", func() {
		err := s.store.CompareAndSwap(ctx, sess.ID, models.StateApproved, models.StateExpired, sess.ExpiresAt.Add(time.Second))
		s.Require().NoError(err)
		got, err := s.store.FindByID(ctx, sess.ID)
		s.Require().NoError(err)
		s.Equal(models.StateExpired, got.State)
	})

	s.Run("use just before expiry succeeds", func() {
		live := s.newSession(models.StateApproved, 10*time.Minute)
		s.Require().NoError(s.store.Create(ctx, live))
		s.NoError(s.store.CompareAndSwap(ctx, live.ID, models.StateApproved, models.StateUsed, live.ExpiresAt.Add(-time.Microsecond)))
	})

	s.Run("decision after expiry is refused", func() {
		pending := s.newSession(models.StateRequested, 10*time.Minute)
		s.Require().NoError(s.store.Create(ctx, pending))
		err := s.store.CompareAndSwap(ctx, pending.ID, models.StateRequested, models.StateApproved, pending.ExpiresAt.Add(time.Minute))
		s.ErrorIs(err, sentinel.ErrExpired)
	})
}

// Justification: the single-use guarantee rests entirely on this primitive.
func (s *Suite) TestCompareAndSwapSingleWinner() {
	ctx := context.Background()
	sess := s.newSession(models.StateApproved, 30*time.Minute)
	s.Require().NoError(s.store.Create(ctx, sess))

	const callers = 32
	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := s.store.CompareAndSwap(ctx, sess.ID, models.StateApproved, models.StateUsed, base.Add(time.Minute))
			switch {
			case err == nil:
				wins.Add(1)
			case sentinel.IsConflict(err):
				conflicts.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	s.Equal(int32(1), wins.Load())
	s.Equal(int32(callers-1), conflicts.Load())
}

func (s *Suite) TestExpireOpen() {
	ctx := context.Background()
	stale := s.newSession(models.StateApproved, 10*time.Minute)
	pending := s.newSession(models.StateRequested, 10*time.Minute)
	fresh := s.newSession(models.StateRequested, 50*time.Minute)
	used := s.newSession(models.StateApproved, 10*time.Minute)
	for _, sess := range []*models.Session{stale, pending, fresh, used} {
		s.Require().NoError(s.store.Create(ctx, sess))
	}
	s.Require().NoError(s.store.CompareAndSwap(ctx, used.ID, models.StateApproved, models.StateUsed, base.Add(time.Minute)))

	ids, err := s.store.ExpireOpen(ctx, base.Add(20*time.Minute))
	s.Require().NoError(err)
	s.ElementsMatch([]string{stale.ID, pending.ID}, ids)

	for id, want := range map[string]models.State{
		stale.ID:   models.StateExpired,
		pending.ID: models.StateExpired,
		fresh.ID:   models.StateRequested,
		used.ID:    models.StateUsed,
	} {
		got, err := s.store.FindByID(ctx, id)
		s.Require().NoError(err)
		s.Equal(want, got.State)
	}

	ids, err = s.store.ExpireOpen(ctx, base.Add(20*time.Minute))
	s.Require().NoError(err)
	s.Empty(ids, "second sweep finds nothing")
}
