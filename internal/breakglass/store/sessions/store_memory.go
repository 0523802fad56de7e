// Package sessions persists break-glass sessions: in memory, in Redis, or in
// Postgres. Every implementation makes CompareAndSwap atomic for its scope.
package sessions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gatekeeper/internal/breakglass/models"
	"gatekeeper/internal/sentinel"
	psync "gatekeeper/pkg/platform/sync"
)

// InMemoryStore keeps sessions in maps for local runs and tests. It is only
// correct within one process. The map structure is guarded by mu; each
// session's mutable fields are guarded by its shard in locks.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	byToken  map[string]string
	locks    *psync.ShardedMutex
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]*models.Session),
		byToken:  make(map[string]string),
		locks:    psync.NewShardedMutex(),
	}
}

func (s *InMemoryStore) Create(_ context.Context, session *models.Session) error {
	if session == nil || session.ID == "" || session.TokenHash == "" {
		return fmt.Errorf("session with id and token hash is required: %w", sentinel.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.ID]; ok {
		return fmt.Errorf("session id exists: %w", sentinel.ErrConflict)
	}
	if _, ok := s.byToken[session.TokenHash]; ok {
		return fmt.Errorf("token hash exists: %w", sentinel.ErrConflict)
	}
	stored := *session
	s.sessions[session.ID] = &stored
	s.byToken[session.TokenHash] = session.ID
	return nil
}

func (s *InMemoryStore) FindByID(_ context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	stored, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("break-glass session not found: %w", sentinel.ErrNotFound)
	}
	return s.snapshot(stored), nil
}

func (s *InMemoryStore) FindByTokenHash(ctx context.Context, hash string) (*models.Session, error) {
	s.mu.RLock()
	id, ok := s.byToken[hash]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("break-glass session not found: %w", sentinel.ErrNotFound)
	}
	return s.FindByID(ctx, id)
}

func (s *InMemoryStore) CompareAndSwap(_ context.Context, id string, from, to models.State, at time.Time) error {
	s.mu.RLock()
	stored, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("break-glass session not found: %w", sentinel.ErrNotFound)
	}

	var err error
	s.locks.With(id, func() {
		if stored.State != from {
			err = fmt.Errorf("state is %s, want %s: %w", stored.State, from, sentinel.ErrConflict)
			return
		}
		if models.RequiresLive(from, to) && stored.IsExpired(at) {
			err = fmt.Errorf("session expired at %s: %w", stored.ExpiresAt, sentinel.ErrExpired)
			return
		}
		stored.State = to
		stored.UpdatedAt = at
	})
	return err
}

func (s *InMemoryStore) ExpireOpen(_ context.Context, now time.Time) ([]string, error) {
	s.mu.RLock()
	candidates := make([]*models.Session, 0, len(s.sessions))
	for _, stored := range s.sessions {
		candidates = append(candidates, stored)
	}
	s.mu.RUnlock()

	var expired []string
	for _, stored := range candidates {
		s.locks.With(stored.ID, func() {
			if stored.State.IsTerminal() || !stored.IsExpired(now) {
				return
			}
			stored.State = models.StateExpired
			stored.UpdatedAt = now
			expired = append(expired, stored.ID)
		})
	}
	return expired, nil
}

// Len returns the number of stored sessions.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *InMemoryStore) snapshot(stored *models.Session) *models.Session {
	var out models.Session
	s.locks.With(stored.ID, func() {
		out = *stored
	})
	return &out
}
