// Package memory is an in-process audit sink for local runs and tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"gatekeeper/internal/audit/models"
)

type Store struct {
	mu     sync.RWMutex
	events []models.Event
	ids    map[string]struct{}
}

func New() *Store {
	return &Store{ids: make(map[string]struct{})}
}

func (s *Store) Append(_ context.Context, event models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.ids[event.ID]; dup {
		return nil
	}
	s.ids[event.ID] = struct{}{}
	s.events = append(s.events, cloneEvent(event))
	return nil
}

func (s *Store) Query(_ context.Context, q models.Query) ([]models.Event, error) {
	q = q.Normalized()

	s.mu.RLock()
	var out []models.Event
	for _, e := range s.events {
		if q.Matches(e) {
			out = append(out, cloneEvent(e))
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].Sequence < out[j].Sequence
	})
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Len returns the number of stored events.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

func cloneEvent(e models.Event) models.Event {
	if e.Details != nil {
		details := make(map[string]string, len(e.Details))
		for k, v := range e.Details {
			details[k] = v
		}
		e.Details = details
	}
	return e
}
