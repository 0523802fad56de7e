package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatekeeper/internal/audit/models"
)

func TestStoreQuery(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := New()

	require.NoError(t, s.Append(ctx, models.Event{ID: "1", ActorID: "a", Resource: "r1", Timestamp: base.Add(2 * time.Second), Sequence: 2}))
	require.NoError(t, s.Append(ctx, models.Event{ID: "2", ActorID: "a", Resource: "r2", Timestamp: base.Add(time.Second), Sequence: 1}))
	require.NoError(t, s.Append(ctx, models.Event{ID: "3", ActorID: "b", Resource: "r1", Timestamp: base.Add(3 * time.Second), Sequence: 1}))

	t.Run("by actor ordered by time", func(t *testing.T) {
		events, err := s.Query(ctx, models.Query{ActorID: "a"})
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "2", events[0].ID)
		assert.Equal(t, "1", events[1].ID)
	})

	t.Run("by resource", func(t *testing.T) {
		events, err := s.Query(ctx, models.Query{Resource: "r1"})
		require.NoError(t, err)
		assert.Len(t, events, 2)
	})

	t.Run("time range is half open", func(t *testing.T) {
		events, err := s.Query(ctx, models.Query{From: base.Add(time.Second), To: base.Add(3 * time.Second)})
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "2", events[0].ID)
	})

	t.Run("limit", func(t *testing.T) {
		events, err := s.Query(ctx, models.Query{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, events, 1)
	})
}

func TestStoreAppendIsIdempotentByID(t *testing.T) {
	s := New()
	require.NoError(t, s.Append(context.Background(), models.Event{ID: "1"}))
	require.NoError(t, s.Append(context.Background(), models.Event{ID: "1"}))
	assert.Equal(t, 1, s.Len())
}

func TestStoreReturnsCopies(t *testing.T) {
	s := New()
	require.NoError(t, s.Append(context.Background(), models.Event{ID: "1", Details: map[string]string{"k": "v"}}))

	events, err := s.Query(context.Background(), models.Query{})
	require.NoError(t, err)
	events[0].Details["k"] = "tampered"

	again, err := s.Query(context.Background(), models.Query{})
	require.NoError(t, err)
	assert.Equal(t, "v", again[0].Details["k"])
}
