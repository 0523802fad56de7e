package sessions

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"gatekeeper/internal/breakglass/models"
	"gatekeeper/internal/breakglass/ports"
	"gatekeeper/internal/breakglass/store/storetest"
)

// =============================================================================
// Redis Store Conformance
// =============================================================================
// Justification: the Lua scripts are the cross-instance CAS. miniredis runs
// them in-process so the shared contract is checked without a container.

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	suite.Run(t, &storetest.Suite{NewStore: func() ports.Store {
		mr.FlushAll()
		return NewRedis(client)
	}})
}

func TestRedisStoreKeysCarryRetention(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := NewRedis(client)

	_, hash, err := models.NewToken()
	require.NoError(t, err)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sess := &models.Session{
		ID:          uuid.NewString(),
		TokenHash:   hash,
		RequesterID: "sa-alice",
		ApproverID:  "sa-bob",
		Reason:      "restore access to the billing cluster",
		State:       models.StateRequested,
		CreatedAt:   now,
		ExpiresAt:   now.Add(30 * time.Minute),
		UpdatedAt:   now,
	}
	require.NoError(t, store.Create(context.Background(), sess))

	require.Equal(t, 30*time.Minute+retainAfter, mr.TTL(sessionKey(sess.ID)))
	require.Equal(t, 30*time.Minute+retainAfter, mr.TTL(tokenKey(hash)))
	require.False(t, mr.Exists(tokenKey(sess.ID)), "token index is keyed by hash only")
}

func TestRedisStoreUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := NewRedis(client)
	mr.Close()

	_, err := store.FindByID(context.Background(), uuid.NewString())
	require.Error(t, err)
	err = store.CompareAndSwap(context.Background(), uuid.NewString(), models.StateApproved, models.StateUsed, time.Now())
	require.Error(t, err)
}
