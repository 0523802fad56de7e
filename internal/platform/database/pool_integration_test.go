//go:build integration

package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatekeeper/pkg/testutil/containers"
)

func TestNewMigratesAndReportsHealth(t *testing.T) {
	pg := containers.GetManager().GetPostgres(t)
	ctx := context.Background()

	pool, err := New(ctx, DefaultConfig(pg.DSN))
	require.NoError(t, err)
	defer pool.Close()

	require.NoError(t, pool.Health(ctx))
	for _, table := range []string{"audit_events", "break_glass_sessions", "rate_limit_counters"} {
		var exists bool
		err := pool.DB().QueryRowContext(ctx, `SELECT to_regclass($1) IS NOT NULL`, table).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, table)
	}

	// Migrations are idempotent.
	again, err := New(ctx, DefaultConfig(pg.DSN))
	require.NoError(t, err)
	assert.NoError(t, again.Close())
}

func TestNewWithoutURL(t *testing.T) {
	pool, err := New(context.Background(), Config{})
	assert.NoError(t, err)
	assert.Nil(t, pool)
	assert.Error(t, pool.Health(context.Background()))
}
