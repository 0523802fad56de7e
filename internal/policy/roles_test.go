package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompareRole(t *testing.T) {
	roles := Roles()
	for i, a := range roles {
		for j, b := range roles {
			got := CompareRole(a, b)
			switch {
			case i < j:
				assert.Equal(t, -1, got, "%s vs %s", a, b)
			case i > j:
				assert.Equal(t, 1, got, "%s vs %s", a, b)
			default:
				assert.Equal(t, 0, got, "%s vs %s", a, b)
			}
		}
	}

	t.Run("invalid role ranks below user", func(t *testing.T) {
		assert.Equal(t, -1, CompareRole(Role(0), RoleUser))
		assert.Equal(t, -1, CompareRole(Role(42), RoleUser))
		assert.False(t, Role(42).AtLeast(RoleUser))
	})
}

func TestParseRole(t *testing.T) {
	for _, r := range Roles() {
		parsed, err := ParseRole(r.String())
		require.NoError(t, err)
		assert.Equal(t, r, parsed)
	}

	for _, bad := range []string{"", "admin", "SUPER_ADMIN", "super_admin "} {
		_, err := ParseRole(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseTier(t *testing.T) {
	tier, err := ParseTier("pro")
	require.NoError(t, err)
	assert.Equal(t, TierPro, tier)

	tier, err = ParseTier("")
	require.NoError(t, err)
	assert.Equal(t, TierNone, tier)

	_, err = ParseTier("platinum")
	assert.Error(t, err)
}

func TestPermissionsOf(t *testing.T) {
	t.Run("higher roles inherit lower grants", func(t *testing.T) {
		roles := Roles()
		for i := 1; i < len(roles); i++ {
			lower, higher := PermissionsOf(roles[i-1]), PermissionsOf(roles[i])
			assert.True(t, higher.Contains(lower), "%s should contain %s", roles[i], roles[i-1])
			assert.Greater(t, higher.Len(), lower.Len())
		}
	})

	t.Run("destructive permissions are super_admin only", func(t *testing.T) {
		deleteUsers, err := NewPermissionSet(PermUsersDelete)
		require.NoError(t, err)
		assert.False(t, PermissionsOf(RoleOrgAdmin).Contains(deleteUsers))
		assert.True(t, PermissionsOf(RoleSuperAdmin).Contains(deleteUsers))
	})

	t.Run("unknown permission rejected", func(t *testing.T) {
		_, err := NewPermissionSet("users:teleport")
		assert.Error(t, err)
	})

	t.Run("invalid role has no permissions", func(t *testing.T) {
		assert.Equal(t, 0, PermissionsOf(Role(0)).Len())
	})

	t.Run("set expands back to strings", func(t *testing.T) {
		set, err := NewPermissionSet(PermUsersRead, PermAuditRead)
		require.NoError(t, err)
		assert.Equal(t, []Permission{PermAuditRead, PermUsersRead}, set.Permissions())
	})
}
