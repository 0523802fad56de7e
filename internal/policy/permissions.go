package policy

import (
	"math/bits"
	"sort"

	dErrors "gatekeeper/pkg/domain-errors"
)

// Permission is an atomic capability string such as "users:delete".
type Permission string

const (
	PermProfileRead       Permission = "profile:read"
	PermProfileWrite      Permission = "profile:write"
	PermContentRead       Permission = "content:read"
	PermContentWrite      Permission = "content:write"
	PermMembersRead       Permission = "members:read"
	PermMembersInvite     Permission = "members:invite"
	PermMembersManage     Permission = "members:manage"
	PermBillingRead       Permission = "billing:read"
	PermOrgSettingsWrite  Permission = "org_settings:write"
	PermUsersRead         Permission = "users:read"
	PermUsersSuspend      Permission = "users:suspend"
	PermUsersDelete       Permission = "users:delete"
	PermOrgsDelete        Permission = "orgs:delete"
	PermAuditRead         Permission = "audit:read"
	PermPoliciesReload    Permission = "policies:reload"
	PermBreakGlassRequest Permission = "break_glass:request"
	PermBreakGlassApprove Permission = "break_glass:approve"
	PermSystemConfigure   Permission = "system:configure"
)

// catalogue fixes the bit position of every permission. At most 64 entries.
var catalogue = []Permission{
	PermProfileRead,
	PermProfileWrite,
	PermContentRead,
	PermContentWrite,
	PermMembersRead,
	PermMembersInvite,
	PermMembersManage,
	PermBillingRead,
	PermOrgSettingsWrite,
	PermUsersRead,
	PermUsersSuspend,
	PermUsersDelete,
	PermOrgsDelete,
	PermAuditRead,
	PermPoliciesReload,
	PermBreakGlassRequest,
	PermBreakGlassApprove,
	PermSystemConfigure,
}

var permissionBit = func() map[Permission]uint {
	m := make(map[Permission]uint, len(catalogue))
	for i, p := range catalogue {
		m[p] = uint(i)
	}
	return m
}()

// PermissionSet is a bitset over the permission catalogue.
type PermissionSet uint64

// NewPermissionSet builds a set, rejecting permissions outside the catalogue.
func NewPermissionSet(perms ...Permission) (PermissionSet, error) {
	var set PermissionSet
	for _, p := range perms {
		bit, ok := permissionBit[p]
		if !ok {
			return 0, dErrors.New(dErrors.CodeInvalidInput, "unknown permission: "+string(p))
		}
		set |= 1 << bit
	}
	return set, nil
}

func mustPermissionSet(perms ...Permission) PermissionSet {
	set, err := NewPermissionSet(perms...)
	if err != nil {
		panic(err)
	}
	return set
}

// Contains reports whether every permission in other is present in s.
func (s PermissionSet) Contains(other PermissionSet) bool {
	return s&other == other
}

// Len returns the number of permissions in the set.
func (s PermissionSet) Len() int {
	return bits.OnesCount64(uint64(s))
}

// Permissions expands the set back to sorted permission strings.
func (s PermissionSet) Permissions() []Permission {
	out := make([]Permission, 0, s.Len())
	for i, p := range catalogue {
		if s&(1<<uint(i)) != 0 {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// grants lists what each role adds on top of the role below it.
var grants = map[Role][]Permission{
	RoleUser:       {PermProfileRead, PermProfileWrite, PermContentRead},
	RoleOrgMember:  {PermContentWrite, PermMembersRead},
	RoleOrgManager: {PermMembersInvite, PermBillingRead},
	RoleOrgAdmin:   {PermMembersManage, PermOrgSettingsWrite, PermUsersRead},
	RoleSuperAdmin: {
		PermUsersSuspend, PermUsersDelete, PermOrgsDelete, PermAuditRead,
		PermPoliciesReload, PermBreakGlassRequest, PermBreakGlassApprove, PermSystemConfigure,
	},
}

// rolePermissions is computed once: each role holds its own grants plus every lower role's.
var rolePermissions = func() [RoleSuperAdmin + 1]PermissionSet {
	var out [RoleSuperAdmin + 1]PermissionSet
	var acc PermissionSet
	for _, r := range Roles() {
		acc |= mustPermissionSet(grants[r]...)
		out[r] = acc
	}
	return out
}()

// PermissionsOf returns the precomputed permission set for a role.
func PermissionsOf(r Role) PermissionSet {
	if !r.IsValid() {
		return 0
	}
	return rolePermissions[r]
}
