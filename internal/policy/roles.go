package policy

import (
	dErrors "gatekeeper/pkg/domain-errors"
)

// Role is a position in the operational hierarchy. The zero value is not a role.
type Role uint8

const (
	RoleUser Role = iota + 1
	RoleOrgMember
	RoleOrgManager
	RoleOrgAdmin
	RoleSuperAdmin
)

var roleNames = [...]string{
	RoleUser:       "user",
	RoleOrgMember:  "org_member",
	RoleOrgManager: "org_manager",
	RoleOrgAdmin:   "org_admin",
	RoleSuperAdmin: "super_admin",
}

// Roles lists every role from lowest to highest.
func Roles() []Role {
	return []Role{RoleUser, RoleOrgMember, RoleOrgManager, RoleOrgAdmin, RoleSuperAdmin}
}

func (r Role) IsValid() bool {
	return r >= RoleUser && r <= RoleSuperAdmin
}

func (r Role) String() string {
	if !r.IsValid() {
		return "unknown"
	}
	return roleNames[r]
}

// ParseRole maps a provider role claim onto the closed role set.
func ParseRole(s string) (Role, error) {
	for _, r := range Roles() {
		if roleNames[r] == s {
			return r, nil
		}
	}
	return 0, dErrors.New(dErrors.CodeInvalidInput, "unknown role: "+s)
}

// CompareRole orders roles: negative when a ranks below b, zero when equal,
// positive when a ranks above b. Invalid roles rank below every valid role.
func CompareRole(a, b Role) int {
	ra, rb := rank(a), rank(b)
	switch {
	case ra < rb:
		return -1
	case ra > rb:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether r satisfies a minimum of min.
func (r Role) AtLeast(min Role) bool {
	return CompareRole(r, min) >= 0
}

func rank(r Role) int {
	if !r.IsValid() {
		return 0
	}
	return int(r)
}

// MarshalText implements encoding.TextMarshaler.
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Role) UnmarshalText(b []byte) error {
	parsed, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Tier is the commercial entitlement label carried on a session. It is an
// unordered dimension independent of Role and never consulted for authorization.
type Tier string

const (
	TierNone       Tier = ""
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// ParseTier accepts an absent tier; unknown labels are rejected.
func ParseTier(s string) (Tier, error) {
	switch t := Tier(s); t {
	case TierNone, TierFree, TierPro, TierEnterprise:
		return t, nil
	}
	return TierNone, dErrors.New(dErrors.CodeInvalidInput, "unknown tier: "+s)
}
