package policy

import (
	"gatekeeper/internal/ratelimit/models"
)

// RoutePolicy is the access rule attached to a route pattern.
type RoutePolicy struct {
	Pattern             string
	Method              string
	MinRole             Role
	RequiredPermissions PermissionSet
	MFARequired         bool
	Destructive         bool
	RateLimitClass      models.Class
	// Implicit is set on the fail-closed policy returned for unmatched routes.
	Implicit bool
}

// DenyAll is the policy for routes no pattern matches.
func DenyAll() RoutePolicy {
	return RoutePolicy{
		Pattern:        "",
		Method:         anyMethod,
		MinRole:        RoleSuperAdmin,
		MFARequired:    true,
		Destructive:    true,
		RateLimitClass: models.ClassAdmin,
		Implicit:       true,
	}
}

// Satisfies reports whether a role clears both the minimum role and the
// required permission set of the policy.
func (p RoutePolicy) Satisfies(r Role) bool {
	return r.AtLeast(p.MinRole) && PermissionsOf(r).Contains(p.RequiredPermissions)
}
