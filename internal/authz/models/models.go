// Package models holds the authorization decision and its audit categories.
package models

import (
	"net/http"

	"gatekeeper/internal/policy"
	rlmodels "gatekeeper/internal/ratelimit/models"
	"gatekeeper/internal/session"
)

// Category is the detailed reason recorded in audit. It is never returned to
// the caller.
type Category string

const (
	CategoryAllowed                Category = "ALLOWED"
	CategoryAllowedElevated        Category = "ALLOWED_ELEVATED"
	CategoryUnauthenticated        Category = "UNAUTHENTICATED"
	CategoryInsufficientRole       Category = "INSUFFICIENT_ROLE"
	CategoryInsufficientPermission Category = "INSUFFICIENT_PERMISSION"
	CategoryDestructiveBlocked     Category = "DESTRUCTIVE_BLOCKED"
	CategoryMFANotVerified         Category = "MFA_NOT_VERIFIED"
	CategoryBreakGlassDenied       Category = "BREAK_GLASS_DENIED"
	CategoryBreakGlassExpired      Category = "BREAK_GLASS_EXPIRED"
	CategoryBreakGlassAlreadyUsed  Category = "BREAK_GLASS_ALREADY_USED"
	CategoryRateLimited            Category = "RATE_LIMITED"
	CategoryDependencyUnavailable  Category = "DEPENDENCY_UNAVAILABLE"
	CategoryAuditDegraded          Category = "AUDIT_DEGRADED"
)

// Generic reasons returned to callers.
const (
	ReasonAllowed         = "allowed"
	ReasonUnauthenticated = "authentication required"
	ReasonForbidden       = "access denied"
	ReasonRateLimited     = "too many requests"
	ReasonUnavailable     = "service unavailable"
)

// Critical reports whether a denial of this category is reviewed with
// critical severity.
func (c Category) Critical() bool {
	switch c {
	case CategoryDestructiveBlocked, CategoryBreakGlassDenied, CategoryBreakGlassExpired, CategoryBreakGlassAlreadyUsed:
		return true
	}
	return false
}

// Status is the HTTP status a denial of this category maps to.
func (c Category) Status() int {
	switch c {
	case CategoryAllowed, CategoryAllowedElevated:
		return http.StatusOK
	case CategoryUnauthenticated:
		return http.StatusUnauthorized
	case CategoryRateLimited:
		return http.StatusTooManyRequests
	case CategoryDependencyUnavailable, CategoryAuditDegraded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusForbidden
	}
}

// Reason is the generic, non-enumerable text for the category's status.
func (c Category) Reason() string {
	switch c.Status() {
	case http.StatusOK:
		return ReasonAllowed
	case http.StatusUnauthorized:
		return ReasonUnauthenticated
	case http.StatusTooManyRequests:
		return ReasonRateLimited
	case http.StatusServiceUnavailable:
		return ReasonUnavailable
	default:
		return ReasonForbidden
	}
}

// Request is one authorization question. Session is nil when the credential
// did not resolve.
type Request struct {
	Session         *session.Context
	Policy          policy.RoutePolicy
	Method          string
	Path            string
	BreakGlassToken string
	ClientIP        string
}

// Decision is the evaluator's answer.
type Decision struct {
	Allowed  bool
	Status   int
	Reason   string
	Category Category
	// Elevated is set when a break-glass token was spent on this request.
	Elevated            bool
	BreakGlassSessionID string
	// AuditDegraded is set on fail-open allows whose audit write was refused.
	AuditDegraded bool
	RateLimit     *rlmodels.RateLimitResult
}

// Deny builds a denial for category.
func Deny(c Category) Decision {
	return Decision{Status: c.Status(), Reason: c.Reason(), Category: c}
}

// Allow builds an allow decision.
func Allow(elevated bool) Decision {
	c := CategoryAllowed
	if elevated {
		c = CategoryAllowedElevated
	}
	return Decision{Allowed: true, Status: http.StatusOK, Reason: ReasonAllowed, Category: c, Elevated: elevated}
}
