package models

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCategoryMapping(t *testing.T) {
	tests := []struct {
		category Category
		status   int
		reason   string
		critical bool
	}{
		{CategoryUnauthenticated, http.StatusUnauthorized, ReasonUnauthenticated, false},
		{CategoryInsufficientRole, http.StatusForbidden, ReasonForbidden, false},
		{CategoryInsufficientPermission, http.StatusForbidden, ReasonForbidden, false},
		{CategoryMFANotVerified, http.StatusForbidden, ReasonForbidden, false},
		{CategoryDestructiveBlocked, http.StatusForbidden, ReasonForbidden, true},
		{CategoryBreakGlassDenied, http.StatusForbidden, ReasonForbidden, true},
		{CategoryBreakGlassExpired, http.StatusForbidden, ReasonForbidden, true},
		{CategoryBreakGlassAlreadyUsed, http.StatusForbidden, ReasonForbidden, true},
		{CategoryRateLimited, http.StatusTooManyRequests, ReasonRateLimited, false},
		{CategoryDependencyUnavailable, http.StatusServiceUnavailable, ReasonUnavailable, false},
		{CategoryAuditDegraded, http.StatusServiceUnavailable, ReasonUnavailable, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.category), func(t *testing.T) {
			d := Deny(tt.category)
			assert.False(t, d.Allowed)
			assert.Equal(t, tt.status, d.Status)
			assert.Equal(t, tt.reason, d.Reason)
			assert.Equal(t, tt.critical, tt.category.Critical())
		})
	}
}

func TestForbiddenReasonsAreIndistinguishable(t *testing.T) {
	seen := map[string]bool{}
	for _, c := range []Category{CategoryInsufficientRole, CategoryMFANotVerified, CategoryDestructiveBlocked, CategoryBreakGlassAlreadyUsed} {
		seen[Deny(c).Reason] = true
	}
	assert.Len(t, seen, 1)
}

func TestAllow(t *testing.T) {
	assert.Equal(t, CategoryAllowed, Allow(false).Category)
	d := Allow(true)
	assert.True(t, d.Allowed)
	assert.True(t, d.Elevated)
	assert.Equal(t, CategoryAllowedElevated, d.Category)
}
