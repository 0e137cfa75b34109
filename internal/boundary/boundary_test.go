package boundary

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/gatekeeper/internal/catalog"
	"github.com/odyssey-erp/gatekeeper/internal/resolver"
)

func mustPerm(t *testing.T, raw string) catalog.Permission {
	t.Helper()
	p, err := catalog.ParsePermission(raw)
	require.NoError(t, err)
	return p
}

func subject(t *testing.T, userID, tenantID int64, entityID string, perms ...string) Subject {
	t.Helper()
	parsed := make([]catalog.Permission, 0, len(perms))
	for _, raw := range perms {
		parsed = append(parsed, mustPerm(t, raw))
	}
	return Subject{
		UserID:   userID,
		TenantID: tenantID,
		EntityID: entityID,
		Closure:  resolver.Expand(parsed),
	}
}

func TestValidateGrant(t *testing.T) {
	v := NewValidator()
	docsUpdate := mustPerm(t, "documents:update")

	t.Run("legal grant within entity", func(t *testing.T) {
		grantor := subject(t, 1, 10, "ops", "documents:update", "roles:manage")
		grantee := subject(t, 2, 10, "ops")
		assert.NoError(t, v.ValidateGrant(grantor, grantee, docsUpdate))
		assert.True(t, v.CanGrant(grantor, grantee, docsUpdate))
	})

	t.Run("grantor must hold the permission", func(t *testing.T) {
		grantor := subject(t, 1, 10, "ops", "roles:manage")
		grantee := subject(t, 2, 10, "ops")
		err := v.ValidateGrant(grantor, grantee, docsUpdate)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrViolation)
		var violation *Violation
		require.True(t, errors.As(err, &violation))
		assert.Equal(t, RuleGrantWithoutPermission, violation.Rule)
	})

	t.Run("grantor must hold roles:manage", func(t *testing.T) {
		grantor := subject(t, 1, 10, "ops", "documents:update")
		grantee := subject(t, 2, 10, "ops")
		err := v.ValidateGrant(grantor, grantee, docsUpdate)
		var violation *Violation
		require.True(t, errors.As(err, &violation))
		assert.Equal(t, RuleGrantWithoutManage, violation.Rule)
	})

	t.Run("cross entity requires cross_entity:manage", func(t *testing.T) {
		grantor := subject(t, 1, 10, "ops", "documents:update", "roles:manage")
		grantee := subject(t, 2, 10, "finance")
		err := v.ValidateGrant(grantor, grantee, docsUpdate)
		var violation *Violation
		require.True(t, errors.As(err, &violation))
		assert.Equal(t, RuleGrantAcrossEntity, violation.Rule)

		grantor = subject(t, 1, 10, "ops",
			"documents:update", "roles:manage", "cross_entity:manage")
		assert.NoError(t, v.ValidateGrant(grantor, grantee, docsUpdate))
	})

	t.Run("implied permissions count as held", func(t *testing.T) {
		grantor := subject(t, 1, 10, "ops", "documents:manage", "roles:manage")
		grantee := subject(t, 2, 10, "ops")
		assert.NoError(t, v.ValidateGrant(grantor, grantee, mustPerm(t, "documents:view")))
	})
}

// No combination of grantee or administrative permissions lets a grantor
// hand out a permission outside their own closure.
func TestGrantNonEscalation(t *testing.T) {
	v := NewValidator()
	target := mustPerm(t, "invoices:delete")

	grantors := []Subject{
		subject(t, 1, 10, "ops"),
		subject(t, 1, 10, "ops", "roles:manage"),
		subject(t, 1, 10, "ops", "roles:manage", "cross_entity:manage"),
		subject(t, 1, 10, "ops", "invoices:view", "roles:manage"),
		subject(t, 1, 10, "ops", "system:manage", "roles:manage"),
	}
	grantees := []Subject{
		subject(t, 2, 10, "ops"),
		subject(t, 3, 10, "finance"),
	}
	for _, grantor := range grantors {
		for _, grantee := range grantees {
			assert.False(t, v.CanGrant(grantor, grantee, target),
				"grantor without %s must never grant it", target)
		}
	}
}

func TestValidateTenantAccess(t *testing.T) {
	v := NewValidator()

	t.Run("same tenant always legal", func(t *testing.T) {
		s := subject(t, 1, 10, "")
		assert.NoError(t, v.ValidateTenantAccess(s, 10))
	})

	t.Run("cross tenant requires system bypass", func(t *testing.T) {
		s := subject(t, 1, 10, "", "documents:manage", "roles:manage")
		err := v.ValidateTenantAccess(s, 20)
		var violation *Violation
		require.True(t, errors.As(err, &violation))
		assert.Equal(t, RuleCrossTenantAccess, violation.Rule)
		assert.False(t, v.CanAccessAcrossTenant(s, 20))

		admin := subject(t, 2, 10, "", "system:manage")
		assert.NoError(t, v.ValidateTenantAccess(admin, 20))
		assert.True(t, v.CanAccessAcrossTenant(admin, 20))
	})
}
