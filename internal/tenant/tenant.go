// Package tenant tracks the active tenant for a request and mediates
// switching between tenants.
package tenant

import (
	"context"
	"errors"
	"fmt"
)

// ErrNoMembership rejects a switch into a tenant the user has no live
// membership in.
var ErrNoMembership = errors.New("tenant: no active membership")

// ErrNoActiveTenant indicates the context carries no tenant.
var ErrNoActiveTenant = errors.New("tenant: no active tenant")

type activeTenantKey struct{}

// WithActive returns a context carrying the active tenant. Any value
// tied to a previously active tenant is superseded; callers must not
// reuse closures resolved under the old tenant.
func WithActive(ctx context.Context, tenantID int64) context.Context {
	return context.WithValue(ctx, activeTenantKey{}, tenantID)
}

// Active extracts the active tenant from context.
func Active(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(activeTenantKey{}).(int64)
	return id, ok
}

// MembershipSource answers whether a user belongs to a tenant.
type MembershipSource interface {
	HasMembership(ctx context.Context, userID, tenantID int64) (bool, error)
}

// Manager validates tenant transitions. The active tenant itself lives
// in the request context: a resolution call captures it once at call
// start, so a switch can never take effect mid-check.
type Manager struct {
	memberships MembershipSource
}

// NewManager constructs a Manager.
func NewManager(memberships MembershipSource) *Manager {
	return &Manager{memberships: memberships}
}

// Switch activates targetTenantID for the user. It returns a derived
// context with the new active tenant; the caller discards the old one,
// which drops any request-scoped state tied to the previous tenant.
func (m *Manager) Switch(ctx context.Context, userID, targetTenantID int64) (context.Context, error) {
	ok, err := m.memberships.HasMembership(ctx, userID, targetTenantID)
	if err != nil {
		return ctx, fmt.Errorf("tenant: verify membership: %w", err)
	}
	if !ok {
		return ctx, fmt.Errorf("%w: user %d in tenant %d", ErrNoMembership, userID, targetTenantID)
	}
	return WithActive(ctx, targetTenantID), nil
}

// Require returns the active tenant or ErrNoActiveTenant.
func Require(ctx context.Context) (int64, error) {
	id, ok := Active(ctx)
	if !ok {
		return 0, ErrNoActiveTenant
	}
	return id, nil
}
