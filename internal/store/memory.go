package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/odyssey-erp/gatekeeper/internal/catalog"
)

// Memory is an in-process Adapter used by tests and local runs. Writes
// and reads share one mutex, so every load observes a consistent state.
type Memory struct {
	mu          sync.RWMutex
	tenants     map[int64]bool // id -> active
	roles       map[int64]Role
	rolePerms   map[int64][]catalog.Permission
	userRoles   map[int64]map[int64][]int64 // userID -> tenantID (0=global) -> roleIDs
	memberships map[int64]map[int64]time.Time
	users       map[int64]struct{}
}

// NewMemory constructs an empty Memory adapter.
func NewMemory() *Memory {
	return &Memory{
		tenants:     make(map[int64]bool),
		roles:       make(map[int64]Role),
		rolePerms:   make(map[int64][]catalog.Permission),
		userRoles:   make(map[int64]map[int64][]int64),
		memberships: make(map[int64]map[int64]time.Time),
		users:       make(map[int64]struct{}),
	}
}

// AddTenant registers a tenant.
func (m *Memory) AddTenant(id int64, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenants[id] = active
}

// AddUser registers a user.
func (m *Memory) AddUser(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[id] = struct{}{}
}

// AddRole registers a role with its permission set.
func (m *Memory) AddRole(role Role, perms ...catalog.Permission) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roles[role.ID] = role
	m.rolePerms[role.ID] = append([]catalog.Permission(nil), perms...)
}

// SetRolePermissions replaces a role's permission set.
func (m *Memory) SetRolePermissions(roleID int64, perms ...catalog.Permission) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolePerms[roleID] = append([]catalog.Permission(nil), perms...)
}

// Assign links a user to a role within a tenant scope (tenantID 0 means
// the assignment is global).
func (m *Memory) Assign(userID, tenantID, roleID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[userID] = struct{}{}
	byTenant := m.userRoles[userID]
	if byTenant == nil {
		byTenant = make(map[int64][]int64)
		m.userRoles[userID] = byTenant
	}
	byTenant[tenantID] = append(byTenant[tenantID], roleID)
}

// AddMembership grants the user a membership in the tenant. A zero
// expiry means the membership never expires.
func (m *Memory) AddMembership(userID, tenantID int64, expiresAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[userID] = struct{}{}
	byTenant := m.memberships[userID]
	if byTenant == nil {
		byTenant = make(map[int64]time.Time)
		m.memberships[userID] = byTenant
	}
	byTenant[tenantID] = expiresAt
}

// LoadAssignments implements Adapter.
func (m *Memory) LoadAssignments(ctx context.Context, tenantID, userID int64) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	active, known := m.tenants[tenantID]
	if !known || !active {
		return Snapshot{}, fmt.Errorf("%w: tenant %d", ErrNotFound, tenantID)
	}
	if _, ok := m.users[userID]; !ok {
		return Snapshot{}, fmt.Errorf("%w: user %d", ErrNotFound, userID)
	}

	snap := Snapshot{LoadedAt: time.Now()}
	seenPerm := make(map[catalog.Permission]struct{})
	for _, scope := range []int64{tenantID, 0} {
		for _, roleID := range m.userRoles[userID][scope] {
			role, ok := m.roles[roleID]
			if !ok {
				continue
			}
			if !role.Global() && *role.TenantID != tenantID {
				continue
			}
			snap.Roles = append(snap.Roles, role)
			for _, perm := range m.rolePerms[roleID] {
				if _, dup := seenPerm[perm]; dup {
					continue
				}
				seenPerm[perm] = struct{}{}
				snap.Permissions = append(snap.Permissions, perm)
			}
		}
	}
	return snap, nil
}

// IsSuperAdmin implements Adapter.
func (m *Memory) IsSuperAdmin(ctx context.Context, userID int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, roleIDs := range m.userRoles[userID] {
		for _, roleID := range roleIDs {
			role, ok := m.roles[roleID]
			if ok && role.System && role.Name == SuperAdminRole {
				return true, nil
			}
		}
	}
	return false, nil
}

// HasMembership implements Adapter.
func (m *Memory) HasMembership(ctx context.Context, userID, tenantID int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if active, known := m.tenants[tenantID]; !known || !active {
		return false, nil
	}
	expiresAt, ok := m.memberships[userID][tenantID]
	if !ok {
		return false, nil
	}
	return expiresAt.IsZero() || expiresAt.After(time.Now()), nil
}
