// Package store loads role and permission assignments from persistent
// storage behind a narrow adapter interface.
package store

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/odyssey-erp/gatekeeper/internal/catalog"
)

// SuperAdminRole is the system role whose holders bypass all checks.
const SuperAdminRole = "SuperAdmin"

// BasicUserRole is the system role every account keeps until deletion.
const BasicUserRole = "BasicUser"

// ErrNotFound indicates the user or tenant does not exist. Callers treat
// it as a denial, never as a retryable condition.
var ErrNotFound = errors.New("store: not found")

// ErrUnavailable wraps transient storage failures.
var ErrUnavailable = errors.New("store: unavailable")

// Role is a named permission grouping scoped to a tenant, or global when
// TenantID is nil.
type Role struct {
	ID       int64
	TenantID *int64
	Name     string
	System   bool
}

// Global reports whether the role applies across tenants.
func (r Role) Global() bool {
	return r.TenantID == nil
}

// Snapshot is a consistent view of a subject's assignments in one tenant:
// every role appears with the full permission set it carried at load time.
type Snapshot struct {
	Roles       []Role
	Permissions []catalog.Permission
	LoadedAt    time.Time
}

// RoleIDs returns the identifiers of all roles in the snapshot.
func (s Snapshot) RoleIDs() []int64 {
	ids := make([]int64, 0, len(s.Roles))
	for _, r := range s.Roles {
		ids = append(ids, r.ID)
	}
	return ids
}

// Adapter is the boundary to whatever persistence backs role assignments.
type Adapter interface {
	// LoadAssignments returns the subject's roles in the tenant (plus
	// global roles) and the union of their permissions, as one
	// consistent snapshot.
	LoadAssignments(ctx context.Context, tenantID, userID int64) (Snapshot, error)

	// IsSuperAdmin reports whether the user holds the SuperAdmin system
	// role in any scope.
	IsSuperAdmin(ctx context.Context, userID int64) (bool, error)

	// HasMembership reports whether the user has a live membership in
	// the tenant.
	HasMembership(ctx context.Context, userID, tenantID int64) (bool, error)
}

// IsTransient reports whether the error is worth one retry. Unknown
// users/tenants and context cancellation are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrUnavailable) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
