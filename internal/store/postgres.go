package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/gatekeeper/internal/catalog"
	"github.com/odyssey-erp/gatekeeper/internal/platform/db"
)

// Postgres implements Adapter on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres constructs a Postgres adapter.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// LoadAssignments reads the subject's roles and permissions inside one
// repeatable-read transaction so a concurrent role edit cannot produce a
// role with half its permissions.
func (p *Postgres) LoadAssignments(ctx context.Context, tenantID, userID int64) (Snapshot, error) {
	var snap Snapshot
	err := db.WithSnapshot(ctx, p.pool, func(tx pgx.Tx) error {
		var err error
		snap, err = p.loadAssignments(ctx, tx, tenantID, userID)
		return err
	})
	if err != nil {
		return Snapshot{}, classify(err)
	}
	return snap, nil
}

func (p *Postgres) loadAssignments(ctx context.Context, tx pgx.Tx, tenantID, userID int64) (Snapshot, error) {
	var exists bool
	err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM tenants WHERE id = $1 AND status = 'active')`,
		tenantID,
	).Scan(&exists)
	if err != nil {
		return Snapshot{}, fmt.Errorf("store: check tenant: %w", err)
	}
	if !exists {
		return Snapshot{}, fmt.Errorf("%w: tenant %d", ErrNotFound, tenantID)
	}

	rows, err := tx.Query(ctx, `
		SELECT r.id, r.tenant_id, r.name, r.is_system
		FROM roles r
		JOIN user_roles ur ON ur.role_id = r.id
		WHERE ur.user_id = $1
		  AND (r.tenant_id = $2 OR r.tenant_id IS NULL)
		  AND (ur.tenant_id = $2 OR ur.tenant_id IS NULL)
		ORDER BY r.id`,
		userID, tenantID,
	)
	if err != nil {
		return Snapshot{}, fmt.Errorf("store: load roles: %w", err)
	}
	defer rows.Close()

	snap := Snapshot{}
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.TenantID, &role.Name, &role.System); err != nil {
			return Snapshot{}, fmt.Errorf("store: scan role: %w", err)
		}
		snap.Roles = append(snap.Roles, role)
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("store: load roles: %w", err)
	}
	rows.Close()

	if len(snap.Roles) == 0 {
		var userExists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&userExists); err != nil {
			return Snapshot{}, fmt.Errorf("store: check user: %w", err)
		}
		if !userExists {
			return Snapshot{}, fmt.Errorf("%w: user %d", ErrNotFound, userID)
		}
		return snap, nil
	}

	permRows, err := tx.Query(ctx, `
		SELECT DISTINCT p.resource, p.action
		FROM permissions p
		JOIN role_permissions rp ON rp.permission_id = p.id
		JOIN user_roles ur ON ur.role_id = rp.role_id
		JOIN roles r ON r.id = ur.role_id
		WHERE ur.user_id = $1
		  AND (r.tenant_id = $2 OR r.tenant_id IS NULL)
		  AND (ur.tenant_id = $2 OR ur.tenant_id IS NULL)
		ORDER BY p.resource, p.action`,
		userID, tenantID,
	)
	if err != nil {
		return Snapshot{}, fmt.Errorf("store: load permissions: %w", err)
	}
	defer permRows.Close()

	for permRows.Next() {
		var resource, action string
		if err := permRows.Scan(&resource, &action); err != nil {
			return Snapshot{}, fmt.Errorf("store: scan permission: %w", err)
		}
		perm, err := parseStored(resource, action)
		if err != nil {
			return Snapshot{}, err
		}
		snap.Permissions = append(snap.Permissions, perm)
	}
	if err := permRows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("store: load permissions: %w", err)
	}
	return snap, nil
}

// IsSuperAdmin checks for a SuperAdmin system role assignment in any scope.
func (p *Postgres) IsSuperAdmin(ctx context.Context, userID int64) (bool, error) {
	var ok bool
	err := p.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM user_roles ur
			JOIN roles r ON r.id = ur.role_id
			WHERE ur.user_id = $1 AND r.is_system AND r.name = $2
		)`,
		userID, SuperAdminRole,
	).Scan(&ok)
	if err != nil {
		return false, classify(fmt.Errorf("store: superadmin lookup: %w", err))
	}
	return ok, nil
}

// HasMembership reports a live (non-expired) membership in the tenant.
func (p *Postgres) HasMembership(ctx context.Context, userID, tenantID int64) (bool, error) {
	var ok bool
	err := p.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM user_tenants ut
			JOIN tenants t ON t.id = ut.tenant_id
			WHERE ut.user_id = $1 AND ut.tenant_id = $2
			  AND t.status = 'active'
			  AND (ut.expires_at IS NULL OR ut.expires_at > NOW())
		)`,
		userID, tenantID,
	).Scan(&ok)
	if err != nil {
		return false, classify(fmt.Errorf("store: membership lookup: %w", err))
	}
	return ok, nil
}

// parseStored validates a stored (resource, action) pair at the boundary
// rather than letting an unknown value silently fail checks later.
func parseStored(resource, action string) (catalog.Permission, error) {
	perm, err := catalog.ParsePermission(resource + ":" + action)
	if err != nil {
		return catalog.Permission{}, fmt.Errorf("store: stored permission %s:%s: %w", resource, action, err)
	}
	return perm, nil
}

// classify tags connection-level postgres failures as transient so the
// resolution layer can retry them once.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, catalog.ErrUnknownAction) || errors.Is(err, catalog.ErrInvalidResource) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if len(pgErr.Code) >= 2 {
			switch pgErr.Code[:2] {
			case "08", "53", "57", "58":
				return fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
		}
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
