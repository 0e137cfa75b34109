// Package boundary enforces entity and tenant boundaries around grant
// operations and cross-tenant access.
package boundary

import (
	"errors"
	"fmt"

	"github.com/odyssey-erp/gatekeeper/internal/catalog"
	"github.com/odyssey-erp/gatekeeper/internal/resolver"
)

// Permissions with special meaning to boundary enforcement.
var (
	// PermManageRoles must be held by anyone granting permissions.
	PermManageRoles = catalog.Permission{Resource: "roles", Action: catalog.ActionManage}
	// PermCrossEntity allows granting across entity boundaries.
	PermCrossEntity = catalog.Permission{Resource: "cross_entity", Action: catalog.ActionManage}
	// PermSystemBypass marks SuperAdmin-equivalent subjects who may act
	// across tenants.
	PermSystemBypass = catalog.Permission{Resource: "system", Action: catalog.ActionManage}
)

// ErrViolation is the base error for all boundary violations. It is a
// distinct outcome from an ordinary denial and must never be collapsed
// into one.
var ErrViolation = errors.New("boundary: violation")

// Violation describes a rejected grant or cross-tenant attempt.
type Violation struct {
	Rule   string
	Detail string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("boundary: violation (%s): %s", v.Rule, v.Detail)
}

// Unwrap lets errors.Is(err, ErrViolation) match any Violation.
func (v *Violation) Unwrap() error { return ErrViolation }

// Violation rule identifiers, stable for audit consumers.
const (
	RuleGrantWithoutPermission = "grant_without_permission"
	RuleGrantWithoutManage     = "grant_without_manage_roles"
	RuleGrantAcrossEntity      = "grant_across_entity"
	RuleCrossTenantAccess      = "cross_tenant_access"
)

// Subject is an actor or target of a boundary decision, with the
// entity-boundary relation it belongs to.
type Subject struct {
	UserID   int64
	TenantID int64
	EntityID string
	Closure  *resolver.Closure
}

// SameEntity reports whether two subjects belong to one entity: same
// tenant and same owning entity (an empty entity means the tenant root).
func (s Subject) SameEntity(other Subject) bool {
	return s.TenantID == other.TenantID && s.EntityID == other.EntityID
}

// Validator applies boundary rules. It stores no state; all inputs come
// from the resolved closures of the subjects involved.
type Validator struct{}

// NewValidator constructs a Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateGrant decides whether grantor may grant perm to grantee. A nil
// return means the grant is legal; otherwise the returned *Violation
// names the rule that failed. You cannot grant what you do not hold,
// regardless of any administrative permission.
func (v *Validator) ValidateGrant(grantor, grantee Subject, perm catalog.Permission) error {
	if !grantor.Closure.Holds(perm) {
		return &Violation{
			Rule:   RuleGrantWithoutPermission,
			Detail: fmt.Sprintf("grantor %d does not hold %s", grantor.UserID, perm),
		}
	}
	if !grantor.Closure.Holds(PermManageRoles) {
		return &Violation{
			Rule:   RuleGrantWithoutManage,
			Detail: fmt.Sprintf("grantor %d lacks %s", grantor.UserID, PermManageRoles),
		}
	}
	if !grantor.SameEntity(grantee) && !grantor.Closure.Holds(PermCrossEntity) {
		return &Violation{
			Rule:   RuleGrantAcrossEntity,
			Detail: fmt.Sprintf("grantor %d and grantee %d do not share an entity", grantor.UserID, grantee.UserID),
		}
	}
	return nil
}

// CanGrant is the boolean form of ValidateGrant.
func (v *Validator) CanGrant(grantor, grantee Subject, perm catalog.Permission) bool {
	return v.ValidateGrant(grantor, grantee, perm) == nil
}

// ValidateTenantAccess decides whether the subject may act in the target
// tenant. Only system-bypass holders cross tenants; an identical role
// name in the target tenant grants nothing.
func (v *Validator) ValidateTenantAccess(subject Subject, targetTenantID int64) error {
	if subject.TenantID == targetTenantID {
		return nil
	}
	if subject.Closure.Holds(PermSystemBypass) {
		return nil
	}
	return &Violation{
		Rule:   RuleCrossTenantAccess,
		Detail: fmt.Sprintf("subject %d in tenant %d attempted access to tenant %d", subject.UserID, subject.TenantID, targetTenantID),
	}
}

// CanAccessAcrossTenant is the boolean form of ValidateTenantAccess.
func (v *Validator) CanAccessAcrossTenant(subject Subject, targetTenantID int64) bool {
	return v.ValidateTenantAccess(subject, targetTenantID) == nil
}
