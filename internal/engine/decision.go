package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/gatekeeper/internal/catalog"
)

// Outcome classifies a decision. BoundaryViolation is deliberately kept
// apart from Denied so security review can tell "no permission" from an
// attempted escalation.
type Outcome string

const (
	OutcomeAllowed           Outcome = "allowed"
	OutcomeDenied            Outcome = "denied"
	OutcomeBoundaryViolation Outcome = "boundary_violation"
	OutcomeTimeout           Outcome = "timeout"
	OutcomeUnavailable       Outcome = "unavailable"
)

// Machine-readable reason codes crossing the API boundary.
const (
	ReasonGranted          = "granted"
	ReasonSuperAdminBypass = "superadmin_bypass"
	ReasonMissing          = "missing_permission"
	ReasonNotFound         = "unknown_subject"
	ReasonTimeout          = "timeout"
	ReasonUnavailable      = "unavailable"
)

// CheckRequest is a single permission question.
type CheckRequest struct {
	UserID     int64
	TenantID   int64
	Action     catalog.Action
	Resource   catalog.Resource
	ResourceID string
}

// BatchItem is one question inside a CheckBatch call; subject and tenant
// come from the batch.
type BatchItem struct {
	Action     catalog.Action
	Resource   catalog.Resource
	ResourceID string
}

// Decision answers a check. Grant names the permission that produced an
// allow; ImpliedBy names the explicit permission it derives from when
// the match came through an implication.
type Decision struct {
	Allowed   bool    `json:"allowed"`
	Outcome   Outcome `json:"outcome"`
	Reason    string  `json:"reason"`
	Grant     string  `json:"grant,omitempty"`
	ImpliedBy string  `json:"implied_by,omitempty"`
}

// AuditEvent is the structured record forwarded to the audit side
// channel for every denial and boundary violation.
type AuditEvent struct {
	ID         uuid.UUID `json:"id"`
	UserID     int64     `json:"user_id"`
	TenantID   int64     `json:"tenant_id"`
	Action     string    `json:"action"`
	Resource   string    `json:"resource"`
	ResourceID string    `json:"resource_id,omitempty"`
	Outcome    Outcome   `json:"outcome"`
	Reason     string    `json:"reason"`
	At         time.Time `json:"at"`
}

// AuditSink receives audit events. The engine calls it on a detached
// goroutine; implementations must tolerate concurrent calls and must not
// assume delivery order.
type AuditSink interface {
	Record(ctx context.Context, ev AuditEvent)
}

// Metrics receives engine instrumentation. All methods may be called
// concurrently.
type Metrics interface {
	CacheHit()
	CacheMiss()
	ResolutionObserved(d time.Duration)
	InvalidationReceived()
	DecisionRecorded(outcome Outcome)
}
