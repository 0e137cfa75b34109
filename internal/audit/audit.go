// Package audit persists denial and boundary-violation events for
// security review.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/gatekeeper/internal/engine"
)

// Recorder writes engine audit events into authz_audit_events. It is
// the pgx-backed implementation of the engine's audit side channel; the
// engine invokes it off the request path, so a slow insert never delays
// a decision.
type Recorder struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	timeout time.Duration
}

// NewRecorder returns a new Recorder.
func NewRecorder(pool *pgxpool.Pool, logger *slog.Logger) *Recorder {
	return &Recorder{pool: pool, logger: logger, timeout: 5 * time.Second}
}

// Record implements engine.AuditSink. Failures are logged, never
// propagated: auditing must not affect resolution.
func (r *Recorder) Record(ctx context.Context, ev engine.AuditEvent) {
	if r == nil || r.pool == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO authz_audit_events
			(id, user_id, tenant_id, action, resource, resource_id, outcome, reason, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ev.ID, ev.UserID, ev.TenantID, ev.Action, ev.Resource, nullable(ev.ResourceID),
		string(ev.Outcome), ev.Reason, ev.At,
	)
	if err != nil && r.logger != nil {
		r.logger.Error("audit insert failed",
			slog.String("event", ev.ID.String()), slog.Any("error", err))
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
