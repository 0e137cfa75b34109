package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Event is a persisted audit record as returned to readers.
type Event struct {
	ID         uuid.UUID `json:"id"`
	UserID     int64     `json:"user_id"`
	TenantID   int64     `json:"tenant_id"`
	Action     string    `json:"action"`
	Resource   string    `json:"resource"`
	ResourceID string    `json:"resource_id,omitempty"`
	Outcome    string    `json:"outcome"`
	Reason     string    `json:"reason"`
	At         time.Time `json:"at"`
}

// Service reads back persisted audit events for security review.
type Service struct {
	pool *pgxpool.Pool
}

// NewService returns a new Service.
func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

// ListRecent returns the tenant's newest events, most recent first.
func (s *Service) ListRecent(ctx context.Context, tenantID int64, limit int) ([]Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, tenant_id, action, resource, COALESCE(resource_id, ''), outcome, reason, occurred_at
		FROM authz_audit_events
		WHERE tenant_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2`,
		tenantID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: list events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.UserID, &ev.TenantID, &ev.Action, &ev.Resource,
			&ev.ResourceID, &ev.Outcome, &ev.Reason, &ev.At); err != nil {
			return nil, fmt.Errorf("audit: scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: list events: %w", err)
	}
	return events, nil
}
