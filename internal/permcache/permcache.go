// Package permcache caches resolved permission closures per
// (user, tenant) key, with version counters bounding staleness and a
// reverse role index for targeted invalidation. The cache is best-effort
// acceleration: resolution stays correct with every level disabled.
package permcache

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Key identifies one cached closure.
type Key struct {
	UserID   int64
	TenantID int64
}

// Entry is a cached closure in its encoded form plus the roles it was
// derived from, which feed the reverse index.
type Entry struct {
	Grants  []string `json:"grants"`
	RoleIDs []int64  `json:"role_ids"`
}

// Event signals that cached closures are no longer trustworthy. A nil
// UserID with a RoleID set means every key holding that role; both nil
// means the whole tenant.
type Event struct {
	ID       uuid.UUID `json:"id"`
	TenantID int64     `json:"tenant_id"`
	UserID   *int64    `json:"user_id,omitempty"`
	RoleID   *int64    `json:"role_id,omitempty"`
	At       time.Time `json:"at"`
}

// Token carries the per-level tenant versions observed before a load
// started. An entry written with a token older than the tenant's current
// sequence is rejected at read time, which is what bounds staleness for
// loads racing an invalidation.
type Token struct {
	local  uint64
	shared uint64
}

// Key returns a stable textual form of the captured versions. Callers
// coalescing concurrent loads include it in their map key, so loads
// begun before and after an invalidation never share a flight.
func (t Token) Key() string {
	return strconv.FormatUint(t.local, 10) + ":" + strconv.FormatUint(t.shared, 10)
}

// Store is a cache level (or a composition of levels).
type Store interface {
	// Begin captures the tenant's current mutation sequence. Call it
	// before loading from the role store.
	Begin(ctx context.Context, tenantID int64) Token

	// Get returns the entry if present, unexpired, and version-current.
	Get(ctx context.Context, key Key) (Entry, bool)

	// Put stores the entry stamped with the versions captured in tok.
	Put(ctx context.Context, key Key, entry Entry, tok Token, ttl time.Duration)

	// Invalidate bumps the tenant sequence and evicts affected keys.
	Invalidate(ctx context.Context, ev Event)
}
