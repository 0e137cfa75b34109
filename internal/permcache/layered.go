package permcache

import (
	"context"
	"time"
)

// Layered composes the in-process level with the shared Redis level.
// Either may be nil; a Layered with both nil behaves as a disabled cache
// and resolution falls through to the role store on every check.
type Layered struct {
	local  *Local
	shared *Redis
	// promoteTTL bounds how long an entry promoted from the shared
	// level may live locally.
	promoteTTL time.Duration
}

// NewLayered composes cache levels.
func NewLayered(local *Local, shared *Redis, promoteTTL time.Duration) *Layered {
	if promoteTTL <= 0 {
		promoteTTL = time.Minute
	}
	return &Layered{local: local, shared: shared, promoteTTL: promoteTTL}
}

// Begin implements Store.
func (c *Layered) Begin(ctx context.Context, tenantID int64) Token {
	var tok Token
	if c.local != nil {
		tok.local = c.local.Begin(ctx, tenantID).local
	}
	if c.shared != nil {
		tok.shared = c.shared.Begin(ctx, tenantID).shared
	}
	return tok
}

// Get implements Store. A shared-level hit is promoted into the local
// level under the local tenant sequence current at promotion time.
func (c *Layered) Get(ctx context.Context, key Key) (Entry, bool) {
	if c.local != nil {
		if entry, ok := c.local.Get(ctx, key); ok {
			return entry, true
		}
	}
	if c.shared != nil {
		if entry, ok := c.shared.Get(ctx, key); ok {
			if c.local != nil {
				c.local.Put(ctx, key, entry, c.local.Begin(ctx, key.TenantID), c.promoteTTL)
			}
			return entry, true
		}
	}
	return Entry{}, false
}

// Put implements Store.
func (c *Layered) Put(ctx context.Context, key Key, entry Entry, tok Token, ttl time.Duration) {
	if c.local != nil {
		c.local.Put(ctx, key, entry, tok, ttl)
	}
	if c.shared != nil {
		c.shared.Put(ctx, key, entry, tok, ttl)
	}
}

// Invalidate implements Store.
func (c *Layered) Invalidate(ctx context.Context, ev Event) {
	if c.local != nil {
		c.local.Invalidate(ctx, ev)
	}
	if c.shared != nil {
		c.shared.Invalidate(ctx, ev)
	}
}
