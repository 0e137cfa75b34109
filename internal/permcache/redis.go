package permcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is the shared cache level. Entries and the tenant sequence live
// in Redis so all replicas observe the same invalidations and a restart
// does not reset versions.
type Redis struct {
	client *redis.Client
}

// NewRedis constructs a Redis cache level.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

type redisEntry struct {
	Entry
	Version uint64 `json:"version"`
}

func entryKey(key Key) string {
	return fmt.Sprintf("authz:closure:%d:%d", key.TenantID, key.UserID)
}

func versionKey(tenantID int64) string {
	return fmt.Sprintf("authz:seq:%d", tenantID)
}

func roleIndexKey(tenantID, roleID int64) string {
	return fmt.Sprintf("authz:roleidx:%d:%d", tenantID, roleID)
}

// Begin implements Store.
func (r *Redis) Begin(ctx context.Context, tenantID int64) Token {
	raw, err := r.client.Get(ctx, versionKey(tenantID)).Result()
	if err != nil {
		return Token{}
	}
	version, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return Token{}
	}
	return Token{shared: version}
}

// Get implements Store.
func (r *Redis) Get(ctx context.Context, key Key) (Entry, bool) {
	pipe := r.client.Pipeline()
	entryCmd := pipe.Get(ctx, entryKey(key))
	versionCmd := pipe.Get(ctx, versionKey(key.TenantID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Entry{}, false
	}
	raw, err := entryCmd.Bytes()
	if err != nil {
		return Entry{}, false
	}
	var current uint64
	if rawVersion, err := versionCmd.Result(); err == nil {
		if current, err = strconv.ParseUint(rawVersion, 10, 64); err != nil {
			return Entry{}, false
		}
	}
	var stored redisEntry
	if err := json.Unmarshal(raw, &stored); err != nil {
		return Entry{}, false
	}
	if stored.Version != current {
		// Stale under the tenant's current mutation sequence; drop it
		// so later reads miss fast.
		r.client.Del(ctx, entryKey(key))
		return Entry{}, false
	}
	return stored.Entry, true
}

// Put implements Store.
func (r *Redis) Put(ctx context.Context, key Key, entry Entry, tok Token, ttl time.Duration) {
	data, err := json.Marshal(redisEntry{Entry: entry, Version: tok.shared})
	if err != nil {
		return
	}
	pipe := r.client.Pipeline()
	pipe.Set(ctx, entryKey(key), data, ttl)
	for _, roleID := range entry.RoleIDs {
		idx := roleIndexKey(key.TenantID, roleID)
		pipe.SAdd(ctx, idx, entryKey(key))
		// Index entries outlive the closures they point at, so a role
		// invalidation can still find recently expired keys.
		pipe.Expire(ctx, idx, 2*ttl)
	}
	_, _ = pipe.Exec(ctx)
}

// Invalidate implements Store.
func (r *Redis) Invalidate(ctx context.Context, ev Event) {
	// Bump the sequence first: readers reject stale entries by version
	// even before the deletes land.
	r.client.Incr(ctx, versionKey(ev.TenantID))
	switch {
	case ev.UserID != nil:
		r.client.Del(ctx, entryKey(Key{UserID: *ev.UserID, TenantID: ev.TenantID}))
	case ev.RoleID != nil:
		idx := roleIndexKey(ev.TenantID, *ev.RoleID)
		members, err := r.client.SMembers(ctx, idx).Result()
		if err == nil && len(members) > 0 {
			r.client.Del(ctx, members...)
		}
		r.client.Del(ctx, idx)
	}
}
