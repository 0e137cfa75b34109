package permcache

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultLocalSize caps the in-process cache when no size is given.
const DefaultLocalSize = 16384

type localEntry struct {
	entry     Entry
	version   uint64
	expiresAt time.Time
}

// Local is the in-process cache level. The LRU bounds memory; versions
// and the reverse role index live behind one mutex. Reads and writes of
// different keys only contend on that mutex for index bookkeeping, never
// on a per-key lock.
type Local struct {
	mu       sync.RWMutex
	entries  *lru.Cache[Key, localEntry]
	versions map[int64]uint64
	// roleIndex maps roleID -> keys whose closure was derived from it,
	// so a role-level invalidation avoids a full scan.
	roleIndex map[int64]map[Key]struct{}
	keyRoles  map[Key][]int64
}

// NewLocal constructs a Local cache holding at most size entries.
func NewLocal(size int) (*Local, error) {
	if size <= 0 {
		size = DefaultLocalSize
	}
	l := &Local{
		versions:  make(map[int64]uint64),
		roleIndex: make(map[int64]map[Key]struct{}),
		keyRoles:  make(map[Key][]int64),
	}
	entries, err := lru.NewWithEvict(size, func(key Key, _ localEntry) {
		// Runs inside entry mutations, which all hold l.mu.
		l.unindex(key)
	})
	if err != nil {
		return nil, err
	}
	l.entries = entries
	return l, nil
}

// Begin implements Store.
func (l *Local) Begin(_ context.Context, tenantID int64) Token {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Token{local: l.versions[tenantID]}
}

// Get implements Store.
func (l *Local) Get(_ context.Context, key Key) (Entry, bool) {
	l.mu.RLock()
	item, ok := l.entries.Get(key)
	current := l.versions[key.TenantID]
	l.mu.RUnlock()
	if !ok {
		return Entry{}, false
	}
	if item.version != current || time.Now().After(item.expiresAt) {
		l.mu.Lock()
		// Re-check under the write lock; a concurrent Put may have
		// replaced the entry with a fresh one.
		if item, ok = l.entries.Peek(key); ok &&
			(item.version != l.versions[key.TenantID] || time.Now().After(item.expiresAt)) {
			l.entries.Remove(key)
		}
		l.mu.Unlock()
		return Entry{}, false
	}
	return item.entry, true
}

// Put implements Store.
func (l *Local) Put(_ context.Context, key Key, entry Entry, tok Token, ttl time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if tok.local != l.versions[key.TenantID] {
		// The tenant mutated while the caller was loading; the entry
		// is already stale, do not admit it.
		return
	}
	l.unindex(key)
	l.entries.Add(key, localEntry{
		entry:     entry,
		version:   tok.local,
		expiresAt: time.Now().Add(ttl),
	})
	l.keyRoles[key] = append([]int64(nil), entry.RoleIDs...)
	for _, roleID := range entry.RoleIDs {
		keys := l.roleIndex[roleID]
		if keys == nil {
			keys = make(map[Key]struct{})
			l.roleIndex[roleID] = keys
		}
		keys[key] = struct{}{}
	}
}

// Invalidate implements Store. The version bump rejects in-flight stale
// reads even before eviction completes.
func (l *Local) Invalidate(_ context.Context, ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.versions[ev.TenantID]++
	switch {
	case ev.UserID != nil:
		l.entries.Remove(Key{UserID: *ev.UserID, TenantID: ev.TenantID})
	case ev.RoleID != nil:
		for key := range l.roleIndex[*ev.RoleID] {
			if key.TenantID == ev.TenantID {
				l.entries.Remove(key)
			}
		}
	default:
		for _, key := range l.entries.Keys() {
			if key.TenantID == ev.TenantID {
				l.entries.Remove(key)
			}
		}
	}
}

// Len reports the number of cached entries.
func (l *Local) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entries.Len()
}

// unindex drops the reverse-index links for key. Caller holds l.mu.
func (l *Local) unindex(key Key) {
	for _, roleID := range l.keyRoles[key] {
		if keys := l.roleIndex[roleID]; keys != nil {
			delete(keys, key)
			if len(keys) == 0 {
				delete(l.roleIndex, roleID)
			}
		}
	}
	delete(l.keyRoles, key)
}
