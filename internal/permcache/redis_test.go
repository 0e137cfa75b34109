package permcache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newShared(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client), mr
}

func TestRedisPutGet(t *testing.T) {
	ctx := context.Background()
	r, _ := newShared(t)
	key := Key{UserID: 7, TenantID: 1}
	entry := Entry{Grants: []string{"documents:update", "documents:view<documents:update"}, RoleIDs: []int64{10}}

	r.Put(ctx, key, entry, r.Begin(ctx, 1), time.Minute)

	got, ok := r.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, entry, got)
}

func TestRedisTTL(t *testing.T) {
	ctx := context.Background()
	r, mr := newShared(t)
	key := Key{UserID: 7, TenantID: 1}

	r.Put(ctx, key, Entry{Grants: []string{"documents:view"}}, r.Begin(ctx, 1), time.Minute)
	mr.FastForward(2 * time.Minute)

	_, ok := r.Get(ctx, key)
	assert.False(t, ok)
}

func TestRedisInvalidateByUser(t *testing.T) {
	ctx := context.Background()
	r, _ := newShared(t)
	key := Key{UserID: 7, TenantID: 1}
	otherTenant := Key{UserID: 7, TenantID: 2}

	r.Put(ctx, key, Entry{Grants: []string{"documents:view"}}, r.Begin(ctx, 1), time.Minute)
	r.Put(ctx, otherTenant, Entry{Grants: []string{"invoices:view"}}, r.Begin(ctx, 2), time.Minute)

	r.Invalidate(ctx, Event{TenantID: 1, UserID: int64Ref(7)})

	_, ok := r.Get(ctx, key)
	assert.False(t, ok)
	_, ok = r.Get(ctx, otherTenant)
	assert.True(t, ok)
}

func TestRedisInvalidateByRole(t *testing.T) {
	ctx := context.Background()
	r, _ := newShared(t)
	holder := Key{UserID: 7, TenantID: 1}
	nonHolder := Key{UserID: 8, TenantID: 1}

	r.Put(ctx, holder, Entry{Grants: []string{"documents:view"}, RoleIDs: []int64{10}}, r.Begin(ctx, 1), time.Minute)
	tok := r.Begin(ctx, 1)
	r.Put(ctx, nonHolder, Entry{Grants: []string{"invoices:view"}, RoleIDs: []int64{11}}, tok, time.Minute)

	r.Invalidate(ctx, Event{TenantID: 1, RoleID: int64Ref(10)})

	_, ok := r.Get(ctx, holder)
	assert.False(t, ok)
	// The sequence bump rejects every pre-mutation entry in the
	// tenant, holder of the role or not.
	_, ok = r.Get(ctx, nonHolder)
	assert.False(t, ok)
}

func TestRedisVersionRejectsStalePut(t *testing.T) {
	ctx := context.Background()
	r, _ := newShared(t)
	key := Key{UserID: 7, TenantID: 1}

	tok := r.Begin(ctx, 1)
	r.Invalidate(ctx, Event{TenantID: 1, UserID: int64Ref(7)})
	r.Put(ctx, key, Entry{Grants: []string{"documents:view"}}, tok, time.Minute)

	_, ok := r.Get(ctx, key)
	assert.False(t, ok)
}

func TestRedisFreshEntryAfterInvalidation(t *testing.T) {
	ctx := context.Background()
	r, _ := newShared(t)
	key := Key{UserID: 7, TenantID: 1}

	r.Invalidate(ctx, Event{TenantID: 1, UserID: int64Ref(7)})
	r.Put(ctx, key, Entry{Grants: []string{"documents:view"}}, r.Begin(ctx, 1), time.Minute)

	_, ok := r.Get(ctx, key)
	assert.True(t, ok)
}

func TestLayeredPromotesSharedHits(t *testing.T) {
	ctx := context.Background()
	r, _ := newShared(t)
	local := newLocal(t)
	layered := NewLayered(local, r, time.Minute)

	key := Key{UserID: 7, TenantID: 1}
	entry := Entry{Grants: []string{"documents:view"}, RoleIDs: []int64{10}}
	// Entry written by "another replica": only the shared level has it.
	r.Put(ctx, key, entry, r.Begin(ctx, 1), time.Minute)

	got, ok := layered.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, entry, got)

	// Promotion populated the local level.
	_, ok = local.Get(ctx, key)
	assert.True(t, ok)
}

func TestLayeredInvalidateHitsBothLevels(t *testing.T) {
	ctx := context.Background()
	r, _ := newShared(t)
	local := newLocal(t)
	layered := NewLayered(local, r, time.Minute)

	key := Key{UserID: 7, TenantID: 1}
	layered.Put(ctx, key, Entry{Grants: []string{"documents:view"}, RoleIDs: []int64{10}}, layered.Begin(ctx, 1), time.Minute)

	layered.Invalidate(ctx, Event{TenantID: 1, RoleID: int64Ref(10)})

	_, ok := layered.Get(ctx, key)
	assert.False(t, ok)
	_, ok = local.Get(ctx, key)
	assert.False(t, ok)
	_, ok = r.Get(ctx, key)
	assert.False(t, ok)
}

func TestLayeredDisabled(t *testing.T) {
	ctx := context.Background()
	layered := NewLayered(nil, nil, 0)

	key := Key{UserID: 7, TenantID: 1}
	layered.Put(ctx, key, Entry{Grants: []string{"documents:view"}}, layered.Begin(ctx, 1), time.Minute)
	_, ok := layered.Get(ctx, key)
	assert.False(t, ok)
	layered.Invalidate(ctx, Event{TenantID: 1})
}

func TestFanoutPublishListen(t *testing.T) {
	mr := miniredis.RunT(t)
	pubClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	subClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = pubClient.Close(); _ = subClient.Close() })

	publisher := NewFanout(pubClient, nil)
	listener := NewFanout(subClient, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan Event, 1)
	go func() {
		_ = listener.Listen(ctx, func(_ context.Context, ev Event) {
			received <- ev
		})
	}()

	// Subscription setup races the publish; retry until delivery.
	ev := Event{TenantID: 1, RoleID: int64Ref(10)}
	deadline := time.After(2 * time.Second)
	for {
		require.NoError(t, publisher.Publish(ctx, ev))
		select {
		case got := <-received:
			assert.Equal(t, ev.TenantID, got.TenantID)
			require.NotNil(t, got.RoleID)
			assert.Equal(t, int64(10), *got.RoleID)
			return
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatal("fanout event never delivered")
		}
	}
}

func TestFanoutSkipsOwnMessages(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := NewFanout(client, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan Event, 1)
	go func() {
		_ = f.Listen(ctx, func(_ context.Context, ev Event) {
			received <- ev
		})
	}()
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, f.Publish(ctx, Event{TenantID: 1}))
	select {
	case <-received:
		t.Fatal("listener must skip events from its own origin")
	case <-time.After(300 * time.Millisecond):
	}
}
