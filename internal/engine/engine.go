// Package engine is the resolution core: it answers single and batched
// permission checks by combining the role store, the dependency
// resolver, the boundary validator, and the permission cache.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/gatekeeper/internal/boundary"
	"github.com/odyssey-erp/gatekeeper/internal/catalog"
	"github.com/odyssey-erp/gatekeeper/internal/permcache"
	"github.com/odyssey-erp/gatekeeper/internal/resolver"
	"github.com/odyssey-erp/gatekeeper/internal/store"
	"github.com/odyssey-erp/gatekeeper/internal/tenant"
)

// DefaultCacheTTL bounds how long a resolved closure may serve checks
// without revalidation. Hard invalidation always wins over TTL.
const DefaultCacheTTL = 5 * time.Minute

// DefaultRetryBackoff is the pause before the single retry of a
// transient store failure.
const DefaultRetryBackoff = 100 * time.Millisecond

// ErrStoreRequired rejects construction without a role store.
var ErrStoreRequired = errors.New("engine: role store adapter required")

// Config collects the engine's collaborators. Only Store is mandatory:
// the cache, fanout, audit sink, and metrics are best-effort extras and
// correctness holds with all of them absent.
type Config struct {
	Store        store.Adapter
	Cache        permcache.Store
	Fanout       *permcache.Fanout
	Audit        AuditSink
	Metrics      Metrics
	Logger       *slog.Logger
	CacheTTL     time.Duration
	RetryBackoff time.Duration
}

// Engine evaluates permission checks.
type Engine struct {
	store        store.Adapter
	cache        permcache.Store
	fanout       *permcache.Fanout
	audit        AuditSink
	metrics      Metrics
	logger       *slog.Logger
	validator    *boundary.Validator
	loads        singleflight.Group
	cacheTTL     time.Duration
	retryBackoff time.Duration
}

// New constructs an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, ErrStoreRequired
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		store:        cfg.Store,
		cache:        cfg.Cache,
		fanout:       cfg.Fanout,
		audit:        cfg.Audit,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		validator:    boundary.NewValidator(),
		cacheTTL:     cfg.CacheTTL,
		retryBackoff: cfg.RetryBackoff,
	}, nil
}

// Check answers one permission question. The active tenant is captured
// from ctx once at entry; a tenant switch during the call has no effect
// on it. Every failure path fails closed.
func (e *Engine) Check(ctx context.Context, req CheckRequest) Decision {
	started := time.Now()
	decision := e.check(ctx, req)
	e.observe(started, decision.Outcome)
	if !decision.Allowed {
		e.emitAudit(ctx, req, decision)
	}
	return decision
}

func (e *Engine) check(ctx context.Context, req CheckRequest) Decision {
	isSuper, err := e.store.IsSuperAdmin(ctx, req.UserID)
	if err != nil {
		return e.failClosed(err)
	}
	if isSuper {
		return Decision{Allowed: true, Outcome: OutcomeAllowed, Reason: ReasonSuperAdminBypass}
	}

	if violation := e.tenantBoundary(ctx, req.UserID, req.TenantID); violation != nil {
		return Decision{Outcome: OutcomeBoundaryViolation, Reason: violation.Rule}
	}

	closure, err := e.resolve(ctx, req.UserID, req.TenantID)
	if err != nil {
		return e.failClosed(err)
	}
	return evaluate(closure, BatchItem{Action: req.Action, Resource: req.Resource, ResourceID: req.ResourceID})
}

// CheckBatch answers every item against one resolution of the subject's
// closure: a batch of n checks costs at most one store load.
func (e *Engine) CheckBatch(ctx context.Context, userID, tenantID int64, items []BatchItem) []Decision {
	started := time.Now()
	decisions := make([]Decision, len(items))

	fill := func(d Decision) {
		for i := range decisions {
			decisions[i] = d
		}
	}

	isSuper, err := e.store.IsSuperAdmin(ctx, userID)
	switch {
	case err != nil:
		fill(e.failClosed(err))
	case isSuper:
		fill(Decision{Allowed: true, Outcome: OutcomeAllowed, Reason: ReasonSuperAdminBypass})
	default:
		if violation := e.tenantBoundary(ctx, userID, tenantID); violation != nil {
			fill(Decision{Outcome: OutcomeBoundaryViolation, Reason: violation.Rule})
			break
		}
		closure, err := e.resolve(ctx, userID, tenantID)
		if err != nil {
			fill(e.failClosed(err))
			break
		}
		for i, item := range items {
			decisions[i] = evaluate(closure, item)
		}
	}

	e.observe(started, batchOutcome(decisions))
	for i, d := range decisions {
		if !d.Allowed {
			e.emitAudit(ctx, CheckRequest{
				UserID:     userID,
				TenantID:   tenantID,
				Action:     items[i].Action,
				Resource:   items[i].Resource,
				ResourceID: items[i].ResourceID,
			}, d)
		}
	}
	return decisions
}

// ValidateGrant decides whether grantor may hand perm to grantee inside
// the tenant. Both closures resolve through the cache.
func (e *Engine) ValidateGrant(ctx context.Context, tenantID int64, grantor, grantee boundary.Subject, permSpec string) (Decision, error) {
	perm, err := catalog.ParsePermission(permSpec)
	if err != nil {
		return Decision{Outcome: OutcomeDenied, Reason: ReasonMissing}, err
	}
	grantorClosure, err := e.resolve(ctx, grantor.UserID, tenantID)
	if err != nil {
		return e.failClosed(err), nil
	}
	grantor.TenantID = tenantID
	grantor.Closure = grantorClosure
	grantee.TenantID = tenantID

	if err := e.validator.ValidateGrant(grantor, grantee, perm); err != nil {
		var violation *boundary.Violation
		reason := "boundary_violation"
		if errors.As(err, &violation) {
			reason = violation.Rule
		}
		d := Decision{Outcome: OutcomeBoundaryViolation, Reason: reason}
		e.emitAudit(ctx, CheckRequest{
			UserID:   grantor.UserID,
			TenantID: tenantID,
			Action:   perm.Action,
			Resource: perm.Resource,
		}, d)
		return d, nil
	}
	return Decision{Allowed: true, Outcome: OutcomeAllowed, Reason: ReasonGranted}, nil
}

// InvalidateOnMutation must be called by the role/permission write path
// before a mutation is acknowledged. It evicts affected cache entries,
// bumps the tenant sequence, and fans the event out to sibling replicas.
func (e *Engine) InvalidateOnMutation(ctx context.Context, ev permcache.Event) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	if e.cache != nil {
		e.cache.Invalidate(ctx, ev)
	}
	if e.fanout != nil {
		if err := e.fanout.Publish(ctx, ev); err != nil {
			e.logger.Warn("invalidation fanout publish", slog.Any("error", err))
		}
	}
	if e.metrics != nil {
		e.metrics.InvalidationReceived()
	}
}

// Warm resolves and caches the subject's closure without answering a
// check. Background warmers call it for hot subjects after invalidation
// storms.
func (e *Engine) Warm(ctx context.Context, userID, tenantID int64) error {
	_, err := e.resolve(ctx, userID, tenantID)
	return err
}

// resolve returns the subject's closure, from cache when current and
// from the role store otherwise. Concurrent misses for the same key
// collapse into one load. The flight key includes the version token
// captured before the load, so a check arriving after an invalidation
// cannot join a flight whose snapshot predates the mutation.
func (e *Engine) resolve(ctx context.Context, userID, tenantID int64) (*resolver.Closure, error) {
	key := permcache.Key{UserID: userID, TenantID: tenantID}
	var tok permcache.Token
	if e.cache != nil {
		if entry, ok := e.cache.Get(ctx, key); ok {
			closure, err := resolver.Decode(entry.Grants)
			if err == nil {
				if e.metrics != nil {
					e.metrics.CacheHit()
				}
				return closure, nil
			}
			e.logger.Warn("cached closure undecodable, reloading",
				slog.Int64("user", userID), slog.Int64("tenant", tenantID), slog.Any("error", err))
		}
		if e.metrics != nil {
			e.metrics.CacheMiss()
		}
		tok = e.cache.Begin(ctx, tenantID)
	}

	result := e.loads.DoChan(fmt.Sprintf("%d:%d:%s", tenantID, userID, tok.Key()), func() (any, error) {
		return e.load(ctx, key, tok)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-result:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*resolver.Closure), nil
	}
}

// load fetches assignments (one retry on transient failure), expands the
// closure, and caches it under the pre-load version token.
func (e *Engine) load(ctx context.Context, key permcache.Key, tok permcache.Token) (*resolver.Closure, error) {
	snap, err := e.store.LoadAssignments(ctx, key.TenantID, key.UserID)
	if err != nil && store.IsTransient(err) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.retryBackoff):
		}
		snap, err = e.store.LoadAssignments(ctx, key.TenantID, key.UserID)
	}
	if err != nil {
		return nil, err
	}

	closure := resolver.Expand(snap.Permissions)
	if e.cache != nil {
		e.cache.Put(ctx, key, permcache.Entry{
			Grants:  closure.Encode(),
			RoleIDs: snap.RoleIDs(),
		}, tok, e.cacheTTL)
	}
	return closure, nil
}

// tenantBoundary rejects cross-tenant access for non-bypass subjects
// when the request targets a tenant other than the context's active one.
func (e *Engine) tenantBoundary(ctx context.Context, userID, targetTenantID int64) *boundary.Violation {
	active, ok := tenant.Active(ctx)
	if !ok || active == targetTenantID {
		return nil
	}
	err := e.validator.ValidateTenantAccess(boundary.Subject{UserID: userID, TenantID: active}, targetTenantID)
	var violation *boundary.Violation
	if errors.As(err, &violation) {
		return violation
	}
	return nil
}

func (e *Engine) failClosed(err error) Decision {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return Decision{Outcome: OutcomeTimeout, Reason: ReasonTimeout}
	case errors.Is(err, store.ErrNotFound):
		return Decision{Outcome: OutcomeDenied, Reason: ReasonNotFound}
	default:
		e.logger.Warn("resolution failed closed", slog.Any("error", err))
		return Decision{Outcome: OutcomeUnavailable, Reason: ReasonUnavailable}
	}
}

func (e *Engine) observe(started time.Time, outcome Outcome) {
	if e.metrics == nil {
		return
	}
	e.metrics.ResolutionObserved(time.Since(started))
	e.metrics.DecisionRecorded(outcome)
}

func (e *Engine) emitAudit(ctx context.Context, req CheckRequest, d Decision) {
	if e.audit == nil {
		return
	}
	ev := AuditEvent{
		ID:         uuid.New(),
		UserID:     req.UserID,
		TenantID:   req.TenantID,
		Action:     string(req.Action),
		Resource:   string(req.Resource),
		ResourceID: req.ResourceID,
		Outcome:    d.Outcome,
		Reason:     d.Reason,
		At:         time.Now(),
	}
	go e.audit.Record(context.WithoutCancel(ctx), ev)
}

// evaluate answers one item against a resolved closure.
func evaluate(closure *resolver.Closure, item BatchItem) Decision {
	grant, ok := closure.Satisfies(item.Action, item.Resource, item.ResourceID)
	if !ok {
		return Decision{Outcome: OutcomeDenied, Reason: ReasonMissing}
	}
	d := Decision{Allowed: true, Outcome: OutcomeAllowed, Reason: ReasonGranted, Grant: grant.Permission.String()}
	if grant.ImpliedBy != nil {
		d.ImpliedBy = grant.ImpliedBy.String()
		d.Reason = "implied by " + grant.ImpliedBy.String()
	}
	return d
}

func batchOutcome(decisions []Decision) Outcome {
	for _, d := range decisions {
		if !d.Allowed {
			return d.Outcome
		}
	}
	return OutcomeAllowed
}
