package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/gatekeeper/internal/engine"
	jobmetrics "github.com/odyssey-erp/gatekeeper/internal/jobs"
	"github.com/odyssey-erp/gatekeeper/internal/permcache"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeInvalidate carries a cache invalidation event from a role
	// or permission write path to every worker.
	TaskTypeInvalidate = "authz:invalidate"
	// TaskTypeWarmup pre-resolves closures for hot subjects.
	TaskTypeWarmup = "authz:warmup"
)

// NewInvalidateTask constructs an Asynq task carrying the event.
func NewInvalidateTask(ev permcache.Event) (*asynq.Task, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeInvalidate, data), nil
}

// HandleInvalidateTask returns a handler that applies invalidation
// events through the engine, which evicts cache entries and fans the
// event out to sibling replicas.
func HandleInvalidateTask(eng *engine.Engine, logger *slog.Logger, metrics *jobmetrics.Metrics) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		tracker := metrics.Track(TaskTypeInvalidate)
		var ev permcache.Event
		if err := json.Unmarshal(t.Payload(), &ev); err != nil {
			logger.Warn("invalidate task payload undecodable", slog.Any("error", err))
			_ = tracker.End(err)
			return asynq.SkipRetry
		}
		eng.InvalidateOnMutation(ctx, ev)
		return tracker.End(nil)
	}
}

// WarmupPayload names the subjects whose closures should be pre-cached.
type WarmupPayload struct {
	TenantID int64   `json:"tenant_id"`
	UserIDs  []int64 `json:"user_ids"`
}

// NewWarmupTask constructs an Asynq task for closure pre-resolution.
func NewWarmupTask(payload WarmupPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeWarmup, data), nil
}

// HandleWarmupTask returns a handler that resolves each subject once so
// the first real check after a cold start or mass invalidation hits the
// cache. Individual subject failures are logged, not retried: the next
// real check will resolve on demand anyway.
func HandleWarmupTask(eng *engine.Engine, logger *slog.Logger, metrics *jobmetrics.Metrics) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		tracker := metrics.Track(TaskTypeWarmup)
		var payload WarmupPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			logger.Warn("warmup task payload undecodable", slog.Any("error", err))
			_ = tracker.End(err)
			return asynq.SkipRetry
		}
		for _, userID := range payload.UserIDs {
			if err := eng.Warm(ctx, userID, payload.TenantID); err != nil {
				logger.Warn("warmup resolve",
					slog.Int64("user", userID),
					slog.Int64("tenant", payload.TenantID),
					slog.Any("error", err))
			}
			if ctx.Err() != nil {
				return tracker.End(ctx.Err())
			}
		}
		return tracker.End(nil)
	}
}
