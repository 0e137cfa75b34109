package permcache

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Channel is the Redis pub/sub channel carrying invalidation events
// between replicas.
const Channel = "authz:invalidate"

type fanoutMessage struct {
	Origin uuid.UUID `json:"origin"`
	Event  Event     `json:"event"`
}

// Fanout propagates invalidation events to the local caches of sibling
// replicas over Redis pub/sub. The shared level needs no propagation.
type Fanout struct {
	client *redis.Client
	origin uuid.UUID
	logger *slog.Logger
}

// NewFanout constructs a Fanout with a unique per-process origin so a
// replica skips its own messages.
func NewFanout(client *redis.Client, logger *slog.Logger) *Fanout {
	return &Fanout{client: client, origin: uuid.New(), logger: logger}
}

// Publish broadcasts the event to other replicas.
func (f *Fanout) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(fanoutMessage{Origin: f.origin, Event: ev})
	if err != nil {
		return err
	}
	return f.client.Publish(ctx, Channel, data).Err()
}

// Listen applies events published by other replicas until the context is
// cancelled. Malformed messages are logged and skipped.
func (f *Fanout) Listen(ctx context.Context, apply func(context.Context, Event)) error {
	sub := f.client.Subscribe(ctx, Channel)
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var m fanoutMessage
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				if f.logger != nil {
					f.logger.Warn("invalidation fanout: bad payload", slog.Any("error", err))
				}
				continue
			}
			if m.Origin == f.origin {
				continue
			}
			apply(ctx, m.Event)
		}
	}
}
