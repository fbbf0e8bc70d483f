package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/devicecloud/quotad/internal/cache"
)

// Broadcaster fans cache invalidations out to every instance over core NATS
// so each can drop its in-process tier. Messages carry the sender's id and
// an instance ignores its own.
type Broadcaster struct {
	conn     *nats.Conn
	instance string
}

type invalidationMessage struct {
	Instance string `json:"instance"`
	cache.Invalidation
}

// NewBroadcaster creates a Broadcaster with a random instance id.
func NewBroadcaster(conn *nats.Conn) *Broadcaster {
	return &Broadcaster{conn: conn, instance: uuid.NewString()}
}

// Broadcast implements cache.Broadcaster.
func (b *Broadcaster) Broadcast(_ context.Context, inv cache.Invalidation) error {
	payload, err := json.Marshal(invalidationMessage{Instance: b.instance, Invalidation: inv})
	if err != nil {
		return fmt.Errorf("marshaling invalidation: %w", err)
	}
	if err := b.conn.Publish(SubjectCacheInvalidate, payload); err != nil {
		return fmt.Errorf("publishing to %s: %w", SubjectCacheInvalidate, err)
	}
	return nil
}

// Subscribe applies invalidations from other instances with apply until the
// returned subscription is drained.
func (b *Broadcaster) Subscribe(apply func(ctx context.Context, inv cache.Invalidation)) (*nats.Subscription, error) {
	sub, err := b.conn.Subscribe(SubjectCacheInvalidate, func(msg *nats.Msg) {
		var m invalidationMessage
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			slog.Warn("cache invalidation: malformed message", "error", err)
			return
		}
		if m.Instance == b.instance {
			return
		}
		apply(context.Background(), m.Invalidation)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", SubjectCacheInvalidate, err)
	}
	return sub, nil
}
