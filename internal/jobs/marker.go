package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Marker records that a job finished for a given window, e.g. the monthly
// reset for 2026-10. The lock keeps two instances from running a job at the
// same time; the marker keeps a late instance from running it again after
// the first one released the lock.
type Marker struct {
	rdb redis.Cmdable
}

// NewMarker creates a Redis-backed Marker.
func NewMarker(rdb redis.Cmdable) *Marker {
	return &Marker{rdb: rdb}
}

// Done reports whether key was marked.
func (m *Marker) Done(ctx context.Context, key string) (bool, error) {
	n, err := m.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("reading job marker %s: %w", key, err)
	}
	return n > 0, nil
}

// Mark records key for ttl.
func (m *Marker) Mark(ctx context.Context, key string, ttl time.Duration) error {
	if err := m.rdb.Set(ctx, key, time.Now().UTC().Format(time.RFC3339), ttl).Err(); err != nil {
		return fmt.Errorf("writing job marker %s: %w", key, err)
	}
	return nil
}
