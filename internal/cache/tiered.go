package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/devicecloud/quotad/internal/metrics"
)

// ErrPrefixDeleteUnsupported is returned when a tier can neither enumerate
// keys nor be purged.
var ErrPrefixDeleteUnsupported = errors.New("cache backend supports neither prefix delete nor purge")

type prefixDeleteFunc func(ctx context.Context, prefix string) error

// Tiered reads L1 then L2 and back-fills L1 on an L2 hit. Writes and deletes
// go to both tiers. Either tier may be nil.
type Tiered struct {
	l1, l2             Backend
	l1Prefix, l2Prefix prefixDeleteFunc
	bc                 Broadcaster
}

// NewTiered builds the two-tier cache. How each tier deletes by prefix is
// decided here, once: natively when the backend can enumerate keys,
// otherwise by purging the whole tier.
func NewTiered(l1, l2 Backend) *Tiered {
	t := &Tiered{l1: l1, l2: l2}
	if l1 != nil {
		t.l1Prefix = prefixDeleter("l1", l1)
	}
	if l2 != nil {
		t.l2Prefix = prefixDeleter("l2", l2)
	}
	return t
}

func prefixDeleter(tier string, b Backend) prefixDeleteFunc {
	if pd, ok := b.(PrefixDeleter); ok {
		return pd.DeleteByPrefix
	}
	if p, ok := b.(Purger); ok {
		slog.Info("cache: tier lacks key enumeration, prefix deletes purge the whole tier", "tier", tier)
		return func(ctx context.Context, _ string) error {
			return p.Purge(ctx)
		}
	}
	return func(context.Context, string) error {
		return ErrPrefixDeleteUnsupported
	}
}

func (t *Tiered) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if t.l1 != nil {
		if v, ok, _ := t.l1.Get(ctx, key); ok {
			metrics.CacheRequestsTotal.WithLabelValues("l1", "hit").Inc()
			return v, true, nil
		}
		metrics.CacheRequestsTotal.WithLabelValues("l1", "miss").Inc()
	}

	if t.l2 == nil {
		return nil, false, nil
	}

	v, ok, err := t.l2.Get(ctx, key)
	if err != nil {
		metrics.CacheRequestsTotal.WithLabelValues("l2", "error").Inc()
		return nil, false, err
	}
	if !ok {
		metrics.CacheRequestsTotal.WithLabelValues("l2", "miss").Inc()
		return nil, false, nil
	}
	metrics.CacheRequestsTotal.WithLabelValues("l2", "hit").Inc()

	if t.l1 != nil {
		_ = t.l1.Set(ctx, key, v, 0)
	}
	return v, true, nil
}

func (t *Tiered) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if t.l1 != nil {
		_ = t.l1.Set(ctx, key, value, ttl)
	}
	if t.l2 != nil {
		return t.l2.Set(ctx, key, value, ttl)
	}
	return nil
}

// Shared returns L2, or L1 when the cache has no shared tier.
func (t *Tiered) Shared() Backend {
	if t.l2 != nil {
		return t.l2
	}
	return t.l1
}

// SetBroadcaster makes every delete announce itself to other instances so
// they can drop their L1 copies.
func (t *Tiered) SetBroadcaster(bc Broadcaster) {
	t.bc = bc
}

func (t *Tiered) Delete(ctx context.Context, keys ...string) error {
	if t.l1 != nil {
		_ = t.l1.Delete(ctx, keys...)
	}
	var err error
	if t.l2 != nil {
		err = t.l2.Delete(ctx, keys...)
	}
	t.broadcast(ctx, Invalidation{Keys: keys})
	return err
}

func (t *Tiered) DeleteByPrefix(ctx context.Context, prefix string) error {
	var errs []error
	if t.l1Prefix != nil {
		if err := t.l1Prefix(ctx, prefix); err != nil {
			errs = append(errs, fmt.Errorf("l1: %w", err))
		}
	}
	if t.l2Prefix != nil {
		if err := t.l2Prefix(ctx, prefix); err != nil {
			errs = append(errs, fmt.Errorf("l2: %w", err))
		}
	}
	t.broadcast(ctx, Invalidation{Prefixes: []string{prefix}})
	return errors.Join(errs...)
}

func (t *Tiered) broadcast(ctx context.Context, inv Invalidation) {
	if t.bc == nil {
		return
	}
	if err := t.bc.Broadcast(ctx, inv); err != nil {
		slog.Warn("cache: broadcasting invalidation failed", "error", err)
	}
}

// ApplyRemote evicts from L1 only. L2 was already cleared by the instance
// that sent the invalidation.
func (t *Tiered) ApplyRemote(ctx context.Context, inv Invalidation) {
	if t.l1 == nil {
		return
	}
	if len(inv.Keys) > 0 {
		_ = t.l1.Delete(ctx, inv.Keys...)
	}
	for _, p := range inv.Prefixes {
		_ = t.l1Prefix(ctx, p)
	}
}
