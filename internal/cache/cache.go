// Package cache implements a two-tier cache: a fast in-process tier in front
// of a shared Redis tier. It is advisory only; callers treat every error as a
// miss and fall back to the source of truth.
package cache

import (
	"context"
	"time"
)

// Cache is the capability set the rest of the service relies on.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	DeleteByPrefix(ctx context.Context, prefix string) error
}

// Backend is a single cache tier.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// PrefixDeleter is implemented by backends that can enumerate keys.
type PrefixDeleter interface {
	DeleteByPrefix(ctx context.Context, prefix string) error
}

// Purger is implemented by backends that can drop every entry they hold.
type Purger interface {
	Purge(ctx context.Context) error
}

// SharedTier is implemented by caches that can hand out the tier every
// instance sees. Values that must not be served from a per-instance copy are
// read and written there directly.
type SharedTier interface {
	Shared() Backend
}
