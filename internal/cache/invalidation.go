package cache

import "context"

// Invalidation names the keys and prefixes one instance removed, so peers
// can drop them from their own L1.
type Invalidation struct {
	Keys     []string `json:"keys,omitempty"`
	Prefixes []string `json:"prefixes,omitempty"`
}

// Broadcaster fans an Invalidation out to every running instance.
type Broadcaster interface {
	Broadcast(ctx context.Context, inv Invalidation) error
}
