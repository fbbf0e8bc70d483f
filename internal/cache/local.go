package cache

import (
	"context"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// LocalBackend is the in-process tier: a size-bounded LRU whose entries all
// share one TTL. Per-call TTLs longer than that are capped.
type LocalBackend struct {
	lru *expirable.LRU[string, []byte]
}

// NewLocalBackend creates an LRU holding at most size entries for ttl each.
func NewLocalBackend(size int, ttl time.Duration) *LocalBackend {
	if size <= 0 {
		size = 1000
	}
	return &LocalBackend{lru: expirable.NewLRU[string, []byte](size, nil, ttl)}
}

func (b *LocalBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := b.lru.Get(key)
	return v, ok, nil
}

func (b *LocalBackend) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	b.lru.Add(key, value)
	return nil
}

func (b *LocalBackend) Delete(_ context.Context, keys ...string) error {
	for _, k := range keys {
		b.lru.Remove(k)
	}
	return nil
}

func (b *LocalBackend) DeleteByPrefix(_ context.Context, prefix string) error {
	for _, k := range b.lru.Keys() {
		if strings.HasPrefix(k, prefix) {
			b.lru.Remove(k)
		}
	}
	return nil
}

func (b *LocalBackend) Purge(_ context.Context) error {
	b.lru.Purge()
	return nil
}

// Len reports the number of live entries.
func (b *LocalBackend) Len() int {
	return b.lru.Len()
}
