package cache

import (
	"context"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// MemoryBackend is a process-local LRU used when no Redis is configured.
// Entries expire after the TTL given at construction; the per-call TTL
// passed to SetMany is ignored.
type MemoryBackend struct {
	cache *lru.LRU[string, string]
}

func NewMemoryBackend(size int, ttl time.Duration) *MemoryBackend {
	if size < 16 {
		size = 16
	}
	return &MemoryBackend{cache: lru.NewLRU[string, string](size, nil, ttl)}
}

func (b *MemoryBackend) Name() string { return "memory" }

func (b *MemoryBackend) GetMany(_ context.Context, keys []string) (map[string]string, error) {
	found := make(map[string]string, len(keys))
	for _, key := range keys {
		if value, ok := b.cache.Get(key); ok {
			found[key] = value
		}
	}
	return found, nil
}

func (b *MemoryBackend) SetMany(_ context.Context, entries map[string]string, _ time.Duration) error {
	for key, value := range entries {
		b.cache.Add(key, value)
	}
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, keys ...string) error {
	for _, key := range keys {
		b.cache.Remove(key)
	}
	return nil
}

func (b *MemoryBackend) DeletePrefix(_ context.Context, prefix string) error {
	for _, key := range b.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			b.cache.Remove(key)
		}
	}
	return nil
}

func (b *MemoryBackend) Len() int {
	return b.cache.Len()
}

func (b *MemoryBackend) Close() error {
	b.cache.Purge()
	return nil
}
