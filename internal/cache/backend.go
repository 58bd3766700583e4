// Package cache keeps resolved permission facts close to the resolver so
// repeated authorization checks skip the database.
package cache

import (
	"context"
	"time"
)

// Backend is a string key/value store with per-key expiry.
type Backend interface {
	// GetMany returns the values present for keys. Missing keys are absent
	// from the result.
	GetMany(ctx context.Context, keys []string) (map[string]string, error)
	SetMany(ctx context.Context, entries map[string]string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	DeletePrefix(ctx context.Context, prefix string) error
	Name() string
	Close() error
}
