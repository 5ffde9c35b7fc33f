// Package cache provides short-TTL caching of remote responses, used by the
// read-only lookup tools (weather, news, academic search) to avoid hammering
// free upstream APIs on repeated identical queries.
package cache

import (
	"context"
	"time"
)

// Cache stores serialized values under string keys with per-entry TTL.
type Cache interface {
	// Get returns the cached value and whether it was present and fresh.
	Get(ctx context.Context, key string) ([]byte, bool)
	// Set stores the value for the given lifetime.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes the key if present.
	Delete(ctx context.Context, key string) error
}
