// Package cache defines the key-value collaborator used by the permission
// resolver. Implementations must surface failures as errors; a cache error is
// treated exactly like a miss by callers, never as a wrong answer.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss reports that a key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// Cache is a TTL'd key-value store with explicit delete-by-key and
// delete-by-prefix. The resolver owns one instance per process; it is created
// at startup and torn down at shutdown, never a hidden singleton.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
}
