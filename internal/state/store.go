// Package state holds the short-lived shared state behind the rate limiter,
// the daily quota tracker and the idempotency guard.
//
// MemoryStore keeps everything in the process; with more than one API
// instance the limits and duplicate suppression only hold per instance.
// RedisStore moves the same operations to Redis so they hold across
// instances.
package state

import (
	"context"
	"time"
)

// Store is a key/value store whose mutating operations are atomic per key.
// A ttl of zero means the key does not expire.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX stores value only if key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	// DeleteIfEquals removes key only while it still holds value.
	DeleteIfEquals(ctx context.Context, key string, value []byte) (bool, error)
	// Incr adds one to the counter at key, creating it with ttl when absent.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Count returns the counter at key, zero when absent.
	Count(ctx context.Context, key string) (int64, error)
	// SlidingWindow drops entries older than now-window and, if fewer than
	// limit remain, records now and returns true.
	SlidingWindow(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (bool, error)
}
