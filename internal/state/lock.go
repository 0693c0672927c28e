package state

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrLockTimeout is returned when a lock stays held past the wait limit.
var ErrLockTimeout = errors.New("timed out waiting for lock")

// Locker hands out named mutual-exclusion locks kept in a Store, so they hold
// across every instance sharing that store. A lock expires after its TTL even
// if the holder never releases it.
type Locker struct {
	store  Store
	prefix string
	ttl    time.Duration
	wait   time.Duration
	poll   time.Duration
}

// NewLocker creates a locker. ttl bounds how long a crashed holder can block
// others; wait bounds how long Acquire blocks.
func NewLocker(store Store, prefix string, ttl, wait time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &Locker{
		store:  store,
		prefix: prefix,
		ttl:    ttl,
		wait:   wait,
		poll:   5 * time.Millisecond,
	}
}

// Acquire blocks until name is held, the wait limit passes or ctx is done.
// The returned func releases the lock; it is a no-op once the lock has
// expired and been taken by someone else.
func (l *Locker) Acquire(ctx context.Context, name string) (func(), error) {
	key := l.prefix + "lock:" + name
	token := []byte(uuid.NewString())
	deadline := time.Now().Add(l.wait)

	for {
		ok, err := l.store.SetNX(ctx, key, token, l.ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return func() { l.release(key, token) }, nil
		}
		if !time.Now().Before(deadline) {
			return nil, ErrLockTimeout
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.poll):
		}
	}
}

func (l *Locker) release(key string, token []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := l.store.DeleteIfEquals(ctx, key, token); err != nil {
		log.Warn().Err(err).Str("lock", key).Msg("failed to release lock")
	}
}
