package state

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockerExcludesSecondHolder(t *testing.T) {
	ctx := context.Background()
	locker := NewLocker(NewMemoryStore(), "t:", time.Minute, 20*time.Millisecond)

	release, err := locker.Acquire(ctx, "account:kid")
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "account:kid")
	assert.ErrorIs(t, err, ErrLockTimeout)

	other, err := locker.Acquire(ctx, "account:other")
	require.NoError(t, err, "locks are per name")
	other()

	release()
	again, err := locker.Acquire(ctx, "account:kid")
	require.NoError(t, err)
	again()
}

func TestLockerStaleReleaseKeepsNewHolder(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := NewMemoryStore().WithClock(func() time.Time { return now })
	locker := NewLocker(store, "t:", time.Second, 20*time.Millisecond)

	stale, err := locker.Acquire(ctx, "account:kid")
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	current, err := locker.Acquire(ctx, "account:kid")
	require.NoError(t, err, "an expired lock can be taken over")

	stale()
	_, err = locker.Acquire(ctx, "account:kid")
	assert.ErrorIs(t, err, ErrLockTimeout, "the old holder must not free the new holder's lock")
	current()
}

func TestLockerSerializesHoldersOverRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	store := NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	locker := NewLocker(store, "t:", time.Minute, 5*time.Second)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		holders int
		peak    int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locker.Acquire(context.Background(), "account:kid")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			holders++
			peak = max(peak, holders)
			mu.Unlock()

			time.Sleep(2 * time.Millisecond)

			mu.Lock()
			holders--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, peak)
}

func TestLockerHonoursContext(t *testing.T) {
	locker := NewLocker(NewMemoryStore(), "t:", time.Minute, time.Minute)
	release, err := locker.Acquire(context.Background(), "account:kid")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locker.Acquire(ctx, "account:kid")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
