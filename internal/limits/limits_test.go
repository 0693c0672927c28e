package limits

import (
	"context"
	"testing"
	"time"

	"github.com/ksred/pocketmoney-api/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterSlidingWindow(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(state.NewMemoryStore(), "t:", 10, time.Minute)
	rl.now = func() time.Time { return now }

	for i := 0; i < 10; i++ {
		ok, err := rl.Allow(ctx, "kid-1")
		require.NoError(t, err)
		assert.True(t, ok, "attempt %d", i+1)
		now = now.Add(time.Second)
	}

	ok, err := rl.Allow(ctx, "kid-1")
	require.NoError(t, err)
	assert.False(t, ok, "11th attempt inside the window is refused")

	// other users are unaffected
	ok, err = rl.Allow(ctx, "kid-2")
	require.NoError(t, err)
	assert.True(t, ok)

	// first attempt was at 09:00:00; at 09:01:00.5 it has left the window
	now = time.Date(2026, 5, 4, 9, 1, 0, 500, time.UTC)
	ok, err = rl.Allow(ctx, "kid-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRateLimiterDenialsAreNotRecorded(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(state.NewMemoryStore(), "t:", 2, time.Minute)
	rl.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		ok, _ := rl.Allow(ctx, "kid")
		require.True(t, ok)
	}
	// hammering while blocked must not extend the block
	for i := 0; i < 5; i++ {
		now = now.Add(10 * time.Second)
		ok, _ := rl.Allow(ctx, "kid")
		require.False(t, ok)
	}

	now = time.Date(2026, 5, 4, 9, 1, 0, 1, time.UTC)
	ok, err := rl.Allow(ctx, "kid")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestQuotaTrackerPeekDoesNotConsume(t *testing.T) {
	ctx := context.Background()
	q := NewQuotaTracker(state.NewMemoryStore(), "t:", 2, time.UTC)
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		check, err := q.CheckAndPeek(ctx, "kid")
		require.NoError(t, err)
		assert.True(t, check.Allowed)
		assert.Equal(t, int64(0), check.Used)
	}
}

func TestQuotaTrackerCapsAndResetsAtMidnight(t *testing.T) {
	ctx := context.Background()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	q := NewQuotaTracker(state.NewMemoryStore(), "t:", 2, loc)
	// 23:30 in New York on May 4th
	now := time.Date(2026, 5, 4, 23, 30, 0, 0, loc)
	q.now = func() time.Time { return now }

	require.NoError(t, q.Increment(ctx, "kid"))
	require.NoError(t, q.Increment(ctx, "kid"))

	check, err := q.CheckAndPeek(ctx, "kid")
	require.NoError(t, err)
	assert.False(t, check.Allowed)
	assert.Equal(t, int64(2), check.Used)
	assert.Equal(t, 2, check.Limit)
	assert.NotEmpty(t, check.Reason)

	// 00:10 the next day in New York, still May 5th 04:10 UTC
	now = now.Add(40 * time.Minute)
	check, err = q.CheckAndPeek(ctx, "kid")
	require.NoError(t, err)
	assert.True(t, check.Allowed)
	assert.Equal(t, int64(0), check.Used)
}

func TestQuotaTrackerDisabled(t *testing.T) {
	ctx := context.Background()
	q := NewQuotaTracker(state.NewMemoryStore(), "t:", 0, nil)

	for i := 0; i < 100; i++ {
		require.NoError(t, q.Increment(ctx, "kid"))
	}
	check, err := q.CheckAndPeek(ctx, "kid")
	require.NoError(t, err)
	assert.True(t, check.Allowed)
}
