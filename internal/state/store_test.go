package state

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// StoreContractSuite runs the same behaviour checks against every backend.
type StoreContractSuite struct {
	suite.Suite
	newStore func() (Store, func(time.Duration))
	store    Store
	advance  func(time.Duration)
	ctx      context.Context
}

func (s *StoreContractSuite) SetupTest() {
	s.ctx = context.Background()
	s.store, s.advance = s.newStore()
}

func TestMemoryStoreContract(t *testing.T) {
	suite.Run(t, &StoreContractSuite{newStore: func() (Store, func(time.Duration)) {
		var mu sync.Mutex
		now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		m := NewMemoryStore().WithClock(func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return now
		})
		return m, func(d time.Duration) {
			mu.Lock()
			now = now.Add(d)
			mu.Unlock()
		}
	}})
}

func TestRedisStoreContract(t *testing.T) {
	suite.Run(t, &StoreContractSuite{newStore: func() (Store, func(time.Duration)) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		return NewRedisStoreFromClient(client), mr.FastForward
	}})
}

func (s *StoreContractSuite) TestGetMissing() {
	_, ok, err := s.store.Get(s.ctx, "missing")
	s.Require().NoError(err)
	s.False(ok)
}

func (s *StoreContractSuite) TestSetAndGet() {
	s.Require().NoError(s.store.Set(s.ctx, "k", []byte("v"), 0))

	v, ok, err := s.store.Get(s.ctx, "k")
	s.Require().NoError(err)
	s.True(ok)
	s.Equal("v", string(v))
}

func (s *StoreContractSuite) TestSetNXOnlyOnce() {
	ok, err := s.store.SetNX(s.ctx, "k", []byte("first"), time.Minute)
	s.Require().NoError(err)
	s.True(ok)

	ok, err = s.store.SetNX(s.ctx, "k", []byte("second"), time.Minute)
	s.Require().NoError(err)
	s.False(ok)

	v, _, _ := s.store.Get(s.ctx, "k")
	s.Equal("first", string(v))
}

func (s *StoreContractSuite) TestTTLExpiry() {
	s.Require().NoError(s.store.Set(s.ctx, "k", []byte("v"), time.Second))
	s.advance(2 * time.Second)

	_, ok, err := s.store.Get(s.ctx, "k")
	s.Require().NoError(err)
	s.False(ok)

	ok, err = s.store.SetNX(s.ctx, "k", []byte("again"), time.Second)
	s.Require().NoError(err)
	s.True(ok, "expired key must be claimable")
}

func (s *StoreContractSuite) TestDelete() {
	s.Require().NoError(s.store.Set(s.ctx, "k", []byte("v"), 0))
	s.Require().NoError(s.store.Delete(s.ctx, "k"))

	_, ok, _ := s.store.Get(s.ctx, "k")
	s.False(ok)
}

func (s *StoreContractSuite) TestDeleteIfEquals() {
	s.Require().NoError(s.store.Set(s.ctx, "k", []byte("mine"), time.Minute))

	deleted, err := s.store.DeleteIfEquals(s.ctx, "k", []byte("theirs"))
	s.Require().NoError(err)
	s.False(deleted)
	_, ok, _ := s.store.Get(s.ctx, "k")
	s.True(ok, "a different value is left alone")

	deleted, err = s.store.DeleteIfEquals(s.ctx, "k", []byte("mine"))
	s.Require().NoError(err)
	s.True(deleted)
	_, ok, _ = s.store.Get(s.ctx, "k")
	s.False(ok)

	deleted, err = s.store.DeleteIfEquals(s.ctx, "missing", []byte("mine"))
	s.Require().NoError(err)
	s.False(deleted)
}

func (s *StoreContractSuite) TestIncrAndCount() {
	n, err := s.store.Count(s.ctx, "c")
	s.Require().NoError(err)
	s.Equal(int64(0), n)

	for i := 1; i <= 3; i++ {
		n, err = s.store.Incr(s.ctx, "c", time.Hour)
		s.Require().NoError(err)
		s.Equal(int64(i), n)
	}

	n, err = s.store.Count(s.ctx, "c")
	s.Require().NoError(err)
	s.Equal(int64(3), n)

	s.advance(2 * time.Hour)
	n, err = s.store.Count(s.ctx, "c")
	s.Require().NoError(err)
	s.Equal(int64(0), n)
}

func (s *StoreContractSuite) TestSlidingWindow() {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		ok, err := s.store.SlidingWindow(s.ctx, "w", start.Add(time.Duration(i)*time.Second), time.Minute, 3)
		s.Require().NoError(err)
		s.True(ok)
	}

	ok, err := s.store.SlidingWindow(s.ctx, "w", start.Add(10*time.Second), time.Minute, 3)
	s.Require().NoError(err)
	s.False(ok, "fourth attempt inside the window is refused")

	// the oldest attempt (start) falls out once now-window passes it
	ok, err = s.store.SlidingWindow(s.ctx, "w", start.Add(time.Minute+time.Millisecond), time.Minute, 3)
	s.Require().NoError(err)
	s.True(ok)

	ok, err = s.store.SlidingWindow(s.ctx, "w", start.Add(time.Minute+2*time.Millisecond), time.Minute, 3)
	s.Require().NoError(err)
	s.False(ok)
}

func (s *StoreContractSuite) TestSetNXConcurrent() {
	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.store.SetNX(s.ctx, "race", []byte("x"), time.Minute)
			if err == nil && ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	s.Equal(int32(1), wins)
}

func TestMemoryStoreSweep(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewMemoryStore().WithClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "short", []byte("v"), time.Second))
	require.NoError(t, m.Set(ctx, "forever", []byte("v"), 0))
	_, err := m.SlidingWindow(ctx, "w", now, time.Minute, 5)
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	m.Sweep(time.Minute)

	assert.NotContains(t, m.entries, "short")
	assert.Contains(t, m.entries, "forever")
	assert.NotContains(t, m.windows, "w")
}
