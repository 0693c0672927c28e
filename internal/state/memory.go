package state

import (
	"bytes"
	"context"
	"strconv"
	"sync"
	"time"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStore is an in-process Store. Expired keys are dropped lazily on
// access and by Sweep.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]entry
	windows map[string][]time.Time
	now     func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]entry),
		windows: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// WithClock replaces the time source used for expiry. Tests only.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

func (m *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

// lookup must be called with mu held.
func (m *MemoryStore) lookup(key string) (entry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return entry{}, false
	}
	if e.expired(m.now()) {
		delete(m.entries, key)
		return entry{}, false
	}
	return e, true
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookup(key)
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = entry{value: append([]byte(nil), value...), expiresAt: m.expiry(ttl)}
	return nil
}

func (m *MemoryStore) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.lookup(key); ok {
		return false, nil
	}
	m.entries[key] = entry{value: append([]byte(nil), value...), expiresAt: m.expiry(ttl)}
	return true, nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)
	delete(m.windows, key)
	return nil
}

func (m *MemoryStore) DeleteIfEquals(_ context.Context, key string, value []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookup(key)
	if !ok || !bytes.Equal(e.value, value) {
		return false, nil
	}
	delete(m.entries, key)
	return true, nil
}

func (m *MemoryStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookup(key)
	var n int64
	if ok {
		parsed, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return 0, err
		}
		n = parsed
	} else {
		e.expiresAt = m.expiry(ttl)
	}
	n++
	e.value = []byte(strconv.FormatInt(n, 10))
	m.entries[key] = e
	return n, nil
}

func (m *MemoryStore) Count(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookup(key)
	if !ok {
		return 0, nil
	}
	return strconv.ParseInt(string(e.value), 10, 64)
}

func (m *MemoryStore) SlidingWindow(_ context.Context, key string, now time.Time, window time.Duration, limit int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now.Add(-window)
	stamps := m.windows[key]
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= limit {
		m.windows[key] = kept
		return false, nil
	}
	m.windows[key] = append(kept, now)
	return true, nil
}

// Sweep removes expired keys and empty windows older than maxWindow.
func (m *MemoryStore) Sweep(maxWindow time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for k, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, k)
		}
	}
	for k, stamps := range m.windows {
		if len(stamps) == 0 || !stamps[len(stamps)-1].After(now.Add(-maxWindow)) {
			delete(m.windows, k)
		}
	}
}

// RunSweeper calls Sweep every interval until ctx is cancelled.
func (m *MemoryStore) RunSweeper(ctx context.Context, interval, maxWindow time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(maxWindow)
		}
	}
}
