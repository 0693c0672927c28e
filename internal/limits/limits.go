package limits

import (
	"context"
	"fmt"
	"time"

	"github.com/ksred/pocketmoney-api/internal/state"
)

// RateLimiter caps how many order attempts a user may make inside a trailing
// window. Denied attempts are not recorded.
type RateLimiter struct {
	store       state.Store
	prefix      string
	maxRequests int
	window      time.Duration
	now         func() time.Time
}

// NewRateLimiter creates a sliding window limiter allowing maxRequests per window.
func NewRateLimiter(store state.Store, prefix string, maxRequests int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		store:       store,
		prefix:      prefix,
		maxRequests: maxRequests,
		window:      window,
		now:         time.Now,
	}
}

// Allow records an attempt for userID and reports whether it is within the limit.
func (r *RateLimiter) Allow(ctx context.Context, userID string) (bool, error) {
	key := r.prefix + "rate:" + userID
	allowed, err := r.store.SlidingWindow(ctx, key, r.now(), r.window, r.maxRequests)
	if err != nil {
		return false, fmt.Errorf("rate limiter: %w", err)
	}
	return allowed, nil
}

// Window returns the trailing window length, used for Retry-After hints.
func (r *RateLimiter) Window() time.Duration { return r.window }

// QuotaCheck is the result of peeking at a user's daily trade count.
type QuotaCheck struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Used    int64  `json:"used"`
	Limit   int    `json:"limit"`
}

// QuotaTracker caps completed trades per calendar day. The day boundary is
// midnight in the configured location; a new day uses a new counter key, so
// the count resets without any sweeping.
type QuotaTracker struct {
	store     state.Store
	prefix    string
	maxTrades int
	loc       *time.Location
	now       func() time.Time
}

// NewQuotaTracker creates a tracker. maxTrades of zero disables the cap.
func NewQuotaTracker(store state.Store, prefix string, maxTrades int, loc *time.Location) *QuotaTracker {
	if loc == nil {
		loc = time.UTC
	}
	return &QuotaTracker{
		store:     store,
		prefix:    prefix,
		maxTrades: maxTrades,
		loc:       loc,
		now:       time.Now,
	}
}

func (q *QuotaTracker) key(userID string) string {
	return q.prefix + "quota:" + userID + ":" + q.now().In(q.loc).Format("2006-01-02")
}

// CheckAndPeek reports whether userID may place another trade today without
// consuming quota.
func (q *QuotaTracker) CheckAndPeek(ctx context.Context, userID string) (QuotaCheck, error) {
	if q.maxTrades == 0 {
		return QuotaCheck{Allowed: true}, nil
	}

	used, err := q.store.Count(ctx, q.key(userID))
	if err != nil {
		return QuotaCheck{}, fmt.Errorf("quota tracker: %w", err)
	}

	check := QuotaCheck{Allowed: used < int64(q.maxTrades), Used: used, Limit: q.maxTrades}
	if !check.Allowed {
		check.Reason = fmt.Sprintf("daily limit of %d trades reached", q.maxTrades)
	}
	return check, nil
}

// Increment counts one completed trade for userID today. Call it only after
// the whole trade succeeded.
func (q *QuotaTracker) Increment(ctx context.Context, userID string) error {
	if q.maxTrades == 0 {
		return nil
	}
	// two days covers any timezone offset between server and quota clock
	if _, err := q.store.Incr(ctx, q.key(userID), 48*time.Hour); err != nil {
		return fmt.Errorf("quota tracker: %w", err)
	}
	return nil
}
