package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ksred/pocketmoney-api/internal/state"
	"github.com/ksred/pocketmoney-api/internal/types"
)

// Status is the lifecycle state of an idempotency record.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	// StatusNeedsReconciliation marks an order that left the ledger partially
	// written. Retrying it could duplicate a transaction, so the key stays
	// taken until the reconciliation processor releases it.
	StatusNeedsReconciliation Status = "NEEDS_RECONCILIATION"
)

// Key policies
const (
	PolicyOrder  = "order"
	PolicyClient = "client"
)

var ErrNotCompleted = errors.New("idempotency record has no cached result")

// Failure is the outcome cached for an order that must not be retried.
type Failure struct {
	Reason   string `json:"reason"`
	Message  string `json:"message"`
	IntentID string `json:"intent_id,omitempty"`
}

// Record is what the guard stores per key.
type Record struct {
	Key       string          `json:"key"`
	Status    Status          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Failure   *Failure        `json:"failure,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// CheckResult is returned by Check.
type CheckResult struct {
	IsDuplicate bool
	Record      *Record
}

// Guard collapses duplicate and retried orders into a single execution.
type Guard struct {
	store      state.Store
	prefix     string
	ttl        time.Duration
	pendingTTL time.Duration
	now        func() time.Time
}

// NewGuard creates a guard. ttl bounds how long completed results are
// replayed; pendingTTL bounds how long a crashed request can hold a key.
func NewGuard(store state.Store, prefix string, ttl, pendingTTL time.Duration) *Guard {
	if pendingTTL <= 0 {
		pendingTTL = ttl
	}
	return &Guard{
		store:      store,
		prefix:     prefix,
		ttl:        ttl,
		pendingTTL: pendingTTL,
		now:        time.Now,
	}
}

// OrderKey derives the key for an order from owner, symbol, side and
// quantity only. Price and time are deliberately left out, so two identical
// orders inside the TTL collapse into one.
func OrderKey(ownerID, symbol string, side types.Side, quantity int64) string {
	h := sha256.New()
	h.Write([]byte(strings.Join([]string{
		ownerID,
		strings.ToUpper(symbol),
		string(side),
		strconv.FormatInt(quantity, 10),
	}, "|")))
	return "order:" + hex.EncodeToString(h.Sum(nil))
}

// ClientKey scopes a caller supplied Idempotency-Key to its owner.
func ClientKey(ownerID, clientKey string) string {
	h := sha256.Sum256([]byte(ownerID + "|" + clientKey))
	return "client:" + hex.EncodeToString(h[:])
}

// KeyFor picks the key for req under policy. The client policy falls back to
// the order key when no header was sent.
func KeyFor(policy string, req types.OrderRequest) string {
	if policy == PolicyClient && req.IdempotencyKey != "" {
		return ClientKey(req.OwnerID, req.IdempotencyKey)
	}
	return OrderKey(req.OwnerID, req.Symbol, req.Side, req.Quantity)
}

func (g *Guard) storeKey(key string) string {
	return g.prefix + "idem:" + key
}

func (g *Guard) load(ctx context.Context, key string) (*Record, error) {
	data, ok, err := g.store.Get(ctx, g.storeKey(key))
	if err != nil || !ok {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode idempotency record: %w", err)
	}
	return &rec, nil
}

func (g *Guard) save(ctx context.Context, rec *Record, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return g.store.Set(ctx, g.storeKey(rec.Key), data, ttl)
}

// Check reports whether key belongs to an order already seen. Absent,
// expired and failed keys are not duplicates.
func (g *Guard) Check(ctx context.Context, key string) (CheckResult, error) {
	rec, err := g.load(ctx, key)
	if err != nil {
		return CheckResult{}, err
	}
	if rec == nil || rec.Status == StatusFailed {
		return CheckResult{}, nil
	}
	return CheckResult{IsDuplicate: true, Record: rec}, nil
}

// MarkPending atomically claims key. When the key is already taken it
// returns false with the record currently holding it.
func (g *Guard) MarkPending(ctx context.Context, key string) (bool, *Record, error) {
	rec := &Record{Key: key, Status: StatusPending, CreatedAt: g.now()}
	data, err := json.Marshal(rec)
	if err != nil {
		return false, nil, err
	}

	// a holder can be released between our SETNX and GET; retry once
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := g.store.SetNX(ctx, g.storeKey(key), data, g.pendingTTL)
		if err != nil {
			return false, nil, err
		}
		if ok {
			return true, nil, nil
		}

		existing, err := g.load(ctx, key)
		if err != nil {
			return false, nil, err
		}
		if existing != nil {
			return false, existing, nil
		}
	}
	return false, nil, fmt.Errorf("idempotency key %s contended", key)
}

// MarkCompleted caches result under key; it is replayed until the TTL lapses.
func (g *Guard) MarkCompleted(ctx context.Context, key string, result any) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode idempotent result: %w", err)
	}
	return g.save(ctx, &Record{
		Key:       key,
		Status:    StatusCompleted,
		Result:    payload,
		CreatedAt: g.now(),
	}, g.ttl)
}

// MarkFailed frees key so the same order can be retried at once.
func (g *Guard) MarkFailed(ctx context.Context, key string) error {
	return g.store.Delete(ctx, g.storeKey(key))
}

// MarkNeedsReconciliation parks key in a terminal state that does not
// expire; duplicates get failure back instead of a second execution.
func (g *Guard) MarkNeedsReconciliation(ctx context.Context, key string, failure Failure) error {
	return g.save(ctx, &Record{
		Key:       key,
		Status:    StatusNeedsReconciliation,
		Failure:   &failure,
		CreatedAt: g.now(),
	}, 0)
}

// Release frees a key parked for reconciliation once the ledger is repaired.
func (g *Guard) Release(ctx context.Context, key string) error {
	return g.store.Delete(ctx, g.storeKey(key))
}

// Decode unmarshals a completed record's cached result into dst.
func (r *Record) Decode(dst any) error {
	if r.Status != StatusCompleted {
		return ErrNotCompleted
	}
	return json.Unmarshal(r.Result, dst)
}
