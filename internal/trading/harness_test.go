package trading

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ksred/pocketmoney-api/internal/achievements"
	"github.com/ksred/pocketmoney-api/internal/database"
	"github.com/ksred/pocketmoney-api/internal/idempotency"
	"github.com/ksred/pocketmoney-api/internal/limits"
	"github.com/ksred/pocketmoney-api/internal/metrics"
	"github.com/ksred/pocketmoney-api/internal/pricing"
	"github.com/ksred/pocketmoney-api/internal/state"
	"github.com/ksred/pocketmoney-api/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var errInjected = errors.New("injected store failure")

// faultyStore fails the chosen ledger step and passes everything else through.
type faultyStore struct {
	LedgerStore
	failAt Step
}

func (f *faultyStore) AppendTransaction(ctx context.Context, tx *types.Transaction) error {
	if f.failAt == StepTransaction {
		return errInjected
	}
	return f.LedgerStore.AppendTransaction(ctx, tx)
}

func (f *faultyStore) ApplyHolding(ctx context.Context, change HoldingChange) error {
	if f.failAt == StepHolding {
		return errInjected
	}
	return f.LedgerStore.ApplyHolding(ctx, change)
}

func (f *faultyStore) AdjustCash(ctx context.Context, accountID uint, delta int64) (int64, error) {
	if f.failAt == StepCash {
		return 0, errInjected
	}
	return f.LedgerStore.AdjustCash(ctx, accountID, delta)
}

func (f *faultyStore) WithinTx(ctx context.Context, fn func(LedgerStore) error) error {
	return f.LedgerStore.WithinTx(ctx, func(s LedgerStore) error {
		return fn(&faultyStore{LedgerStore: s, failAt: f.failAt})
	})
}

type recordingNotifier struct {
	mu     sync.Mutex
	trades []achievements.TradeContext
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, _ string, trade achievements.TradeContext) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.trades = append(n.trades, trade)
	return n.err
}

func (n *recordingNotifier) Close() error { return nil }

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.trades)
}

type harnessConfig struct {
	mode      Mode
	failAt    Step
	rateMax   int
	quotaMax  int
	keyPolicy string
}

type harnessOption func(*harnessConfig)

func withMode(m Mode) harnessOption { return func(c *harnessConfig) { c.mode = m } }
func withFault(step Step) harnessOption { return func(c *harnessConfig) { c.failAt = step } }
func withRateLimit(n int) harnessOption { return func(c *harnessConfig) { c.rateMax = n } }
func withDailyQuota(n int) harnessOption { return func(c *harnessConfig) { c.quotaMax = n } }

type harness struct {
	t        *testing.T
	svc      *Service
	db       *Database
	faulty   *faultyStore
	prices   *pricing.Simulated
	notifier *recordingNotifier
	metrics  *metrics.Metrics
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	cfg := harnessConfig{
		mode:      ModeSequential,
		rateMax:   100,
		quotaMax:  50,
		keyPolicy: idempotency.PolicyOrder,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	gdb, err := database.NewDatabase(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			sqlDB.Close()
		}
	})

	db := NewDatabase(gdb)
	faulty := &faultyStore{LedgerStore: db, failAt: cfg.failAt}

	m := metrics.NewUnregistered()
	mem := state.NewMemoryStore()
	sim := pricing.NewSimulated(map[string]float64{"ACME": 50, "MSFT": 410}, 0, 1)
	notifier := &recordingNotifier{}

	svc := NewService(Dependencies{
		Store:    faulty,
		Ledger:   NewLedger(faulty, cfg.mode, m),
		Rate:     limits.NewRateLimiter(mem, "t:", cfg.rateMax, time.Minute),
		Quota:    limits.NewQuotaTracker(mem, "t:", cfg.quotaMax, time.UTC),
		Guard:    idempotency.NewGuard(mem, "t:", time.Minute, 2*time.Minute),
		Oracle:   pricing.NewClient(sim, pricing.ClientConfig{Timeout: time.Second}, m),
		Notifier: notifier,
		Metrics:  m,
		Locks:    state.NewLocker(mem, "t:", time.Minute, 5*time.Second),
	}, Options{
		KeyPolicy: cfg.keyPolicy,
		Limits: Limits{
			MaxShares:       1000,
			MaxValue:        decimal.NewFromInt(5000),
			MaxSymbolLength: 10,
		},
		StartingCash:  decimal.NewFromInt(10000),
		NotifyTimeout: time.Second,
	})

	return &harness{
		t:        t,
		svc:      svc,
		db:       db,
		faulty:   faulty,
		prices:   sim,
		notifier: notifier,
		metrics:  m,
	}
}

func (h *harness) openAccount(owner string) {
	h.t.Helper()
	_, _, err := h.svc.OpenAccount(context.Background(), owner)
	require.NoError(h.t, err)
}

func (h *harness) order(owner string, side types.Side, symbol string, qty int64) (*TradeResult, error) {
	return h.svc.PlaceOrder(context.Background(), types.OrderRequest{
		OwnerID:  owner,
		Symbol:   symbol,
		Side:     side,
		Quantity: qty,
	})
}

func (h *harness) account(owner string) *types.Account {
	h.t.Helper()
	acct, err := h.db.GetAccountByOwner(context.Background(), owner)
	require.NoError(h.t, err)
	require.NotNil(h.t, acct)
	return acct
}

func (h *harness) holding(owner, symbol string) *types.Holding {
	h.t.Helper()
	acct := h.account(owner)
	holding, err := h.db.GetHolding(context.Background(), acct.ID, symbol)
	require.NoError(h.t, err)
	return holding
}

func (h *harness) transactions(owner string) []types.Transaction {
	h.t.Helper()
	acct := h.account(owner)
	txs, err := h.db.ListTransactions(context.Background(), acct.ID, 0)
	require.NoError(h.t, err)
	return txs
}

func (h *harness) intents(statuses ...types.IntentStatus) []types.LedgerIntent {
	h.t.Helper()
	intents, err := h.db.ListIntents(context.Background(), statuses, time.Now().Add(time.Hour), 0)
	require.NoError(h.t, err)
	return intents
}

func requireReason(t *testing.T, err error, reason Reason) *TradeError {
	t.Helper()
	require.Error(t, err)
	var te *TradeError
	require.ErrorAs(t, err, &te)
	require.Equal(t, reason, te.Reason, te.Error())
	return te
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }
