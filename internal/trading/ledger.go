package trading

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/pocketmoney-api/internal/metrics"
	"github.com/ksred/pocketmoney-api/internal/types"
	"github.com/rs/zerolog/log"
)

// Step names one of the three ledger writes.
type Step string

const (
	StepTransaction Step = "transaction"
	StepHolding     Step = "holding"
	StepCash        Step = "cash"
	StepCommit      Step = "commit"
)

// Mode selects how the three writes are applied.
type Mode string

const (
	// ModeSequential applies the writes one by one behind a persisted intent.
	ModeSequential Mode = "sequential"
	// ModeAtomic applies the writes inside a single database transaction.
	ModeAtomic Mode = "atomic"
)

// holdingAttempts bounds how often step 2 is recomputed after the holding
// moved underneath it.
const holdingAttempts = 3

// ErrNeedsReview is returned by Resume for intents it cannot repair safely.
var ErrNeedsReview = errors.New("ledger intent needs manual review")

// LedgerError reports a failed ledger write and which steps had already
// been committed when it happened.
type LedgerError struct {
	// Step is the step the failure is reported against. In atomic mode this
	// is always StepTransaction because nothing survives the rollback.
	Step       Step
	FailedStep Step
	Committed  []Step
	IntentID   string
	Err        error
}

func (e *LedgerError) Error() string {
	return fmt.Sprintf("ledger write failed at %s (committed %v): %v", e.FailedStep, e.Committed, e.Err)
}

func (e *LedgerError) Unwrap() error { return e.Err }

// Entry is a priced and validated order ready to be written.
type Entry struct {
	OwnerID        string
	IdempotencyKey string
	Account        *types.Account
	Existing       *types.Holding
	Side           types.Side
	Symbol         string
	Quantity       int64
	PriceCents     int64
	Basis          BasisResult
}

// TotalCents is the rounded notional used for both the transaction and the
// cash movement.
func (e Entry) TotalCents() int64 { return e.PriceCents * e.Quantity }

func (e Entry) cashDelta() int64 {
	if e.Side == types.SideBuy {
		return -e.TotalCents()
	}
	return e.TotalCents()
}

// Outcome is the ledger state after a successful write. Basis is the cost
// basis actually applied, which differs from the entry's when the holding
// changed before step 2.
type Outcome struct {
	Transaction  types.Transaction
	Holding      *types.Holding
	Basis        BasisResult
	NewCashCents int64
	IntentID     string
}

// Ledger is the only writer of transactions, holdings and cash.
type Ledger struct {
	store   LedgerStore
	mode    Mode
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewLedger creates a ledger writer over store.
func NewLedger(store LedgerStore, mode Mode, m *metrics.Metrics) *Ledger {
	if mode == "" {
		mode = ModeSequential
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}
	return &Ledger{store: store, mode: mode, metrics: m, now: time.Now}
}

func (l *Ledger) Mode() Mode { return l.mode }

// Write applies the transaction, holding and cash steps in that order.
func (l *Ledger) Write(ctx context.Context, e Entry) (*Outcome, error) {
	if l.mode == ModeAtomic {
		return l.writeAtomic(ctx, e)
	}
	return l.writeSequential(ctx, e)
}

func (l *Ledger) writeSequential(ctx context.Context, e Entry) (*Outcome, error) {
	logger := log.With().
		Str("user_id", e.OwnerID).
		Str("symbol", e.Symbol).
		Str("side", string(e.Side)).
		Int64("quantity", e.Quantity).
		Logger()

	intent := &types.LedgerIntent{
		ID:               uuid.New().String(),
		IdempotencyKey:   e.IdempotencyKey,
		OwnerID:          e.OwnerID,
		AccountID:        e.Account.ID,
		Symbol:           e.Symbol,
		Side:             e.Side,
		Quantity:         e.Quantity,
		PriceCents:       e.PriceCents,
		TotalAmountCents: e.TotalCents(),
		Status:           types.IntentPending,
	}
	if err := l.store.CreateIntent(ctx, intent); err != nil {
		return nil, l.fail(&LedgerError{
			Step:       StepTransaction,
			FailedStep: StepTransaction,
			Err:        fmt.Errorf("record ledger intent: %w", err),
		})
	}
	logger = logger.With().Str("intent_id", intent.ID).Logger()

	// 1. transaction
	txn := l.newTransaction(e, intent.ID)
	if err := l.store.AppendTransaction(ctx, txn); err != nil {
		l.advance(ctx, intent.ID, IntentUpdate{
			Status:     types.IntentAbandoned,
			FailedStep: string(StepTransaction),
			LastError:  err.Error(),
		})
		return nil, l.fail(&LedgerError{
			Step:       StepTransaction,
			FailedStep: StepTransaction,
			IntentID:   intent.ID,
			Err:        err,
		})
	}
	l.advance(ctx, intent.ID, IntentUpdate{Status: types.IntentPending, CompletedSteps: 1})

	// 2. holding
	applied, err := l.applyHolding(ctx, l.store, e)
	if err != nil {
		l.advance(ctx, intent.ID, IntentUpdate{
			Status:         types.IntentPartial,
			CompletedSteps: 1,
			FailedStep:     string(StepHolding),
			LastError:      err.Error(),
		})
		logger.Error().Err(err).Str("step", string(StepHolding)).Msg("transaction recorded but holding not updated")
		return nil, l.fail(&LedgerError{
			Step:       StepHolding,
			FailedStep: StepHolding,
			Committed:  []Step{StepTransaction},
			IntentID:   intent.ID,
			Err:        err,
		})
	}
	l.advance(ctx, intent.ID, IntentUpdate{Status: types.IntentPending, CompletedSteps: 2})

	// 3. cash
	newCash, err := l.store.AdjustCash(ctx, e.Account.ID, e.cashDelta())
	if err != nil {
		l.advance(ctx, intent.ID, IntentUpdate{
			Status:         types.IntentPartial,
			CompletedSteps: 2,
			FailedStep:     string(StepCash),
			LastError:      err.Error(),
		})
		logger.Error().Err(err).Str("step", string(StepCash)).Msg("transaction and holding recorded but cash not updated")
		return nil, l.fail(&LedgerError{
			Step:       StepCash,
			FailedStep: StepCash,
			Committed:  []Step{StepTransaction, StepHolding},
			IntentID:   intent.ID,
			Err:        err,
		})
	}
	l.advance(ctx, intent.ID, IntentUpdate{Status: types.IntentCompleted, CompletedSteps: 3})

	return &Outcome{
		Transaction:  *txn,
		Holding:      holdingAfter(applied.change, applied.existing, txn.ExecutedAt),
		Basis:        applied.basis,
		NewCashCents: newCash,
		IntentID:     intent.ID,
	}, nil
}

func (l *Ledger) writeAtomic(ctx context.Context, e Entry) (*Outcome, error) {
	var (
		txn     *types.Transaction
		applied appliedHolding
		newCash int64
		failed  = StepTransaction
	)

	err := l.store.WithinTx(ctx, func(s LedgerStore) error {
		txn = l.newTransaction(e, "")
		if err := s.AppendTransaction(ctx, txn); err != nil {
			return err
		}
		failed = StepHolding
		var err error
		if applied, err = l.applyHolding(ctx, s, e); err != nil {
			return err
		}
		failed = StepCash
		cash, err := s.AdjustCash(ctx, e.Account.ID, e.cashDelta())
		if err != nil {
			return err
		}
		newCash = cash
		failed = StepCommit
		return nil
	})
	if err != nil {
		return nil, l.fail(&LedgerError{
			Step:       StepTransaction,
			FailedStep: failed,
			Err:        err,
		})
	}

	return &Outcome{
		Transaction:  *txn,
		Holding:      holdingAfter(applied.change, applied.existing, txn.ExecutedAt),
		Basis:        applied.basis,
		NewCashCents: newCash,
	}, nil
}

// Resume finishes a PARTIAL intent: it re-applies the holding against the
// current row if that step failed, then the cash step, and marks the intent
// RECONCILED, all in one database transaction.
func (l *Ledger) Resume(ctx context.Context, intent *types.LedgerIntent) error {
	return l.store.WithinTx(ctx, func(s LedgerStore) error {
		switch Step(intent.FailedStep) {
		case StepHolding:
			current, err := s.GetHolding(ctx, intent.AccountID, intent.Symbol)
			if err != nil {
				return err
			}
			basis, err := ApplyCostBasis(intent.Side, positionOf(current), intent.Quantity, types.FromCents(intent.PriceCents))
			if err != nil {
				return fmt.Errorf("%w: %v", ErrNeedsReview, err)
			}
			change := holdingChange(intent.AccountID, intent.Symbol, current, basis)
			if err := s.ApplyHolding(ctx, change); err != nil {
				return err
			}
			fallthrough
		case StepCash:
			if _, err := s.AdjustCash(ctx, intent.AccountID, intent.CashDelta()); err != nil {
				if errors.Is(err, ErrCashFloor) || errors.Is(err, ErrAccountNotFound) {
					return fmt.Errorf("%w: %v", ErrNeedsReview, err)
				}
				return err
			}
		default:
			return fmt.Errorf("%w: unexpected failed step %q", ErrNeedsReview, intent.FailedStep)
		}

		return s.UpdateIntent(ctx, intent.ID, IntentUpdate{
			Status:         types.IntentReconciled,
			CompletedSteps: 3,
			FailedStep:     intent.FailedStep,
		})
	})
}

type appliedHolding struct {
	change   HoldingChange
	existing *types.Holding
	basis    BasisResult
}

// applyHolding writes step 2. When the holding no longer has the quantity
// the entry was priced against, the change is recomputed from the current
// row and tried again.
func (l *Ledger) applyHolding(ctx context.Context, s LedgerStore, e Entry) (appliedHolding, error) {
	applied := appliedHolding{existing: e.Existing, basis: e.Basis}
	price := types.FromCents(e.PriceCents)

	for attempt := 1; ; attempt++ {
		applied.change = holdingChange(e.Account.ID, e.Symbol, applied.existing, applied.basis)
		err := s.ApplyHolding(ctx, applied.change)
		if !errors.Is(err, ErrHoldingConflict) || attempt == holdingAttempts {
			return applied, err
		}

		current, gerr := s.GetHolding(ctx, e.Account.ID, e.Symbol)
		if gerr != nil {
			return applied, fmt.Errorf("%w: reload holding: %v", err, gerr)
		}
		basis, berr := ApplyCostBasis(e.Side, positionOf(current), e.Quantity, price)
		if berr != nil {
			return applied, fmt.Errorf("%w: %v", err, berr)
		}
		log.Debug().
			Str("user_id", e.OwnerID).
			Str("symbol", e.Symbol).
			Int("attempt", attempt).
			Msg("holding changed before write, recomputing")
		applied.existing, applied.basis = current, basis
	}
}

func (l *Ledger) newTransaction(e Entry, intentID string) *types.Transaction {
	return &types.Transaction{
		Reference:          uuid.New().String(),
		IntentID:           intentID,
		AccountID:          e.Account.ID,
		Symbol:             e.Symbol,
		Side:               e.Side,
		Quantity:           e.Quantity,
		PricePerShareCents: e.PriceCents,
		TotalAmountCents:   e.TotalCents(),
		ExecutedAt:         l.now().UTC(),
	}
}

// advance records intent progress. A failure here leaves the intent behind
// its real state, which the reconciler treats as needing review.
func (l *Ledger) advance(ctx context.Context, id string, update IntentUpdate) {
	if err := l.store.UpdateIntent(ctx, id, update); err != nil {
		log.Error().Err(err).
			Str("intent_id", id).
			Str("status", string(update.Status)).
			Msg("failed to advance ledger intent")
	}
}

func (l *Ledger) fail(err *LedgerError) *LedgerError {
	l.metrics.LedgerStepFailures.WithLabelValues(string(err.FailedStep), string(l.mode)).Inc()
	return err
}

func holdingChange(accountID uint, symbol string, existing *types.Holding, basis BasisResult) HoldingChange {
	var prev int64
	if existing != nil {
		prev = existing.Quantity
	}
	return HoldingChange{
		AccountID:           accountID,
		Symbol:              symbol,
		PrevQuantity:        prev,
		NewQuantity:         basis.NewQuantity,
		NewAverageCostCents: types.ToCents(basis.NewAverageCost),
		Delete:              basis.Delete,
	}
}

func holdingAfter(change HoldingChange, existing *types.Holding, at time.Time) *types.Holding {
	if change.Delete {
		return nil
	}
	h := types.Holding{
		AccountID:        change.AccountID,
		Symbol:           change.Symbol,
		Quantity:         change.NewQuantity,
		AverageCostCents: change.NewAverageCostCents,
		CreatedAt:        at,
		UpdatedAt:        at,
	}
	if existing != nil {
		h.ID = existing.ID
		h.CreatedAt = existing.CreatedAt
	}
	return &h
}
