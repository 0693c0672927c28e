package trading

import (
	"context"
	"errors"
	"time"

	"github.com/ksred/pocketmoney-api/internal/types"
)

var (
	// ErrHoldingConflict means the holding no longer had the quantity the
	// write was computed from.
	ErrHoldingConflict = errors.New("holding changed concurrently")
	// ErrCashFloor means the cash update would take the balance below the
	// rounding tolerance.
	ErrCashFloor = errors.New("cash balance would go negative")
	// ErrAccountNotFound is returned when an owner has no account.
	ErrAccountNotFound = errors.New("account not found")
)

// CashToleranceCents is the rounding slack allowed below zero.
const CashToleranceCents = 1

// HoldingChange describes step 2 of a ledger write. PrevQuantity is the
// quantity the change was computed from; zero means no holding existed.
type HoldingChange struct {
	AccountID           uint
	Symbol              string
	PrevQuantity        int64
	NewQuantity         int64
	NewAverageCostCents int64
	Delete              bool
}

// IntentUpdate advances a ledger intent.
type IntentUpdate struct {
	Status         types.IntentStatus
	CompletedSteps int
	FailedStep     string
	LastError      string
}

// LedgerStore is the persistence the order engine needs. Every method is a
// single atomic write or read; WithinTx groups several into one.
type LedgerStore interface {
	GetAccountByOwner(ctx context.Context, ownerID string) (*types.Account, error)
	CreateAccount(ctx context.Context, account *types.Account) (bool, error)
	GetHolding(ctx context.Context, accountID uint, symbol string) (*types.Holding, error)
	ListHoldings(ctx context.Context, accountID uint) ([]types.Holding, error)
	ListTransactions(ctx context.Context, accountID uint, limit int) ([]types.Transaction, error)

	AppendTransaction(ctx context.Context, tx *types.Transaction) error
	ApplyHolding(ctx context.Context, change HoldingChange) error
	AdjustCash(ctx context.Context, accountID uint, deltaCents int64) (int64, error)

	CreateIntent(ctx context.Context, intent *types.LedgerIntent) error
	UpdateIntent(ctx context.Context, id string, update IntentUpdate) error
	GetIntent(ctx context.Context, id string) (*types.LedgerIntent, error)
	ListIntents(ctx context.Context, statuses []types.IntentStatus, updatedBefore time.Time, limit int) ([]types.LedgerIntent, error)
	CountIntents(ctx context.Context, statuses []types.IntentStatus) (int64, error)
	TransactionForIntent(ctx context.Context, intentID string) (*types.Transaction, error)

	WithinTx(ctx context.Context, fn func(LedgerStore) error) error
}
