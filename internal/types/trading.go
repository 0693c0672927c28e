package types

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether s is BUY or SELL.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderRequest is an inbound buy or sell request. It is never persisted.
type OrderRequest struct {
	OwnerID        string `json:"-"`
	Symbol         string `json:"symbol"`
	Side           Side   `json:"side"`
	Quantity       int64  `json:"quantity"`
	IdempotencyKey string `json:"-"`
}

// Account holds a single owner's practice money.
type Account struct {
	gorm.Model        `json:"-"`
	OwnerID           string `gorm:"uniqueIndex;not null" json:"owner_id"`
	StartingCashCents int64  `gorm:"not null" json:"-"`
	CurrentCashCents  int64  `gorm:"not null" json:"-"`
}

// StartingCash returns the immutable opening balance.
func (a *Account) StartingCash() decimal.Decimal { return FromCents(a.StartingCashCents) }

// CurrentCash returns the spendable balance.
func (a *Account) CurrentCash() decimal.Decimal { return FromCents(a.CurrentCashCents) }

// Holding is a position in one symbol. A holding never exists at zero quantity.
type Holding struct {
	ID               uint      `gorm:"primarykey" json:"-"`
	AccountID        uint      `gorm:"uniqueIndex:idx_holdings_account_symbol;not null" json:"-"`
	Symbol           string    `gorm:"uniqueIndex:idx_holdings_account_symbol;not null" json:"symbol"`
	Quantity         int64     `gorm:"not null" json:"quantity"`
	AverageCostCents int64     `gorm:"not null" json:"-"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// AverageCost returns the weighted average price paid per share.
func (h *Holding) AverageCost() decimal.Decimal { return FromCents(h.AverageCostCents) }

// Transaction is an append-only ledger entry.
type Transaction struct {
	ID                 uint      `gorm:"primarykey" json:"-"`
	Reference          string    `gorm:"uniqueIndex;not null" json:"reference"`
	IntentID           string    `gorm:"index" json:"-"`
	AccountID          uint      `gorm:"index;not null" json:"-"`
	Symbol             string    `gorm:"not null" json:"symbol"`
	Side               Side      `gorm:"not null" json:"side"`
	Quantity           int64     `gorm:"not null" json:"quantity"`
	PricePerShareCents int64     `gorm:"not null" json:"-"`
	TotalAmountCents   int64     `gorm:"not null" json:"-"`
	ExecutedAt         time.Time `gorm:"index;not null" json:"executed_at"`
}

// PricePerShare returns the executed price.
func (t *Transaction) PricePerShare() decimal.Decimal { return FromCents(t.PricePerShareCents) }

// TotalAmount returns price times quantity as persisted.
func (t *Transaction) TotalAmount() decimal.Decimal { return FromCents(t.TotalAmountCents) }

// IntentStatus tracks a ledger intent through the three-step write.
type IntentStatus string

const (
	IntentPending      IntentStatus = "PENDING"
	IntentCompleted    IntentStatus = "COMPLETED"
	IntentPartial      IntentStatus = "PARTIAL"
	IntentAbandoned    IntentStatus = "ABANDONED"
	IntentReconciled   IntentStatus = "RECONCILED"
	IntentManualReview IntentStatus = "MANUAL_REVIEW"
	// IntentResolved marks a reviewed intent an operator has settled by hand.
	IntentResolved     IntentStatus = "RESOLVED"
)

// LedgerIntent records what a sequential ledger write set out to do, so a
// partially applied order can be detected and repaired later.
type LedgerIntent struct {
	ID               string       `gorm:"primarykey" json:"id"`
	IdempotencyKey   string       `gorm:"index" json:"idempotency_key"`
	OwnerID          string       `gorm:"index;not null" json:"owner_id"`
	AccountID        uint         `gorm:"not null" json:"account_id"`
	Symbol           string       `gorm:"not null" json:"symbol"`
	Side             Side         `gorm:"not null" json:"side"`
	Quantity         int64        `gorm:"not null" json:"quantity"`
	PriceCents       int64        `gorm:"not null" json:"price_cents"`
	TotalAmountCents int64        `gorm:"not null" json:"total_amount_cents"`
	Status           IntentStatus `gorm:"index;not null" json:"status"`
	CompletedSteps   int          `gorm:"not null" json:"completed_steps"`
	FailedStep       string       `json:"failed_step,omitempty"`
	LastError        string       `json:"last_error,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// CashDelta is the signed change applied to the account's cash.
func (i *LedgerIntent) CashDelta() int64 {
	if i.Side == SideBuy {
		return -i.TotalAmountCents
	}
	return i.TotalAmountCents
}
