package trading

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ksred/pocketmoney-api/internal/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Database is the GORM backed LedgerStore.
type Database struct {
	db *gorm.DB
}

var _ LedgerStore = (*Database)(nil)

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) GetAccountByOwner(ctx context.Context, ownerID string) (*types.Account, error) {
	var account types.Account
	if err := d.db.WithContext(ctx).Where("owner_id = ?", ownerID).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

// CreateAccount inserts account unless the owner already has one, in which
// case account is filled from the existing row and false is returned.
func (d *Database) CreateAccount(ctx context.Context, account *types.Account) (bool, error) {
	res := d.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "owner_id"}}, DoNothing: true}).
		Create(account)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 1 {
		return true, nil
	}

	existing, err := d.GetAccountByOwner(ctx, account.OwnerID)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, ErrAccountNotFound
	}
	*account = *existing
	return false, nil
}

func (d *Database) GetHolding(ctx context.Context, accountID uint, symbol string) (*types.Holding, error) {
	var holding types.Holding
	err := d.db.WithContext(ctx).
		Where("account_id = ? AND symbol = ?", accountID, symbol).
		First(&holding).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &holding, nil
}

func (d *Database) ListHoldings(ctx context.Context, accountID uint) ([]types.Holding, error) {
	var holdings []types.Holding
	err := d.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("symbol").
		Find(&holdings).Error
	return holdings, err
}

func (d *Database) ListTransactions(ctx context.Context, accountID uint, limit int) ([]types.Transaction, error) {
	q := d.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("executed_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var txs []types.Transaction
	err := q.Find(&txs).Error
	return txs, err
}

func (d *Database) AppendTransaction(ctx context.Context, tx *types.Transaction) error {
	return d.db.WithContext(ctx).Create(tx).Error
}

// ApplyHolding performs the insert, update or delete described by change,
// refusing it when the row no longer holds change.PrevQuantity.
func (d *Database) ApplyHolding(ctx context.Context, change HoldingChange) error {
	db := d.db.WithContext(ctx)

	switch {
	case change.Delete:
		res := db.Where("account_id = ? AND symbol = ? AND quantity = ?",
			change.AccountID, change.Symbol, change.PrevQuantity).
			Delete(&types.Holding{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrHoldingConflict
		}
		return nil

	case change.PrevQuantity == 0:
		err := db.Create(&types.Holding{
			AccountID:        change.AccountID,
			Symbol:           change.Symbol,
			Quantity:         change.NewQuantity,
			AverageCostCents: change.NewAverageCostCents,
		}).Error
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrHoldingConflict
		}
		return err

	default:
		res := db.Model(&types.Holding{}).
			Where("account_id = ? AND symbol = ? AND quantity = ?",
				change.AccountID, change.Symbol, change.PrevQuantity).
			Updates(map[string]interface{}{
				"quantity":           change.NewQuantity,
				"average_cost_cents": change.NewAverageCostCents,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrHoldingConflict
		}
		return nil
	}
}

// AdjustCash adds deltaCents to the account's cash in a single statement and
// returns the new balance.
func (d *Database) AdjustCash(ctx context.Context, accountID uint, deltaCents int64) (int64, error) {
	db := d.db.WithContext(ctx)

	res := db.Model(&types.Account{}).
		Where("id = ? AND current_cash_cents + ? >= ?", accountID, deltaCents, -CashToleranceCents).
		Update("current_cash_cents", gorm.Expr("current_cash_cents + ?", deltaCents))
	if res.Error != nil {
		return 0, res.Error
	}

	var account types.Account
	if err := db.First(&account, accountID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrAccountNotFound
		}
		return 0, err
	}
	if res.RowsAffected == 0 {
		return account.CurrentCashCents, ErrCashFloor
	}
	return account.CurrentCashCents, nil
}

func (d *Database) CreateIntent(ctx context.Context, intent *types.LedgerIntent) error {
	return d.db.WithContext(ctx).Create(intent).Error
}

func (d *Database) UpdateIntent(ctx context.Context, id string, update IntentUpdate) error {
	res := d.db.WithContext(ctx).Model(&types.LedgerIntent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":          update.Status,
			"completed_steps": update.CompletedSteps,
			"failed_step":     update.FailedStep,
			"last_error":      update.LastError,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("ledger intent %s: %w", id, gorm.ErrRecordNotFound)
	}
	return nil
}

func (d *Database) GetIntent(ctx context.Context, id string) (*types.LedgerIntent, error) {
	var intent types.LedgerIntent
	if err := d.db.WithContext(ctx).Where("id = ?", id).First(&intent).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &intent, nil
}

// ListIntents returns intents in one of statuses last touched before
// updatedBefore, oldest first.
func (d *Database) ListIntents(ctx context.Context, statuses []types.IntentStatus, updatedBefore time.Time, limit int) ([]types.LedgerIntent, error) {
	q := d.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", statuses, updatedBefore).
		Order("created_at")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var intents []types.LedgerIntent
	err := q.Find(&intents).Error
	return intents, err
}

func (d *Database) CountIntents(ctx context.Context, statuses []types.IntentStatus) (int64, error) {
	var n int64
	err := d.db.WithContext(ctx).Model(&types.LedgerIntent{}).
		Where("status IN ?", statuses).
		Count(&n).Error
	return n, err
}

func (d *Database) TransactionForIntent(ctx context.Context, intentID string) (*types.Transaction, error) {
	var tx types.Transaction
	if err := d.db.WithContext(ctx).Where("intent_id = ?", intentID).First(&tx).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &tx, nil
}

// WithinTx runs fn against a store bound to a single database transaction.
func (d *Database) WithinTx(ctx context.Context, fn func(LedgerStore) error) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Database{db: tx})
	})
}
