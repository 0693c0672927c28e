package database

import (
	"testing"

	"github.com/ksred/pocketmoney-api/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func openMemory(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := NewDatabase(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func schemaObjects(t *testing.T, db *gorm.DB, kind string) []string {
	t.Helper()
	var names []string
	require.NoError(t, db.Raw("SELECT name FROM sqlite_master WHERE type = ?", kind).Scan(&names).Error)
	return names
}

func TestMigrateCreatesIndexesAndTriggers(t *testing.T) {
	db := openMemory(t)

	assert.Subset(t, schemaObjects(t, db, "index"), []string{
		"idx_transactions_account_executed",
		"idx_ledger_intents_status_created",
		"idx_holdings_account_symbol",
	})
	assert.Subset(t, schemaObjects(t, db, "trigger"), []string{
		"trg_accounts_cash_floor",
		"trg_holdings_positive_insert",
		"trg_holdings_positive_update",
	})

	require.NoError(t, Migrate(db), "migrations can run again on an existing schema")
}

func TestCashFloorTrigger(t *testing.T) {
	db := openMemory(t)

	account := types.Account{OwnerID: "kid", StartingCashCents: 100, CurrentCashCents: 100}
	require.NoError(t, db.Create(&account).Error)

	require.NoError(t, db.Model(&account).Update("current_cash_cents", -1).Error, "one cent of rounding slack")
	assert.Error(t, db.Model(&account).Update("current_cash_cents", -2).Error)

	var stored types.Account
	require.NoError(t, db.First(&stored, account.ID).Error)
	assert.Equal(t, int64(-1), stored.CurrentCashCents)
}

func TestHoldingTriggers(t *testing.T) {
	db := openMemory(t)

	holding := types.Holding{AccountID: 1, Symbol: "AAPL", Quantity: 2, AverageCostCents: 19000}
	require.NoError(t, db.Create(&holding).Error)

	assert.Error(t, db.Model(&holding).Update("quantity", 0).Error)
	assert.Error(t, db.Create(&types.Holding{AccountID: 1, Symbol: "MSFT", Quantity: 1, AverageCostCents: 0}).Error)
}
