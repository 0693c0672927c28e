package migrations

import (
	"gorm.io/gorm"
)

// AddLedgerIndexes adds the composite indexes used by history and reconciliation queries
func AddLedgerIndexes(db *gorm.DB) error {
	indexes := []string{
		// Transaction history per account, newest first
		`CREATE INDEX IF NOT EXISTS idx_transactions_account_executed
		 ON transactions(account_id, executed_at)`,

		// Reconciliation scans by status and age
		`CREATE INDEX IF NOT EXISTS idx_ledger_intents_status_created
		 ON ledger_intents(status, created_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
