package migrations

import (
	"gorm.io/gorm"
)

// AddBalanceGuards installs triggers that refuse writes breaking the cash floor
// or leaving a holding at zero or negative quantity
func AddBalanceGuards(db *gorm.DB) error {
	triggers := []string{
		// Cash may dip at most one cent below zero (rounding tolerance)
		`CREATE TRIGGER IF NOT EXISTS trg_accounts_cash_floor
		 BEFORE UPDATE OF current_cash_cents ON accounts
		 WHEN NEW.current_cash_cents < -1
		 BEGIN SELECT RAISE(ABORT, 'cash balance below floor'); END`,

		`CREATE TRIGGER IF NOT EXISTS trg_holdings_positive_insert
		 BEFORE INSERT ON holdings
		 WHEN NEW.quantity <= 0 OR NEW.average_cost_cents <= 0
		 BEGIN SELECT RAISE(ABORT, 'holding must be positive'); END`,

		`CREATE TRIGGER IF NOT EXISTS trg_holdings_positive_update
		 BEFORE UPDATE ON holdings
		 WHEN NEW.quantity <= 0 OR NEW.average_cost_cents <= 0
		 BEGIN SELECT RAISE(ABORT, 'holding must be positive'); END`,
	}

	for _, trg := range triggers {
		if err := db.Exec(trg).Error; err != nil {
			return err
		}
	}

	return nil
}
