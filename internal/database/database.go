package database

import (
	"fmt"

	"github.com/ksred/pocketmoney-api/internal/database/migrations"
	"github.com/ksred/pocketmoney-api/internal/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDatabase opens the SQLite database at path and brings the schema up to date
func NewDatabase(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	// SQLite serialises writers anyway; a single connection avoids
	// "database is locked" between the ledger steps
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

// Migrate creates the ledger tables and their supporting indexes
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&types.Account{},
		&types.Holding{},
		&types.Transaction{},
		&types.LedgerIntent{},
	)
	if err != nil {
		return err
	}

	if err := migrations.AddLedgerIndexes(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := migrations.AddBalanceGuards(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}
