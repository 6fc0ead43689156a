package database

import (
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"coinbank/internal/config"
	"coinbank/internal/models"
)

// NewDatabase creates a new database connection and performs auto-migration.
func NewDatabase(cfg *config.Config) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(cfg.Database.DSN), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := Migrate(db, cfg); err != nil {
		return nil, err
	}

	return db, nil
}

// Migrate creates or updates the ledger schema and seeds configured
// accounts. Existing rows are left alone: the ledger is the durable
// record of every trade, so nothing is dropped on boot.
func Migrate(db *gorm.DB, cfg *config.Config) error {
	err := db.AutoMigrate(
		&models.Account{},
		&models.PositionLot{},
		&models.SaleRecord{},
		&models.AppliedWrite{},
		&models.ReconciliationEntry{},
	)
	if err != nil {
		return fmt.Errorf("failed to auto-migrate database: %w", err)
	}

	// Seed accounts from the config with the initial simulated balance.
	initial := decimal.NewFromFloat(cfg.Ledger.InitialBalance)
	for _, email := range cfg.Ledger.SeedAccounts {
		account := models.Account{Email: email, CashBalance: initial}
		if err := db.FirstOrCreate(&account, models.Account{Email: email}).Error; err != nil {
			return fmt.Errorf("failed to seed account '%s': %w", email, err)
		}
	}

	return nil
}
