package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account holds a user's simulated cash balance, keyed by email.
// Accounts are created at signup, never by the trade engine.
type Account struct {
	Email       string          `gorm:"primaryKey" json:"email"`
	CashBalance decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"cash_balance"`
	// Version guards the read-then-write window on the balance.
	// Every balance update increments it.
	Version   int64     `gorm:"not null;default:0" json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
