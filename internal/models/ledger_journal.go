package models

import "gorm.io/gorm"

// AppliedWrite journals a single ledger write that has been committed
// under a trade's idempotency key. Replaying the same trade skips steps
// already journaled here, so an unknown-outcome write can be retried
// without being applied twice.
type AppliedWrite struct {
	gorm.Model
	TradeKey string `gorm:"uniqueIndex:idx_key_step;not null"`
	Step     string `gorm:"uniqueIndex:idx_key_step;not null"`
}

// ReconciliationEntry records a trade whose write sequence stopped partway
// through. IntendedState holds the serialized final state every remaining
// write was supposed to produce, so an operator or a background reconciler
// can replay the missing steps. Written on partial failure only.
type ReconciliationEntry struct {
	gorm.Model
	TradeKey      string `gorm:"index;not null"`
	Operation     string `gorm:"not null"`
	Owner         string `gorm:"index;not null"`
	Symbol        string `gorm:"not null"`
	AppliedSteps  int    `gorm:"not null"`
	IntendedState string `gorm:"not null"`
	Resolved      bool   `gorm:"not null;default:false"`
}
