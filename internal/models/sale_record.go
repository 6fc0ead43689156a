package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// SaleRecord is one completed disposal. Append-only: rows are never
// updated or deleted once written.
type SaleRecord struct {
	gorm.Model
	// TradeKey ties the record to the idempotency key of the trade that
	// produced it, so a replay can find the already-written row.
	TradeKey         string          `gorm:"index" json:"-"`
	Owner            string          `gorm:"index;not null" json:"owner"`
	Symbol           string          `gorm:"not null" json:"symbol"`
	QuantitySold     decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"quantity_sold"`
	AcquisitionPrice decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"acquisition_price"`
	DisposalPrice    decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"disposal_price"`
	Timestamp        time.Time       `gorm:"index" json:"timestamp"`
}
