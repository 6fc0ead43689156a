package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// PositionLot is a tracked quantity of a single symbol acquired at a
// recorded price. There is at most one open lot per (owner, symbol):
// repeat buys accumulate into it, and a sell that drains it marks it
// closed rather than deleting it. Closed lots persist as history and are
// reopened by a later buy of the same symbol.
type PositionLot struct {
	gorm.Model
	Owner    string          `gorm:"index:idx_owner_symbol;not null" json:"owner"`
	Symbol   string          `gorm:"index:idx_owner_symbol;not null" json:"symbol"`
	Quantity decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"quantity"`
	// CostBasis is the price per unit of the most recent buy, not a
	// weighted average.
	CostBasis decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"cost_basis"`
	OpenedAt  time.Time       `json:"opened_at"`
	IsOpen    bool            `gorm:"not null;default:false" json:"is_open"`
}
