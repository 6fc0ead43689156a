package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"coinbank/internal/models"
)

// PositionTracker owns the lifecycle of position lots: at most one open
// lot per (owner, symbol), quantity strictly positive while open, closed
// at zero and reopened by a later buy of the same symbol.
type PositionTracker struct {
	store Store
}

// NewPositionTracker creates a tracker over the given store.
func NewPositionTracker(store Store) *PositionTracker {
	return &PositionTracker{store: store}
}

// OpenLot builds a fresh open lot for a first-time buy of a symbol.
func (t *PositionTracker) OpenLot(owner, symbol string, quantity, price decimal.Decimal) (models.PositionLot, error) {
	if !quantity.IsPositive() || !price.IsPositive() {
		return models.PositionLot{}, ErrInvalidQuantity
	}
	return models.PositionLot{
		Owner:     owner,
		Symbol:    symbol,
		Quantity:  quantity,
		CostBasis: price,
		OpenedAt:  time.Now(),
		IsOpen:    true,
	}, nil
}

// AccumulateLot folds a repeat buy into an existing lot. The cost basis
// is overwritten with the latest purchase price, not averaged. A closed
// lot is reopened with the new quantity.
func (t *PositionTracker) AccumulateLot(lot models.PositionLot, quantity, price decimal.Decimal) (models.PositionLot, error) {
	if !quantity.IsPositive() || !price.IsPositive() {
		return models.PositionLot{}, ErrInvalidQuantity
	}
	if lot.IsOpen {
		lot.Quantity = lot.Quantity.Add(quantity)
	} else {
		lot.Quantity = quantity
		lot.OpenedAt = time.Now()
	}
	lot.CostBasis = price
	lot.IsOpen = true
	return lot, nil
}

// SelectSellableLot returns the single open lot a sell will consume.
func (t *PositionTracker) SelectSellableLot(ctx context.Context, owner, symbol string) (models.PositionLot, error) {
	lot, err := t.store.FindOpenLot(ctx, owner, symbol)
	if err != nil {
		return models.PositionLot{}, err
	}
	if lot == nil {
		return models.PositionLot{}, fmt.Errorf("%s/%s: %w", owner, symbol, ErrNoOpenPosition)
	}
	return *lot, nil
}

// ReduceLot removes the sold quantity from a lot. The lot closes when its
// quantity reaches zero; the row itself is never deleted.
func (t *PositionTracker) ReduceLot(lot models.PositionLot, quantity decimal.Decimal) (models.PositionLot, error) {
	if !quantity.IsPositive() {
		return models.PositionLot{}, ErrInvalidQuantity
	}
	if quantity.GreaterThan(lot.Quantity) {
		return models.PositionLot{}, fmt.Errorf("sell %s of %s held: %w",
			quantity.String(), lot.Quantity.String(), ErrInsufficientQuantity)
	}
	lot.Quantity = lot.Quantity.Sub(quantity)
	lot.IsOpen = lot.Quantity.IsPositive()
	return lot, nil
}
