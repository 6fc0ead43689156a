package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"coinbank/internal/models"
)

const (
	OperationBuy  = "BUY"
	OperationSell = "SELL"
)

// TradeRequest describes a buy or sell intent. Key is the caller's
// idempotency key; replaying a request under the same key never applies a
// ledger write twice. The engine generates one when it is empty.
type TradeRequest struct {
	Owner    string
	Symbol   string
	Quantity decimal.Decimal
	// Price is the unit price for this trade: the purchase price on a
	// buy, the current market price on a sell.
	Price decimal.Decimal
	Key   string
}

// TradeResult is the authoritative post-trade state. Callers render it;
// they do not mutate local copies of balance or inventory.
type TradeResult struct {
	Key        string             `json:"key"`
	Operation  string             `json:"operation"`
	NewBalance decimal.Decimal    `json:"new_balance"`
	Lot        models.PositionLot `json:"lot"`
	Sale       *models.SaleRecord `json:"sale,omitempty"`
}

// TradeEngine translates buy/sell intents into ordered ledger writes.
// The store offers no cross-record transaction, so each trade runs as a
// saga: balance first, position and sale bookkeeping after. A crash
// between steps leaves the balance correct and only the bookkeeping
// pending, which the reconciliation log captures. Simulated funds make
// that ordering acceptable; real money would need a durable intent log
// and the inverse order.
type TradeEngine struct {
	logger  *zap.Logger
	recon   *zap.Logger
	store   Store
	tracker *PositionTracker
}

// NewTradeEngine creates a new trade engine.
func NewTradeEngine(logger *zap.Logger, store Store, tracker *PositionTracker) *TradeEngine {
	return &TradeEngine{
		logger:  logger.Named("trade-engine"),
		recon:   logger.Named("recon"),
		store:   store,
		tracker: tracker,
	}
}

// Buy debits the cash balance by quantity*price and credits the owner's
// lot for the symbol. Validation failures return before any write; a
// failure after the balance write surfaces as *PartialWriteError and is
// recorded for reconciliation.
//
// A replay under the same key resumes instead of recomputing: records
// whose steps are journaled already hold their final state, so the
// engine takes them as-is and only derives deltas for the steps still
// pending. Re-running the funds check against the already-debited
// balance would reject the very replay that is meant to finish the trade.
func (e *TradeEngine) Buy(ctx context.Context, req TradeRequest) (TradeResult, error) {
	if !req.Quantity.IsPositive() || !req.Price.IsPositive() {
		return TradeResult{}, ErrInvalidQuantity
	}
	req.Key = ensureKey(req.Key)

	applied, err := e.store.AppliedSteps(ctx, req.Key)
	if err != nil {
		return TradeResult{}, err
	}

	account, err := e.store.GetAccount(ctx, req.Owner)
	if err != nil {
		return TradeResult{}, err
	}

	var newBalance decimal.Decimal
	if applied[stepSetBalance] {
		// The debit already committed; the stored balance is final.
		newBalance = account.CashBalance
	} else {
		cost := req.Quantity.Mul(req.Price)
		if cost.GreaterThan(account.CashBalance) {
			return TradeResult{}, fmt.Errorf("cost %s exceeds balance %s: %w",
				cost.String(), account.CashBalance.String(), ErrInsufficientFunds)
		}
		newBalance = account.CashBalance.Sub(cost)
	}

	existing, err := e.store.FindLatestLot(ctx, req.Owner, req.Symbol)
	if err != nil {
		return TradeResult{}, err
	}
	var lot models.PositionLot
	switch {
	case applied[stepUpsertLot] && existing != nil:
		lot = *existing
	case existing == nil:
		lot, err = e.tracker.OpenLot(req.Owner, req.Symbol, req.Quantity, req.Price)
	default:
		lot, err = e.tracker.AccumulateLot(*existing, req.Quantity, req.Price)
	}
	if err != nil {
		return TradeResult{}, err
	}

	result := TradeResult{
		Key:        req.Key,
		Operation:  OperationBuy,
		NewBalance: newBalance,
		Lot:        lot,
	}

	steps := []WriteStep{
		e.store.SetBalance(req.Owner, newBalance, account.Version),
		e.store.UpsertLot(&result.Lot),
	}
	if err := e.applyTrade(ctx, req, &result, steps); err != nil {
		return TradeResult{}, err
	}

	e.logger.Info("Buy settled",
		zap.String("owner", req.Owner),
		zap.String("symbol", req.Symbol),
		zap.String("quantity", req.Quantity.String()),
		zap.String("price", req.Price.String()),
		zap.String("new_balance", newBalance.String()))
	return result, nil
}

// Sell credits the cash balance with quantity*price, reduces the open
// lot, and appends a sale record carrying the lot's recorded acquisition
// price. Same write ordering, failure policy and replay-resume behavior
// as Buy. Resuming matters most when the lot write closed the position
// and the sale append is still pending: selecting a sellable lot again
// would report the position gone and strand the sale record.
func (e *TradeEngine) Sell(ctx context.Context, req TradeRequest) (TradeResult, error) {
	if !req.Quantity.IsPositive() || !req.Price.IsPositive() {
		return TradeResult{}, ErrInvalidQuantity
	}
	req.Key = ensureKey(req.Key)

	applied, err := e.store.AppliedSteps(ctx, req.Key)
	if err != nil {
		return TradeResult{}, err
	}

	account, err := e.store.GetAccount(ctx, req.Owner)
	if err != nil {
		return TradeResult{}, err
	}

	var reduced models.PositionLot
	var acquisitionPrice decimal.Decimal
	if applied[stepUpsertLot] {
		latest, err := e.store.FindLatestLot(ctx, req.Owner, req.Symbol)
		if err != nil {
			return TradeResult{}, err
		}
		if latest == nil {
			return TradeResult{}, fmt.Errorf("%s/%s: %w", req.Owner, req.Symbol, ErrNoOpenPosition)
		}
		// Already reduced, possibly closed. The cost basis is untouched
		// by a sell, so it still carries the acquisition price.
		reduced = *latest
		acquisitionPrice = latest.CostBasis
	} else {
		lot, err := e.tracker.SelectSellableLot(ctx, req.Owner, req.Symbol)
		if err != nil {
			return TradeResult{}, err
		}
		acquisitionPrice = lot.CostBasis
		reduced, err = e.tracker.ReduceLot(lot, req.Quantity)
		if err != nil {
			return TradeResult{}, err
		}
	}

	var newBalance decimal.Decimal
	if applied[stepSetBalance] {
		newBalance = account.CashBalance
	} else {
		proceeds := req.Quantity.Mul(req.Price)
		newBalance = account.CashBalance.Add(proceeds)
	}

	sale := &models.SaleRecord{
		TradeKey:         req.Key,
		Owner:            req.Owner,
		Symbol:           req.Symbol,
		QuantitySold:     req.Quantity,
		AcquisitionPrice: acquisitionPrice,
		DisposalPrice:    req.Price,
		Timestamp:        time.Now(),
	}
	if applied[stepAppendSale] {
		existing, err := e.store.FindSaleByKey(ctx, req.Key)
		if err != nil {
			return TradeResult{}, err
		}
		if existing != nil {
			sale = existing
		}
	}

	result := TradeResult{
		Key:        req.Key,
		Operation:  OperationSell,
		NewBalance: newBalance,
		Lot:        reduced,
		Sale:       sale,
	}

	steps := []WriteStep{
		e.store.SetBalance(req.Owner, newBalance, account.Version),
		e.store.UpsertLot(&result.Lot),
		e.store.AppendSaleRecord(result.Sale),
	}
	if err := e.applyTrade(ctx, req, &result, steps); err != nil {
		return TradeResult{}, err
	}

	e.logger.Info("Sell settled",
		zap.String("owner", req.Owner),
		zap.String("symbol", req.Symbol),
		zap.String("quantity", req.Quantity.String()),
		zap.String("price", req.Price.String()),
		zap.String("new_balance", newBalance.String()),
		zap.Bool("lot_closed", !result.Lot.IsOpen))
	return result, nil
}

// applyTrade runs the ordered writes. A failure before anything applied
// is returned as-is: the ledger is untouched and the caller may retry.
// A failure partway through records the intended final state for
// reconciliation and returns *PartialWriteError; it must never be
// surfaced as success.
func (e *TradeEngine) applyTrade(ctx context.Context, req TradeRequest, result *TradeResult, steps []WriteStep) error {
	applied, err := e.store.ApplyOrderedWrites(ctx, req.Key, steps)
	if err == nil {
		return nil
	}
	if applied == 0 {
		return err
	}

	partial := &PartialWriteError{
		TradeKey: req.Key,
		Applied:  applied,
		Total:    len(steps),
		Step:     steps[applied].Name,
		Err:      err,
	}

	intended, marshalErr := json.Marshal(result)
	if marshalErr != nil {
		intended = []byte(fmt.Sprintf("%+v", result))
	}
	entry := &models.ReconciliationEntry{
		TradeKey:      req.Key,
		Operation:     result.Operation,
		Owner:         req.Owner,
		Symbol:        req.Symbol,
		AppliedSteps:  applied,
		IntendedState: string(intended),
	}
	if reconErr := e.store.RecordReconciliation(ctx, entry); reconErr != nil {
		e.recon.Error("Failed to persist reconciliation entry; intended state follows in this log line only",
			zap.String("trade_key", req.Key),
			zap.String("intended_state", string(intended)),
			zap.Error(reconErr))
	}
	e.recon.Error("Trade stopped partway; ledger needs reconciliation",
		zap.String("trade_key", req.Key),
		zap.String("operation", result.Operation),
		zap.String("owner", req.Owner),
		zap.String("symbol", req.Symbol),
		zap.Int("applied_steps", applied),
		zap.Int("total_steps", len(steps)),
		zap.Error(err))

	return partial
}

func ensureKey(key string) string {
	if key == "" {
		return uuid.NewString()
	}
	return key
}
