package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"coinbank/internal/models"
)

// Step names used in the idempotency journal. The engine reads them back
// through AppliedSteps to resume a partially-applied trade.
const (
	stepSetBalance = "set-balance"
	stepUpsertLot  = "upsert-lot"
	stepAppendSale = "append-sale"
)

// WriteStep is one individually-committed ledger write inside a trade's
// ordered sequence. Name identifies the step in the idempotency journal,
// so replaying a trade under the same key skips steps already applied.
type WriteStep struct {
	Name  string
	apply func(tx *gorm.DB) error
}

// Store is the ledger's view of the document store. The three record
// kinds (balances, position lots, sale records) live in separate
// collections with no cross-record transaction, so mutations go through
// ApplyOrderedWrites, which tells the caller exactly how far a sequence
// progressed on failure.
type Store interface {
	// GetAccount returns the owner's balance and lock version.
	GetAccount(ctx context.Context, owner string) (models.Account, error)
	// CreateAccount makes a new account with the given starting balance.
	// It is a no-op if the account already exists.
	CreateAccount(ctx context.Context, owner string, balance decimal.Decimal) error
	// FindOpenLot returns the single open lot for (owner, symbol), or nil.
	FindOpenLot(ctx context.Context, owner, symbol string) (*models.PositionLot, error)
	// FindLatestLot returns the newest lot for (owner, symbol) in any
	// state, or nil. A buy reopens a closed lot through this.
	FindLatestLot(ctx context.Context, owner, symbol string) (*models.PositionLot, error)
	ListOpenLots(ctx context.Context, owner string) ([]models.PositionLot, error)
	ListSales(ctx context.Context, owner string) ([]models.SaleRecord, error)

	// SetBalance writes the owner's balance, guarded by the version read
	// alongside it. The step fails with ErrConcurrentModification when
	// another writer moved the account in between.
	SetBalance(owner string, balance decimal.Decimal, expectedVersion int64) WriteStep
	UpsertLot(lot *models.PositionLot) WriteStep
	AppendSaleRecord(record *models.SaleRecord) WriteStep

	// ApplyOrderedWrites runs the steps in order under the trade key and
	// returns how many are now applied. It stops at the first failure.
	ApplyOrderedWrites(ctx context.Context, key string, steps []WriteStep) (int, error)

	// AppliedSteps returns the step names already journaled under the
	// trade key. Non-empty means an earlier attempt committed at least
	// one write; the records those steps touched already hold their
	// final state.
	AppliedSteps(ctx context.Context, key string) (map[string]bool, error)

	// FindSaleByKey returns the sale record written under the trade
	// key, or nil.
	FindSaleByKey(ctx context.Context, key string) (*models.SaleRecord, error)

	// RecordReconciliation persists the intended final state of a trade
	// whose sequence stopped partway.
	RecordReconciliation(ctx context.Context, entry *models.ReconciliationEntry) error
}

// GormStore implements Store on a gorm database.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

var _ Store = (*GormStore)(nil)

// NewGormStore creates a ledger store backed by the given database.
func NewGormStore(db *gorm.DB, logger *zap.Logger) *GormStore {
	return &GormStore{db: db, logger: logger.Named("ledger-store")}
}

// storeErr tags a driver failure as transient so callers can map it.
func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
}

func (s *GormStore) GetAccount(ctx context.Context, owner string) (models.Account, error) {
	var account models.Account
	err := s.db.WithContext(ctx).First(&account, "email = ?", owner).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Account{}, fmt.Errorf("account %s: %w", owner, ErrAccountNotFound)
	}
	if err != nil {
		return models.Account{}, storeErr("get account", err)
	}
	return account, nil
}

func (s *GormStore) CreateAccount(ctx context.Context, owner string, balance decimal.Decimal) error {
	account := models.Account{Email: owner, CashBalance: balance}
	err := s.db.WithContext(ctx).FirstOrCreate(&account, models.Account{Email: owner}).Error
	if err != nil {
		return storeErr("create account", err)
	}
	return nil
}

func (s *GormStore) FindOpenLot(ctx context.Context, owner, symbol string) (*models.PositionLot, error) {
	var lot models.PositionLot
	err := s.db.WithContext(ctx).
		Where("owner = ? AND symbol = ? AND is_open = ?", owner, symbol, true).
		First(&lot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("find open lot", err)
	}
	return &lot, nil
}

func (s *GormStore) FindLatestLot(ctx context.Context, owner, symbol string) (*models.PositionLot, error) {
	var lot models.PositionLot
	err := s.db.WithContext(ctx).
		Where("owner = ? AND symbol = ?", owner, symbol).
		Order("id desc").
		First(&lot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("find latest lot", err)
	}
	return &lot, nil
}

func (s *GormStore) ListOpenLots(ctx context.Context, owner string) ([]models.PositionLot, error) {
	var lots []models.PositionLot
	err := s.db.WithContext(ctx).
		Where("owner = ? AND is_open = ?", owner, true).
		Order("symbol").
		Find(&lots).Error
	if err != nil {
		return nil, storeErr("list open lots", err)
	}
	return lots, nil
}

func (s *GormStore) ListSales(ctx context.Context, owner string) ([]models.SaleRecord, error) {
	var sales []models.SaleRecord
	err := s.db.WithContext(ctx).
		Where("owner = ?", owner).
		Order("timestamp desc").
		Find(&sales).Error
	if err != nil {
		return nil, storeErr("list sales", err)
	}
	return sales, nil
}

func (s *GormStore) SetBalance(owner string, balance decimal.Decimal, expectedVersion int64) WriteStep {
	return WriteStep{
		Name: stepSetBalance,
		apply: func(tx *gorm.DB) error {
			res := tx.Model(&models.Account{}).
				Where("email = ? AND version = ?", owner, expectedVersion).
				Updates(map[string]interface{}{
					"cash_balance": balance,
					"version":      expectedVersion + 1,
				})
			if res.Error != nil {
				return storeErr("set balance", res.Error)
			}
			if res.RowsAffected == 0 {
				// Either the account vanished or another writer bumped
				// the version after our read.
				var count int64
				if err := tx.Model(&models.Account{}).Where("email = ?", owner).Count(&count).Error; err != nil {
					return storeErr("set balance", err)
				}
				if count == 0 {
					return fmt.Errorf("account %s: %w", owner, ErrAccountNotFound)
				}
				return fmt.Errorf("account %s: %w", owner, ErrConcurrentModification)
			}
			return nil
		},
	}
}

func (s *GormStore) UpsertLot(lot *models.PositionLot) WriteStep {
	return WriteStep{
		Name: stepUpsertLot,
		apply: func(tx *gorm.DB) error {
			if err := tx.Save(lot).Error; err != nil {
				return storeErr("upsert lot", err)
			}
			return nil
		},
	}
}

func (s *GormStore) AppendSaleRecord(record *models.SaleRecord) WriteStep {
	return WriteStep{
		Name: stepAppendSale,
		apply: func(tx *gorm.DB) error {
			if err := tx.Create(record).Error; err != nil {
				return storeErr("append sale record", err)
			}
			return nil
		},
	}
}

// ApplyOrderedWrites commits each step in its own transaction together
// with an idempotency journal row under (key, step name). Steps already
// journaled for the key are skipped, so a replay after an
// unknown-outcome failure completes the remainder without double-applying
// anything. The returned count is the number of steps now applied; a
// non-nil error means the sequence stopped at steps[count].
func (s *GormStore) ApplyOrderedWrites(ctx context.Context, key string, steps []WriteStep) (int, error) {
	for i, step := range steps {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var count int64
			if err := tx.Model(&models.AppliedWrite{}).
				Where("trade_key = ? AND step = ?", key, step.Name).
				Count(&count).Error; err != nil {
				return storeErr("check journal", err)
			}
			if count > 0 {
				s.logger.Debug("Skipping already-applied write",
					zap.String("trade_key", key),
					zap.String("step", step.Name))
				return nil
			}
			if err := step.apply(tx); err != nil {
				return err
			}
			return tx.Create(&models.AppliedWrite{TradeKey: key, Step: step.Name}).Error
		})
		if err != nil {
			return i, fmt.Errorf("write step %q: %w", step.Name, err)
		}
	}
	return len(steps), nil
}

func (s *GormStore) AppliedSteps(ctx context.Context, key string) (map[string]bool, error) {
	var rows []models.AppliedWrite
	err := s.db.WithContext(ctx).Where("trade_key = ?", key).Find(&rows).Error
	if err != nil {
		return nil, storeErr("list applied writes", err)
	}
	applied := make(map[string]bool, len(rows))
	for _, row := range rows {
		applied[row.Step] = true
	}
	return applied, nil
}

func (s *GormStore) FindSaleByKey(ctx context.Context, key string) (*models.SaleRecord, error) {
	var sale models.SaleRecord
	err := s.db.WithContext(ctx).Where("trade_key = ?", key).First(&sale).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("find sale by key", err)
	}
	return &sale, nil
}

func (s *GormStore) RecordReconciliation(ctx context.Context, entry *models.ReconciliationEntry) error {
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return storeErr("record reconciliation", err)
	}
	return nil
}
