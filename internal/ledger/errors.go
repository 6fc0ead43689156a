package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidQuantity rejects a trade whose quantity or price is not
	// strictly positive.
	ErrInvalidQuantity = errors.New("quantity and price must be positive")

	// ErrInsufficientFunds rejects a buy whose cost exceeds the cash balance.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInsufficientQuantity rejects a sell larger than the open lot.
	ErrInsufficientQuantity = errors.New("insufficient quantity in open position")

	// ErrNoOpenPosition rejects a sell when the owner holds no open lot
	// for the symbol.
	ErrNoOpenPosition = errors.New("no open position for symbol")

	// ErrAccountNotFound means the owner has no account row.
	ErrAccountNotFound = errors.New("account not found")

	// ErrStoreUnavailable wraps transient store I/O failures.
	ErrStoreUnavailable = errors.New("ledger store unavailable")

	// ErrConcurrentModification means another writer moved the account
	// between our read and our write. The trade applied nothing.
	ErrConcurrentModification = errors.New("account modified concurrently")
)

// PartialWriteError reports a trade whose ordered writes stopped partway:
// at least one ledger write committed and a dependent write failed. The
// trade key replayed against the engine completes only the missing steps.
type PartialWriteError struct {
	TradeKey string
	Applied  int
	Total    int
	Step     string
	Err      error
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("trade %s: partial write, %d/%d steps applied, step %q failed: %v",
		e.TradeKey, e.Applied, e.Total, e.Step, e.Err)
}

func (e *PartialWriteError) Unwrap() error { return e.Err }
