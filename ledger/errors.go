/*
errors.go - Error taxonomy for the credit ledger

PURPOSE:
  All error types in one place. The taxonomy is deliberately small and
  closed: callers distinguish business outcomes (insufficient funds, missing
  balance, transfer validation), the internal-consistency grant race, and
  everything else as an infrastructure fault.

USAGE:
  if errors.Is(err, ledger.ErrInsufficientFunds) { ... }

  var tvErr *ledger.TransferValidationError
  if errors.As(err, &tvErr) { ... }

SEE ALSO:
  - types.go: DebitOutcome, the closed result set debit callers branch on
  - service.go: Where these errors are produced
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientFunds is returned when a debit or transfer asks for more
	// credits than the balance holds. Definitive: no state changed, and
	// retrying with the same amount fails again.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrBalanceNotFound is returned when a referenced balance id or owner
	// key does not exist.
	ErrBalanceNotFound = errors.New("balance not found")

	// ErrGrantNotFound is returned when a referenced grant does not exist.
	ErrGrantNotFound = errors.New("grant not found")

	// ErrGrantRace signals that a guarded lot decrement matched zero rows:
	// two consumers drew from the same lot outside proper serialization.
	// This is an internal-consistency fault, not a retryable condition.
	ErrGrantRace = errors.New("concurrent grant consumption detected")

	// ErrInvalidAmount is returned for non-positive credit/debit/transfer
	// amounts.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrTransferValidation is returned when a transfer fails its
	// preconditions (missing balance, insufficient source funds, or
	// transferring a balance onto itself). No state changed.
	ErrTransferValidation = errors.New("transfer validation failed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientFundsError reports a failed debit guard with the numbers
// involved.
type InsufficientFundsError struct {
	BalanceID BalanceID
	Available int64
	Requested int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds on balance %s: available %d, requested %d",
		e.BalanceID, e.Available, e.Requested)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// GrantRaceError identifies the lot whose guarded decrement matched nothing.
type GrantRaceError struct {
	BalanceID BalanceID
	GrantID   GrantID
	Take      int64
}

func (e *GrantRaceError) Error() string {
	return fmt.Sprintf("grant race on lot %s (balance %s): guarded take of %d matched zero rows",
		e.GrantID, e.BalanceID, e.Take)
}

func (e *GrantRaceError) Unwrap() error { return ErrGrantRace }

// TransferValidationError explains why a transfer was rejected before any
// mutation happened.
type TransferValidationError struct {
	FromBalanceID BalanceID
	ToBalanceID   BalanceID
	Reason        string
}

func (e *TransferValidationError) Error() string {
	return fmt.Sprintf("transfer %s -> %s rejected: %s", e.FromBalanceID, e.ToBalanceID, e.Reason)
}

func (e *TransferValidationError) Unwrap() error { return ErrTransferValidation }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsBusinessError reports whether the error is a definitive business outcome
// rather than an infrastructure fault. Business outcomes must not be retried
// blindly; infrastructure faults may be, if the operation is idempotent.
func IsBusinessError(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrBalanceNotFound) ||
		errors.Is(err, ErrGrantNotFound) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrTransferValidation)
}

// IsNotFound reports whether the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrBalanceNotFound) || errors.Is(err, ErrGrantNotFound)
}
