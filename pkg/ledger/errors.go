package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidAmount is returned for negative amounts
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidTier is returned for unknown tier
	ErrInvalidTier = errors.New("invalid tier")

	// ErrAccountNotFound is returned when no account exists for a user
	ErrAccountNotFound = errors.New("account not found")

	// ErrInsufficientBalance is returned by pre-flight checks that cannot
	// cover the estimated cost (never by Debit itself, which partially
	// debits and reports a shortfall instead)
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrDuplicatePayment is returned when a payment credit carries a
	// payment ID already present in the account's plan history
	ErrDuplicatePayment = errors.New("payment already credited")

	// ErrPlanNotFound is returned when a plan ID is not in the catalog
	ErrPlanNotFound = errors.New("plan not found")

	// ErrStorageUnavailable is returned when storage is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// InsufficientBalanceError carries the exact shortfall of a failed
// pre-flight check so clients can prompt for a top-up. It matches
// ErrInsufficientBalance under errors.Is.
type InsufficientBalanceError struct {
	Required  int64
	Available int64
	Shortfall int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: need %d tokens, have %d (short %d)",
		e.Required, e.Available, e.Shortfall)
}

func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}
