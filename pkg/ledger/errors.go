package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientBalance is returned when a reservation exceeds the balance.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrNotFound is returned for a reservation that does not exist or is
	// already settled.
	ErrNotFound = errors.New("reservation not found")
	// ErrDuplicate is returned by stores for an already applied earn.
	ErrDuplicate = errors.New("duplicate correlation id")
	// ErrInvalidAmount is returned for negative amounts or non-positive earns.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrInvalidUser is returned for an empty user id.
	ErrInvalidUser = errors.New("invalid user id")
	// ErrInvalidCorrelation is returned for an earn without a correlation id.
	ErrInvalidCorrelation = errors.New("missing correlation id")
	// ErrInvariantViolation signals a ledger bug: a negative balance, an
	// overcharge reaching the store or a replay mismatch.
	ErrInvariantViolation = errors.New("ledger invariant violation")
)

// InsufficientBalanceError reports the balance and the amount that was asked for.
type InsufficientBalanceError struct {
	UserID   string
	Balance  int64
	Required int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s: have %d, need %d", e.UserID, e.Balance, e.Required)
}

// Is lets errors.Is(err, ErrInsufficientBalance) match.
func (e *InsufficientBalanceError) Is(target error) bool { return target == ErrInsufficientBalance }
