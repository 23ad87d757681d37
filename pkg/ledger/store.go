package ledger

import (
	"context"
	"time"

	"github.com/pario-ai/payless/pkg/models"
)

// Store persists balances, pending reservations and the event log.
//
// Apply must be atomic: the guard for the event kind, the balance change,
// the reservation change and the event append happen together or not at
// all. Guards per kind:
//
//   - Earn: a correlation id already applied returns ErrDuplicate.
//   - Reserve: an amount above the balance returns *InsufficientBalanceError.
//   - Commit, Release: a missing reservation returns ErrNotFound. A commit
//     charging more than was reserved returns ErrInvariantViolation.
//
// Commit refunds reserved minus ev.Amount. Release refunds the reservation
// in full and ev.Amount must equal it.
type Store interface {
	// Balance returns the user's spendable balance, 0 for unknown users.
	Balance(ctx context.Context, userID string) (int64, error)
	// Reservation returns a pending reservation or ErrNotFound.
	Reservation(ctx context.Context, id string) (models.Reservation, error)
	// Apply applies ev and returns the resulting balance.
	Apply(ctx context.Context, ev models.LedgerEvent) (int64, error)
	// Events returns the user's events in application order.
	Events(ctx context.Context, userID string) ([]models.LedgerEvent, error)
	// StaleReservations returns pending reservations created before t.
	StaleReservations(ctx context.Context, before time.Time) ([]models.Reservation, error)
	// Close releases resources.
	Close() error
}
