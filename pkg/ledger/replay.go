package ledger

import (
	"fmt"

	"github.com/pario-ai/payless/pkg/models"
)

// Replay rebuilds a balance from events and returns it with the amounts
// still held by unsettled reservations. It fails on any sequence that
// would drive the balance negative or settle an unknown reservation.
func Replay(events []models.LedgerEvent) (balance int64, pending map[string]int64, err error) {
	pending = make(map[string]int64)
	for i, ev := range events {
		switch ev.Kind {
		case models.EventEarn:
			balance += ev.Amount
		case models.EventReserve:
			if ev.Amount > balance {
				return 0, nil, fmt.Errorf("%w: event %d reserves %d with balance %d", ErrInvariantViolation, i, ev.Amount, balance)
			}
			balance -= ev.Amount
			pending[ev.ReservationID] = ev.Amount
		case models.EventCommit:
			held, ok := pending[ev.ReservationID]
			if !ok {
				return 0, nil, fmt.Errorf("%w: event %d commits unknown reservation %s", ErrInvariantViolation, i, ev.ReservationID)
			}
			if ev.Amount > held {
				return 0, nil, fmt.Errorf("%w: event %d charges %d over reservation %d", ErrInvariantViolation, i, ev.Amount, held)
			}
			balance += held - ev.Amount
			delete(pending, ev.ReservationID)
		case models.EventRelease:
			held, ok := pending[ev.ReservationID]
			if !ok {
				return 0, nil, fmt.Errorf("%w: event %d releases unknown reservation %s", ErrInvariantViolation, i, ev.ReservationID)
			}
			balance += held
			delete(pending, ev.ReservationID)
		default:
			return 0, nil, fmt.Errorf("%w: event %d has unknown kind %q", ErrInvariantViolation, i, ev.Kind)
		}
	}
	return balance, pending, nil
}
