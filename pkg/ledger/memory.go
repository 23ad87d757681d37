package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pario-ai/payless/pkg/models"
)

// MemoryStore is a process-local Store. State is lost on exit.
type MemoryStore struct {
	mu           sync.Mutex
	balances     map[string]int64
	reservations map[string]models.Reservation
	applied      map[string]struct{}
	events       map[string][]models.LedgerEvent
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances:     make(map[string]int64),
		reservations: make(map[string]models.Reservation),
		applied:      make(map[string]struct{}),
		events:       make(map[string][]models.LedgerEvent),
	}
}

// Balance implements Store.
func (s *MemoryStore) Balance(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[userID], nil
}

// Reservation implements Store.
func (s *MemoryStore) Reservation(_ context.Context, id string) (models.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	if !ok {
		return models.Reservation{}, ErrNotFound
	}
	return r, nil
}

// Apply implements Store.
func (s *MemoryStore) Apply(_ context.Context, ev models.LedgerEvent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bal := s.balances[ev.UserID]
	switch ev.Kind {
	case models.EventEarn:
		if _, dup := s.applied[ev.CorrelationID]; dup {
			return bal, ErrDuplicate
		}
		s.applied[ev.CorrelationID] = struct{}{}
		bal += ev.Amount

	case models.EventReserve:
		if ev.Amount > bal {
			return bal, &InsufficientBalanceError{UserID: ev.UserID, Balance: bal, Required: ev.Amount}
		}
		bal -= ev.Amount
		s.reservations[ev.ReservationID] = models.Reservation{
			ID:        ev.ReservationID,
			UserID:    ev.UserID,
			Amount:    ev.Amount,
			CreatedAt: ev.CreatedAt,
		}

	case models.EventCommit, models.EventRelease:
		r, ok := s.reservations[ev.ReservationID]
		if !ok || r.UserID != ev.UserID {
			return bal, ErrNotFound
		}
		if ev.Kind == models.EventRelease && ev.Amount != r.Amount {
			return bal, fmt.Errorf("%w: release of %d for reservation of %d", ErrInvariantViolation, ev.Amount, r.Amount)
		}
		if ev.Amount > r.Amount {
			return bal, fmt.Errorf("%w: charge %d over reservation %d", ErrInvariantViolation, ev.Amount, r.Amount)
		}
		delete(s.reservations, ev.ReservationID)
		if ev.Kind == models.EventCommit {
			bal += r.Amount - ev.Amount
		} else {
			bal += r.Amount
		}

	default:
		return bal, fmt.Errorf("%w: unknown event kind %q", ErrInvariantViolation, ev.Kind)
	}

	s.balances[ev.UserID] = bal
	s.events[ev.UserID] = append(s.events[ev.UserID], ev)
	return bal, nil
}

// Events implements Store.
func (s *MemoryStore) Events(_ context.Context, userID string) ([]models.LedgerEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.LedgerEvent(nil), s.events[userID]...), nil
}

// StaleReservations implements Store.
func (s *MemoryStore) StaleReservations(_ context.Context, before time.Time) ([]models.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Reservation
	for _, r := range s.reservations {
		if r.CreatedAt.Before(before) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }
