// Package ledger keeps per-user credit balances.
//
// Every mutation for a user runs under that user's lock, and each store
// applies an event together with its guard atomically, so a balance is
// never observed below zero and an earn correlation id is applied at most
// once. Spending follows reserve, then commit or release.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pario-ai/payless/pkg/metrics"
	"github.com/pario-ai/payless/pkg/models"
	"go.uber.org/zap"
)

// GrantPrefix prefixes the correlation id of a user's starting grant.
const GrantPrefix = "grant:"

// Ledger is the credit ledger. It is safe for concurrent use.
type Ledger struct {
	store   Store
	locks   *userLocks
	logger  *zap.Logger
	metrics *metrics.Metrics
	grant   int64
	granted sync.Map
	now     func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithStartingGrant credits n to every user once, on first activity.
func WithStartingGrant(n int64) Option {
	return func(l *Ledger) { l.grant = n }
}

// WithClock overrides the time source for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a Ledger over store.
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		locks:  newUserLocks(),
		logger: zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.Named("ledger")
	return l
}

// Close closes the underlying store.
func (l *Ledger) Close() error { return l.store.Close() }

func (l *Ledger) event(userID string, kind models.EventKind, amount int64, reservationID, correlationID string) models.LedgerEvent {
	return models.LedgerEvent{
		ID:            uuid.NewString(),
		UserID:        userID,
		Kind:          kind,
		Amount:        amount,
		ReservationID: reservationID,
		CorrelationID: correlationID,
		CreatedAt:     l.now(),
	}
}

// ensureGrant applies the starting grant. Callers hold the user lock.
func (l *Ledger) ensureGrant(ctx context.Context, userID string) error {
	if l.grant <= 0 {
		return nil
	}
	if _, ok := l.granted.Load(userID); ok {
		return nil
	}
	_, err := l.store.Apply(ctx, l.event(userID, models.EventEarn, l.grant, "", GrantPrefix+userID))
	switch {
	case err == nil:
		l.metrics.AddCredits("earned", l.grant)
		l.logger.Info("starting grant applied", zap.String("user_id", userID), zap.Int64("amount", l.grant))
	case errors.Is(err, ErrDuplicate):
	default:
		return fmt.Errorf("apply starting grant: %w", err)
	}
	l.granted.Store(userID, struct{}{})
	return nil
}

// Reserve holds amount credits for userID and returns the reservation id.
// It fails with *InsufficientBalanceError, and changes nothing, when the
// balance is below amount.
func (l *Ledger) Reserve(ctx context.Context, userID string, amount int64) (string, error) {
	if userID == "" {
		return "", ErrInvalidUser
	}
	if amount < 0 {
		return "", fmt.Errorf("reserve %d: %w", amount, ErrInvalidAmount)
	}

	unlock, err := l.locks.acquire(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("lock user: %w", err)
	}
	defer unlock()

	if err := l.ensureGrant(ctx, userID); err != nil {
		return "", err
	}

	id := uuid.NewString()
	bal, err := l.store.Apply(ctx, l.event(userID, models.EventReserve, amount, id, ""))
	if err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			l.metrics.RecordLedgerOp("reserve", "insufficient_balance")
			return "", err
		}
		l.metrics.RecordLedgerOp("reserve", "error")
		return "", fmt.Errorf("reserve: %w", err)
	}

	l.metrics.RecordLedgerOp("reserve", "ok")
	l.metrics.AddCredits("reserved", amount)
	l.logger.Debug("credits reserved",
		zap.String("user_id", userID),
		zap.String("reservation_id", id),
		zap.Int64("amount", amount),
		zap.Int64("balance", bal))
	return id, nil
}

// Commit charges exact for a reservation and refunds the rest. An exact
// cost above the reservation is capped at the reserved amount.
func (l *Ledger) Commit(ctx context.Context, reservationID string, exact int64) (models.Settlement, error) {
	if exact < 0 {
		return models.Settlement{}, fmt.Errorf("commit %d: %w", exact, ErrInvalidAmount)
	}
	return l.Settle(ctx, reservationID, func() (int64, error) { return exact, nil })
}

// Settle commits a reservation at the cost returned by compute, which runs
// under the user's lock. If compute fails the reservation is left pending.
func (l *Ledger) Settle(ctx context.Context, reservationID string, compute func() (int64, error)) (models.Settlement, error) {
	r, unlock, err := l.lockReservation(ctx, "commit", reservationID)
	if err != nil {
		return models.Settlement{}, err
	}
	defer unlock()

	exact, err := compute()
	if err != nil {
		l.metrics.RecordLedgerOp("commit", "error")
		return models.Settlement{}, fmt.Errorf("compute cost for %s: %w", reservationID, err)
	}
	if exact < 0 {
		l.metrics.RecordLedgerOp("commit", "error")
		return models.Settlement{}, fmt.Errorf("commit %d: %w", exact, ErrInvalidAmount)
	}

	charged, capped := exact, false
	if exact > r.Amount {
		charged, capped = r.Amount, true
		l.metrics.RecordOverrun()
		l.logger.Warn("exact cost exceeds reservation, capping charge",
			zap.String("user_id", r.UserID),
			zap.String("reservation_id", r.ID),
			zap.Int64("reserved", r.Amount),
			zap.Int64("exact", exact))
	}

	bal, err := l.store.Apply(ctx, l.event(r.UserID, models.EventCommit, charged, r.ID, ""))
	if err != nil {
		return models.Settlement{}, l.settleError("commit", err)
	}

	s := models.Settlement{
		ReservationID: r.ID,
		UserID:        r.UserID,
		Reserved:      r.Amount,
		Charged:       charged,
		Refunded:      r.Amount - charged,
		Capped:        capped,
		Balance:       bal,
	}
	l.metrics.RecordLedgerOp("commit", "ok")
	l.metrics.AddCredits("charged", s.Charged)
	l.metrics.AddCredits("refunded", s.Refunded)
	l.logger.Debug("reservation committed",
		zap.String("user_id", s.UserID),
		zap.String("reservation_id", s.ReservationID),
		zap.Int64("charged", s.Charged),
		zap.Int64("refunded", s.Refunded),
		zap.Int64("balance", s.Balance))
	return s, nil
}

// Release returns a reservation in full. Releasing a settled reservation
// returns ErrNotFound and credits nothing.
func (l *Ledger) Release(ctx context.Context, reservationID string) (models.Settlement, error) {
	r, unlock, err := l.lockReservation(ctx, "release", reservationID)
	if err != nil {
		return models.Settlement{}, err
	}
	defer unlock()

	bal, err := l.store.Apply(ctx, l.event(r.UserID, models.EventRelease, r.Amount, r.ID, ""))
	if err != nil {
		return models.Settlement{}, l.settleError("release", err)
	}

	l.metrics.RecordLedgerOp("release", "ok")
	l.metrics.AddCredits("refunded", r.Amount)
	l.logger.Debug("reservation released",
		zap.String("user_id", r.UserID),
		zap.String("reservation_id", r.ID),
		zap.Int64("amount", r.Amount),
		zap.Int64("balance", bal))
	return models.Settlement{
		ReservationID: r.ID,
		UserID:        r.UserID,
		Reserved:      r.Amount,
		Refunded:      r.Amount,
		Balance:       bal,
	}, nil
}

// lockReservation finds the owner of a reservation, takes the owner's lock
// and re-reads the reservation under it.
func (l *Ledger) lockReservation(ctx context.Context, op, reservationID string) (models.Reservation, func(), error) {
	r, err := l.store.Reservation(ctx, reservationID)
	if err != nil {
		return models.Reservation{}, nil, l.settleError(op, err)
	}

	unlock, err := l.locks.acquire(ctx, r.UserID)
	if err != nil {
		return models.Reservation{}, nil, fmt.Errorf("lock user: %w", err)
	}

	r, err = l.store.Reservation(ctx, reservationID)
	if err != nil {
		unlock()
		return models.Reservation{}, nil, l.settleError(op, err)
	}
	return r, unlock, nil
}

func (l *Ledger) settleError(op string, err error) error {
	if errors.Is(err, ErrNotFound) {
		l.metrics.RecordLedgerOp(op, "not_found")
		return ErrNotFound
	}
	l.metrics.RecordLedgerOp(op, "error")
	return fmt.Errorf("%s: %w", op, err)
}

// Earn credits amount to userID once per correlationID. It reports whether
// the credit was applied; a repeated correlation id is a no-op.
func (l *Ledger) Earn(ctx context.Context, userID string, amount int64, correlationID string) (bool, error) {
	return l.EarnUnits(ctx, userID, amount, correlationID, 0)
}

// EarnUnits is Earn that also records the quantity paid for on the event.
func (l *Ledger) EarnUnits(ctx context.Context, userID string, amount int64, correlationID string, units int64) (bool, error) {
	if userID == "" {
		return false, ErrInvalidUser
	}
	if amount <= 0 {
		return false, fmt.Errorf("earn %d: %w", amount, ErrInvalidAmount)
	}
	if correlationID == "" {
		return false, ErrInvalidCorrelation
	}
	if units < 0 {
		return false, fmt.Errorf("earn units %d: %w", units, ErrInvalidAmount)
	}

	unlock, err := l.locks.acquire(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("lock user: %w", err)
	}
	defer unlock()

	if err := l.ensureGrant(ctx, userID); err != nil {
		return false, err
	}

	ev := l.event(userID, models.EventEarn, amount, "", correlationID)
	ev.Units = units
	bal, err := l.store.Apply(ctx, ev)
	if err != nil {
		if errors.Is(err, ErrDuplicate) {
			l.metrics.RecordLedgerOp("earn", "duplicate")
			l.logger.Debug("duplicate earn ignored",
				zap.String("user_id", userID),
				zap.String("correlation_id", correlationID))
			return false, nil
		}
		l.metrics.RecordLedgerOp("earn", "error")
		return false, fmt.Errorf("earn: %w", err)
	}

	l.metrics.RecordLedgerOp("earn", "ok")
	l.metrics.AddCredits("earned", amount)
	l.logger.Info("credits earned",
		zap.String("user_id", userID),
		zap.String("correlation_id", correlationID),
		zap.Int64("amount", amount),
		zap.Int64("balance", bal))
	return true, nil
}

// Balance returns the user's spendable balance.
func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, ErrInvalidUser
	}
	if l.grant > 0 {
		unlock, err := l.locks.acquire(ctx, userID)
		if err != nil {
			return 0, fmt.Errorf("lock user: %w", err)
		}
		defer unlock()
		if err := l.ensureGrant(ctx, userID); err != nil {
			return 0, err
		}
	}
	bal, err := l.store.Balance(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return bal, nil
}

// Reservation returns a pending reservation.
func (l *Ledger) Reservation(ctx context.Context, id string) (models.Reservation, error) {
	return l.store.Reservation(ctx, id)
}

// Events returns the user's event log in order.
func (l *Ledger) Events(ctx context.Context, userID string) ([]models.LedgerEvent, error) {
	if userID == "" {
		return nil, ErrInvalidUser
	}
	evs, err := l.store.Events(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return evs, nil
}

// Verify replays the user's events and checks the result against the
// stored balance.
func (l *Ledger) Verify(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, ErrInvalidUser
	}
	unlock, err := l.locks.acquire(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("lock user: %w", err)
	}
	defer unlock()

	evs, err := l.store.Events(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("list events: %w", err)
	}
	bal, err := l.store.Balance(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	replayed, _, err := Replay(evs)
	if err != nil {
		return 0, err
	}
	if replayed != bal || bal < 0 {
		l.logger.Error("ledger mismatch",
			zap.String("user_id", userID),
			zap.Int64("stored", bal),
			zap.Int64("replayed", replayed))
		return 0, fmt.Errorf("%w: %s stored %d, replayed %d", ErrInvariantViolation, userID, bal, replayed)
	}
	return bal, nil
}

// ReleaseStale releases every reservation older than maxAge and returns how
// many were released. It recovers credits held by calls that never settled.
func (l *Ledger) ReleaseStale(ctx context.Context, maxAge time.Duration) (int, error) {
	stale, err := l.store.StaleReservations(ctx, l.now().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("list stale reservations: %w", err)
	}

	n := 0
	for _, r := range stale {
		if _, err := l.Release(ctx, r.ID); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			l.metrics.RecordStaleReleases(n)
			return n, err
		}
		n++
		l.logger.Warn("stale reservation released",
			zap.String("user_id", r.UserID),
			zap.String("reservation_id", r.ID),
			zap.Int64("amount", r.Amount),
			zap.Time("created_at", r.CreatedAt))
	}
	l.metrics.RecordStaleReleases(n)
	return n, nil
}
