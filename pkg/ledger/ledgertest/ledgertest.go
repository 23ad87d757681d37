// Package ledgertest holds a conformance suite every ledger.Store must pass.
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pario-ai/payless/pkg/ledger"
	"github.com/pario-ai/payless/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// NewStoreFunc returns a fresh, empty store. The suite closes it.
type NewStoreFunc func(t *testing.T) ledger.Store

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newLedger(t *testing.T, newStore NewStoreFunc, opts ...ledger.Option) (*ledger.Ledger, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := newStore(t)
	l := ledger.New(store, append([]ledger.Option{ledger.WithClock(clk.Now)}, opts...)...)
	t.Cleanup(func() { _ = l.Close() })
	return l, clk
}

// Run runs the suite against stores built by newStore.
func Run(t *testing.T, newStore NewStoreFunc) {
	tests := map[string]func(*testing.T, NewStoreFunc){
		"ReserveRequiresBalance":    testReserveRequiresBalance,
		"CommitRefundsDifference":   testCommitRefundsDifference,
		"CommitCapsOverrun":         testCommitCapsOverrun,
		"ReleaseRefundsOnce":        testReleaseRefundsOnce,
		"SettleFailureKeepsHold":    testSettleFailureKeepsHold,
		"EarnIsIdempotent":          testEarnIsIdempotent,
		"EarnRecordsUnits":          testEarnRecordsUnits,
		"EventsReplayToBalance":     testEventsReplayToBalance,
		"ReleaseStale":              testReleaseStale,
		"StartingGrant":             testStartingGrant,
		"UsersAreIsolated":          testUsersAreIsolated,
		"StoreGuards":               testStoreGuards,
		"ConcurrentReserves":        testConcurrentReserves,
		"ConcurrentMixedOperations": testConcurrentMixed,
	}
	for name, fn := range tests {
		t.Run(name, func(t *testing.T) { fn(t, newStore) })
	}
}

func testReserveRequiresBalance(t *testing.T, newStore NewStoreFunc) {
	l, _ := newLedger(t, newStore)
	ctx := context.Background()

	_, err := l.Reserve(ctx, "alice", 5)
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	var ib *ledger.InsufficientBalanceError
	require.ErrorAs(t, err, &ib)
	assert.Equal(t, int64(0), ib.Balance)
	assert.Equal(t, int64(5), ib.Required)

	evs, err := l.Events(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, evs, "failed reserve must not mutate")

	applied, err := l.Earn(ctx, "alice", 10, "t1")
	require.NoError(t, err)
	assert.True(t, applied)

	_, err = l.Reserve(ctx, "alice", 5)
	require.NoError(t, err)
	bal, err := l.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(5), bal)
}

func testCommitRefundsDifference(t *testing.T, newStore NewStoreFunc) {
	l, _ := newLedger(t, newStore)
	ctx := context.Background()

	_, err := l.Earn(ctx, "bob", 20, "e1")
	require.NoError(t, err)
	id, err := l.Reserve(ctx, "bob", 8)
	require.NoError(t, err)

	bal, _ := l.Balance(ctx, "bob")
	require.Equal(t, int64(12), bal)

	s, err := l.Commit(ctx, id, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(8), s.Reserved)
	assert.Equal(t, int64(5), s.Charged)
	assert.Equal(t, int64(3), s.Refunded)
	assert.False(t, s.Capped)
	assert.Equal(t, int64(15), s.Balance)

	bal, _ = l.Balance(ctx, "bob")
	assert.Equal(t, int64(15), bal)

	_, err = l.Commit(ctx, id, 5)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = l.Release(ctx, id)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func testCommitCapsOverrun(t *testing.T, newStore NewStoreFunc) {
	l, _ := newLedger(t, newStore)
	ctx := context.Background()

	_, err := l.Earn(ctx, "carol", 10, "e1")
	require.NoError(t, err)
	id, err := l.Reserve(ctx, "carol", 4)
	require.NoError(t, err)

	s, err := l.Commit(ctx, id, 9)
	require.NoError(t, err)
	assert.True(t, s.Capped)
	assert.Equal(t, int64(4), s.Charged)
	assert.Equal(t, int64(0), s.Refunded)
	assert.Equal(t, int64(6), s.Balance)

	_, err = l.Commit(ctx, "no-such-reservation", 1)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = l.Commit(ctx, id, -1)
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
}

func testReleaseRefundsOnce(t *testing.T, newStore NewStoreFunc) {
	l, _ := newLedger(t, newStore)
	ctx := context.Background()

	_, err := l.Earn(ctx, "dave", 10, "e1")
	require.NoError(t, err)
	id, err := l.Reserve(ctx, "dave", 7)
	require.NoError(t, err)

	s, err := l.Release(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(7), s.Refunded)
	assert.Equal(t, int64(10), s.Balance)

	_, err = l.Release(ctx, id)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = l.Commit(ctx, id, 1)
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	bal, _ := l.Balance(ctx, "dave")
	assert.Equal(t, int64(10), bal)
}

func testSettleFailureKeepsHold(t *testing.T, newStore NewStoreFunc) {
	l, _ := newLedger(t, newStore)
	ctx := context.Background()

	_, err := l.Earn(ctx, "erin", 10, "e1")
	require.NoError(t, err)
	id, err := l.Reserve(ctx, "erin", 6)
	require.NoError(t, err)

	boom := errors.New("pricing exploded")
	_, err = l.Settle(ctx, id, func() (int64, error) { return 0, boom })
	require.ErrorIs(t, err, boom)

	r, err := l.Reservation(ctx, id)
	require.NoError(t, err, "reservation must survive a failed settle")
	assert.Equal(t, int64(6), r.Amount)
	bal, _ := l.Balance(ctx, "erin")
	assert.Equal(t, int64(4), bal)

	s, err := l.Settle(ctx, id, func() (int64, error) { return 2, nil })
	require.NoError(t, err)
	assert.Equal(t, int64(8), s.Balance)
}

func testEarnIsIdempotent(t *testing.T, newStore NewStoreFunc) {
	l, _ := newLedger(t, newStore)
	ctx := context.Background()

	applied, err := l.Earn(ctx, "frank", 10, "tick-42")
	require.NoError(t, err)
	assert.True(t, applied)
	applied, err = l.Earn(ctx, "frank", 10, "tick-42")
	require.NoError(t, err)
	assert.False(t, applied)

	bal, _ := l.Balance(ctx, "frank")
	assert.Equal(t, int64(10), bal)

	_, err = l.Earn(ctx, "frank", 0, "tick-43")
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
	_, err = l.Earn(ctx, "frank", 5, "")
	assert.ErrorIs(t, err, ledger.ErrInvalidCorrelation)
	_, err = l.Earn(ctx, "", 5, "tick-44")
	assert.ErrorIs(t, err, ledger.ErrInvalidUser)
}

func testEarnRecordsUnits(t *testing.T, newStore NewStoreFunc) {
	l, _ := newLedger(t, newStore)
	ctx := context.Background()

	applied, err := l.EarnUnits(ctx, "gina", 5, "ad:gina:1", 30)
	require.NoError(t, err)
	assert.True(t, applied)
	_, err = l.Earn(ctx, "gina", 2, "bonus-1")
	require.NoError(t, err)

	events, err := l.Events(ctx, "gina")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(30), events[0].Units)
	assert.Zero(t, events[1].Units)

	_, err = l.EarnUnits(ctx, "gina", 5, "ad:gina:2", -1)
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
}

func testEventsReplayToBalance(t *testing.T, newStore NewStoreFunc) {
	l, _ := newLedger(t, newStore)
	ctx := context.Background()

	_, _ = l.Earn(ctx, "gina", 50, "e1")
	r1, _ := l.Reserve(ctx, "gina", 10)
	r2, _ := l.Reserve(ctx, "gina", 15)
	_, _ = l.Commit(ctx, r1, 4)
	_, _ = l.Release(ctx, r2)
	_, _ = l.Earn(ctx, "gina", 5, "e2")
	_, _ = l.Reserve(ctx, "gina", 3)

	evs, err := l.Events(ctx, "gina")
	require.NoError(t, err)
	kinds := make([]models.EventKind, len(evs))
	for i, ev := range evs {
		kinds[i] = ev.Kind
		assert.Equal(t, "gina", ev.UserID)
		assert.NotEmpty(t, ev.ID)
	}
	assert.Equal(t, []models.EventKind{
		models.EventEarn, models.EventReserve, models.EventReserve,
		models.EventCommit, models.EventRelease, models.EventEarn, models.EventReserve,
	}, kinds)
	assert.Equal(t, int64(4), evs[3].Amount, "commit records the charge")
	assert.Equal(t, int64(15), evs[4].Amount, "release records the refund")

	bal, err := l.Verify(ctx, "gina")
	require.NoError(t, err)
	assert.Equal(t, int64(50-4+5-3), bal)

	_, pending, err := ledger.Replay(evs)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func testReleaseStale(t *testing.T, newStore NewStoreFunc) {
	l, clk := newLedger(t, newStore)
	ctx := context.Background()

	_, _ = l.Earn(ctx, "hank", 30, "e1")
	old, err := l.Reserve(ctx, "hank", 10)
	require.NoError(t, err)
	clk.Advance(2 * time.Hour)
	fresh, err := l.Reserve(ctx, "hank", 5)
	require.NoError(t, err)

	n, err := l.ReleaseStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = l.Reservation(ctx, old)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = l.Reservation(ctx, fresh)
	assert.NoError(t, err)

	bal, _ := l.Balance(ctx, "hank")
	assert.Equal(t, int64(25), bal)
}

func testStartingGrant(t *testing.T, newStore NewStoreFunc) {
	store := newStore(t)
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	l := ledger.New(store, ledger.WithStartingGrant(100))
	bal, err := l.Balance(ctx, "ivy")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal)

	_, err = l.Reserve(ctx, "ivy", 40)
	require.NoError(t, err)
	bal, _ = l.Balance(ctx, "ivy")
	assert.Equal(t, int64(60), bal)

	evs, _ := l.Events(ctx, "ivy")
	require.NotEmpty(t, evs)
	assert.Equal(t, ledger.GrantPrefix+"ivy", evs[0].CorrelationID)

	// A second ledger on the same store must not grant again.
	again := ledger.New(store, ledger.WithStartingGrant(100))
	_, err = again.Earn(ctx, "ivy", 1, "e1")
	require.NoError(t, err)
	bal, _ = again.Balance(ctx, "ivy")
	assert.Equal(t, int64(61), bal)
}

func testUsersAreIsolated(t *testing.T, newStore NewStoreFunc) {
	l, _ := newLedger(t, newStore)
	ctx := context.Background()

	_, _ = l.Earn(ctx, "jack", 10, "jack-1")
	_, _ = l.Earn(ctx, "kate", 3, "kate-1")

	id, err := l.Reserve(ctx, "jack", 10)
	require.NoError(t, err)
	_, err = l.Reserve(ctx, "kate", 4)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	_, err = l.Commit(ctx, id, 10)
	require.NoError(t, err)
	bal, _ := l.Balance(ctx, "kate")
	assert.Equal(t, int64(3), bal)
}

func testStoreGuards(t *testing.T, newStore NewStoreFunc) {
	store := newStore(t)
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	ev := func(kind models.EventKind, amount int64, res, corr string) models.LedgerEvent {
		return models.LedgerEvent{
			ID: fmt.Sprintf("%s-%s-%s", kind, res, corr), UserID: "u", Kind: kind,
			Amount: amount, ReservationID: res, CorrelationID: corr, CreatedAt: now,
		}
	}

	bal, err := store.Apply(ctx, ev(models.EventEarn, 10, "", "c1"))
	require.NoError(t, err)
	assert.Equal(t, int64(10), bal)

	_, err = store.Apply(ctx, ev(models.EventEarn, 10, "", "c1"))
	assert.ErrorIs(t, err, ledger.ErrDuplicate)

	_, err = store.Apply(ctx, ev(models.EventReserve, 11, "r1", ""))
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	bal, err = store.Apply(ctx, ev(models.EventReserve, 6, "r1", ""))
	require.NoError(t, err)
	assert.Equal(t, int64(4), bal)

	_, err = store.Apply(ctx, ev(models.EventCommit, 7, "r1", ""))
	assert.ErrorIs(t, err, ledger.ErrInvariantViolation)

	_, err = store.Apply(ctx, ev(models.EventCommit, 1, "r-missing", ""))
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	r, err := store.Reservation(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(6), r.Amount)
	assert.Equal(t, "u", r.UserID)

	bal, err = store.Apply(ctx, ev(models.EventCommit, 6, "r1", ""))
	require.NoError(t, err)
	assert.Equal(t, int64(4), bal)

	_, err = store.Apply(ctx, ev(models.EventRelease, 6, "r1", ""))
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	bal, err = store.Balance(ctx, "nobody")
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal)

	evs, err := store.Events(ctx, "u")
	require.NoError(t, err)
	assert.Len(t, evs, 3)
}

func testConcurrentReserves(t *testing.T, newStore NewStoreFunc) {
	l, _ := newLedger(t, newStore)
	ctx := context.Background()
	_, err := l.Earn(ctx, "low", 10, "seed")
	require.NoError(t, err)

	var ok, denied atomic.Int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Reserve(ctx, "low", 5)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ledger.ErrInsufficientBalance):
				denied.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(2), ok.Load())
	assert.Equal(t, int32(18), denied.Load())
	bal, _ := l.Balance(ctx, "low")
	assert.Equal(t, int64(0), bal)
}

func testConcurrentMixed(t *testing.T, newStore NewStoreFunc) {
	l, _ := newLedger(t, newStore)
	ctx := context.Background()

	const workers = 8
	const rounds = 25
	var earned, charged atomic.Int64
	var wg sync.WaitGroup

	for w := range workers {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := range rounds {
				applied, err := l.Earn(ctx, "busy", 3, fmt.Sprintf("tick-%d-%d", w, i))
				if err != nil {
					t.Errorf("earn: %v", err)
					return
				}
				// Redeliver every tick once; it must not count twice.
				if _, err := l.Earn(ctx, "busy", 3, fmt.Sprintf("tick-%d-%d", w, i)); err != nil {
					t.Errorf("earn duplicate: %v", err)
					return
				}
				if applied {
					earned.Add(3)
				}
			}
		}()
		go func() {
			defer wg.Done()
			for i := range rounds {
				id, err := l.Reserve(ctx, "busy", 4)
				if errors.Is(err, ledger.ErrInsufficientBalance) {
					continue
				}
				if err != nil {
					t.Errorf("reserve: %v", err)
					return
				}
				if bal, err := l.Balance(ctx, "busy"); err != nil || bal < 0 {
					t.Errorf("balance %d err %v", bal, err)
					return
				}
				if i%3 == 0 {
					if _, err := l.Release(ctx, id); err != nil {
						t.Errorf("release: %v", err)
					}
					continue
				}
				s, err := l.Commit(ctx, id, int64(i%5))
				if err != nil {
					t.Errorf("commit: %v", err)
					return
				}
				charged.Add(s.Charged)
			}
		}()
	}
	wg.Wait()

	bal, err := l.Verify(ctx, "busy")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, bal, int64(0))
	assert.Equal(t, earned.Load()-charged.Load(), bal)
	assert.Equal(t, int64(workers*rounds*3), earned.Load())
}
