package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/pario-ai/payless/pkg/ledger"
	"github.com/pario-ai/payless/pkg/metrics"
	"github.com/pario-ai/payless/pkg/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestOverrunIsLoggedAndCounted(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	m := metrics.New("test")
	l := ledger.New(ledger.NewMemoryStore(), ledger.WithLogger(zap.New(core)), ledger.WithMetrics(m))
	ctx := context.Background()

	_, err := l.Earn(ctx, "u1", 10, "e1")
	require.NoError(t, err)
	id, err := l.Reserve(ctx, "u1", 3)
	require.NoError(t, err)

	s, err := l.Commit(ctx, id, 12)
	require.NoError(t, err)
	assert.True(t, s.Capped)
	assert.Equal(t, int64(7), s.Balance)

	entries := logs.FilterMessageSnippet("exceeds reservation").All()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(12), entries[0].ContextMap()["exact"])
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CommitOverrunsTotal))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.CreditsTotal.WithLabelValues("charged")))
}

func TestInvalidArguments(t *testing.T) {
	l := ledger.New(ledger.NewMemoryStore())
	ctx := context.Background()

	_, err := l.Reserve(ctx, "", 1)
	assert.ErrorIs(t, err, ledger.ErrInvalidUser)
	_, err = l.Reserve(ctx, "u", -1)
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
	_, err = l.Balance(ctx, "")
	assert.ErrorIs(t, err, ledger.ErrInvalidUser)
	_, err = l.Events(ctx, "")
	assert.ErrorIs(t, err, ledger.ErrInvalidUser)
}

func TestZeroReservation(t *testing.T) {
	l := ledger.New(ledger.NewMemoryStore())
	ctx := context.Background()

	id, err := l.Reserve(ctx, "u", 0)
	require.NoError(t, err)
	s, err := l.Commit(ctx, id, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), s.Balance)
}

func TestReplayRejectsCorruptLogs(t *testing.T) {
	ev := func(kind models.EventKind, amount int64, res string) models.LedgerEvent {
		return models.LedgerEvent{Kind: kind, Amount: amount, ReservationID: res}
	}

	tests := []struct {
		name   string
		events []models.LedgerEvent
	}{
		{"overdraw", []models.LedgerEvent{ev(models.EventEarn, 1, ""), ev(models.EventReserve, 2, "r")}},
		{"unknown commit", []models.LedgerEvent{ev(models.EventCommit, 0, "r")}},
		{"double release", []models.LedgerEvent{
			ev(models.EventEarn, 5, ""), ev(models.EventReserve, 5, "r"),
			ev(models.EventRelease, 5, "r"), ev(models.EventRelease, 5, "r"),
		}},
		{"overcharge", []models.LedgerEvent{
			ev(models.EventEarn, 5, ""), ev(models.EventReserve, 2, "r"), ev(models.EventCommit, 3, "r"),
		}},
		{"unknown kind", []models.LedgerEvent{ev("refund", 1, "")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ledger.Replay(tt.events)
			assert.ErrorIs(t, err, ledger.ErrInvariantViolation)
		})
	}
}

func TestReplay(t *testing.T) {
	bal, pending, err := ledger.Replay([]models.LedgerEvent{
		{Kind: models.EventEarn, Amount: 10},
		{Kind: models.EventReserve, Amount: 8, ReservationID: "a"},
		{Kind: models.EventCommit, Amount: 5, ReservationID: "a"},
		{Kind: models.EventReserve, Amount: 2, ReservationID: "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), bal)
	assert.Equal(t, map[string]int64{"b": 2}, pending)
}

// tamperedStore reports a balance that disagrees with its events.
type tamperedStore struct {
	*ledger.MemoryStore
}

func (s tamperedStore) Balance(ctx context.Context, userID string) (int64, error) {
	b, err := s.MemoryStore.Balance(ctx, userID)
	return b + 1, err
}

func TestVerifyDetectsMismatch(t *testing.T) {
	l := ledger.New(tamperedStore{ledger.NewMemoryStore()})
	ctx := context.Background()
	_, err := l.Earn(ctx, "u", 5, "e1")
	require.NoError(t, err)

	_, err = l.Verify(ctx, "u")
	assert.ErrorIs(t, err, ledger.ErrInvariantViolation)
}

func TestLockHonoursContext(t *testing.T) {
	l := ledger.New(ledger.NewMemoryStore())
	ctx := context.Background()
	_, err := l.Earn(ctx, "u", 5, "e1")
	require.NoError(t, err)

	// Hold the user's lock from inside a settle callback.
	id, err := l.Reserve(ctx, "u", 1)
	require.NoError(t, err)
	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = l.Settle(ctx, id, func() (int64, error) {
			close(entered)
			<-release
			return 1, nil
		})
	}()
	<-entered

	tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = l.Reserve(tctx, "u", 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Other users are not blocked.
	_, err = l.Earn(ctx, "other", 1, "o1")
	assert.NoError(t, err)

	close(release)
	<-done
	bal, err := l.Verify(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, int64(4), bal)
}
