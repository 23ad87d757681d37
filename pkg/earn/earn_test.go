package earn

import (
	"context"
	"testing"
	"time"

	"github.com/pario-ai/payless/pkg/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAccruer(t *testing.T, now func() time.Time) (*Accruer, *ledger.Ledger) {
	t.Helper()
	l := ledger.New(ledger.NewMemoryStore(), ledger.WithStartingGrant(100), ledger.WithClock(now))
	t.Cleanup(func() { _ = l.Close() })
	return New(l, 10, 300, WithClock(now)), l
}

func TestCredits(t *testing.T) {
	a := New(nil, 10, 300)
	tests := []struct {
		seconds int
		want    int64
	}{
		{0, 0},
		{-5, 0},
		{5, 0},
		{6, 1},
		{59, 9},
		{60, 10},
		{300, 50},
		{3600, 50},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, a.Credits(tt.seconds), "seconds=%d", tt.seconds)
	}
}

func TestNewDefaults(t *testing.T) {
	a := New(nil, 0, 0)
	assert.Equal(t, int64(DefaultCreditsPerMinute), a.CreditsPerMinute())
	assert.Equal(t, int64(50), a.Credits(10_000))
}

func TestAccrue(t *testing.T) {
	a, _ := newTestAccruer(t, time.Now)
	ctx := context.Background()

	res, err := a.Accrue(ctx, Tick{UserID: "u1", TickID: "t1", Seconds: 60})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, int64(10), res.Credits)
	assert.Equal(t, int64(110), res.Balance)

	// A retried tick is credited once.
	res, err = a.Accrue(ctx, Tick{UserID: "u1", TickID: "t1", Seconds: 60})
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, int64(110), res.Balance)

	res, err = a.Accrue(ctx, Tick{UserID: "u1", TickID: "t2", Seconds: 3})
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Zero(t, res.Credits)
	assert.Equal(t, int64(110), res.Balance)
}

func TestAccrueTickIDsArePerUser(t *testing.T) {
	a, _ := newTestAccruer(t, time.Now)
	ctx := context.Background()

	for _, user := range []string{"alice", "bob", "a:b", "a"} {
		tick := "1"
		if user == "a" {
			tick = "b:1"
		}
		res, err := a.Accrue(ctx, Tick{UserID: user, TickID: tick, Seconds: 60})
		require.NoError(t, err)
		assert.True(t, res.Applied, "user %s", user)
		assert.Equal(t, int64(110), res.Balance, "user %s", user)
	}

	res, err := a.Accrue(ctx, Tick{UserID: "bob", TickID: "1", Seconds: 60})
	require.NoError(t, err)
	assert.False(t, res.Applied)
}

func TestAccrueCapsSeconds(t *testing.T) {
	a, l := newTestAccruer(t, time.Now)
	ctx := context.Background()

	res, err := a.Accrue(ctx, Tick{UserID: "u1", TickID: "long", Seconds: 3600})
	require.NoError(t, err)
	assert.Equal(t, 300, res.Seconds)
	assert.Equal(t, int64(50), res.Credits)

	events, err := l.Events(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, CorrelationID("u1", "long"), events[1].CorrelationID)
	assert.Equal(t, int64(300), events[1].Units)
}

func TestAccrueInvalid(t *testing.T) {
	a, _ := newTestAccruer(t, time.Now)
	ctx := context.Background()

	_, err := a.Accrue(ctx, Tick{UserID: "u1", Seconds: 60})
	assert.ErrorIs(t, err, ErrInvalidTick)

	_, err = a.Accrue(ctx, Tick{UserID: "u1", TickID: "t1", Seconds: -1})
	assert.ErrorIs(t, err, ErrInvalidTick)

	_, err = a.Accrue(ctx, Tick{TickID: "t1", Seconds: 60})
	assert.ErrorIs(t, err, ledger.ErrInvalidUser)
}

func TestStats(t *testing.T) {
	now := time.Date(2025, 5, 10, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	a, l := newTestAccruer(t, clock)
	ctx := context.Background()

	now = now.Add(-24 * time.Hour)
	_, err := a.Accrue(ctx, Tick{UserID: "u1", TickID: "yesterday", Seconds: 120})
	require.NoError(t, err)

	now = now.Add(24 * time.Hour)
	_, err = a.Accrue(ctx, Tick{UserID: "u1", TickID: "today-1", Seconds: 60})
	require.NoError(t, err)
	_, err = a.Accrue(ctx, Tick{UserID: "u1", TickID: "today-2", Seconds: 30})
	require.NoError(t, err)

	// Non-ad earnings count toward the balance only.
	_, err = l.Earn(ctx, "u1", 7, "promo:spring")
	require.NoError(t, err)

	stats, err := a.Stats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", stats.UserID)
	assert.Equal(t, int64(35), stats.TotalCreditsEarned)
	assert.Equal(t, int64(15), stats.CreditsEarnedToday)
	assert.Equal(t, int64(210), stats.TotalSecondsAllTime)
	assert.Equal(t, int64(90), stats.TotalSecondsToday)
	assert.Equal(t, 2, stats.EarnEventsToday)
	assert.Equal(t, int64(142), stats.CurrentBalance)
	assert.Equal(t, int64(10), stats.CreditsPerMinute)
}
