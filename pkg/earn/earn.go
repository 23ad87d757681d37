// Package earn converts ad-watch time into ledger credits.
package earn

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/pario-ai/payless/pkg/ledger"
	"github.com/pario-ai/payless/pkg/models"
	"go.uber.org/zap"
)

// CorrelationPrefix namespaces ad ticks among earn correlation ids.
const CorrelationPrefix = "ad:"

// CorrelationID is the earn correlation id of a user's tick. Tick ids are
// chosen by clients, so they are only unique per user.
func CorrelationID(userID, tickID string) string {
	return CorrelationPrefix + url.QueryEscape(userID) + ":" + tickID
}

// Defaults used when the accruer is built with zero values.
const (
	DefaultCreditsPerMinute = 10
	DefaultMaxTickSeconds   = 300
)

// ErrInvalidTick is returned for a tick without an id or with negative time.
var ErrInvalidTick = errors.New("invalid tick")

// Tick reports seconds of ad time watched since the previous tick.
// TickID must be stable across retries so a resent tick is credited once.
type Tick struct {
	UserID  string `json:"user_id"`
	TickID  string `json:"tick_id"`
	Seconds int    `json:"seconds"`
}

// Result is the outcome of one Accrue. Seconds is the tick time after
// capping.
type Result struct {
	TickID  string `json:"tick_id"`
	Seconds int    `json:"seconds"`
	Credits int64  `json:"credits"`
	Applied bool   `json:"applied"`
	Balance int64  `json:"credit_balance"`
}

// Accruer credits ad ticks to the ledger.
type Accruer struct {
	ledger  *ledger.Ledger
	rate    int64
	maxTick int
	now     func() time.Time
	logger  *zap.Logger
}

// Option configures an Accruer.
type Option func(*Accruer)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Accruer) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithClock overrides time.Now for day boundaries in Stats.
func WithClock(now func() time.Time) Option {
	return func(a *Accruer) { a.now = now }
}

// New creates an Accruer paying creditsPerMinute with single ticks capped
// at maxTickSeconds.
func New(l *ledger.Ledger, creditsPerMinute int64, maxTickSeconds int, opts ...Option) *Accruer {
	if creditsPerMinute <= 0 {
		creditsPerMinute = DefaultCreditsPerMinute
	}
	if maxTickSeconds <= 0 {
		maxTickSeconds = DefaultMaxTickSeconds
	}
	a := &Accruer{
		ledger:  l,
		rate:    creditsPerMinute,
		maxTick: maxTickSeconds,
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// CreditsPerMinute returns the accrual rate.
func (a *Accruer) CreditsPerMinute() int64 { return a.rate }

// Credits returns what a tick of seconds is worth, rounded down.
func (a *Accruer) Credits(seconds int) int64 {
	return int64(a.capped(seconds)) * a.rate / 60
}

func (a *Accruer) capped(seconds int) int {
	if seconds <= 0 {
		return 0
	}
	return min(seconds, a.maxTick)
}

// Accrue credits one tick. Ticks worth zero credits are accepted but not
// recorded.
func (a *Accruer) Accrue(ctx context.Context, t Tick) (Result, error) {
	if t.TickID == "" {
		return Result{}, fmt.Errorf("%w: tick_id is required", ErrInvalidTick)
	}
	if t.Seconds < 0 {
		return Result{}, fmt.Errorf("%w: seconds %d is negative", ErrInvalidTick, t.Seconds)
	}
	if t.Seconds > a.maxTick {
		a.logger.Warn("tick exceeds maximum, capping",
			zap.String("user_id", t.UserID),
			zap.String("tick_id", t.TickID),
			zap.Int("seconds", t.Seconds),
			zap.Int("max_seconds", a.maxTick))
	}

	res := Result{TickID: t.TickID, Seconds: a.capped(t.Seconds), Credits: a.Credits(t.Seconds)}
	if res.Credits > 0 {
		applied, err := a.ledger.EarnUnits(ctx, t.UserID, res.Credits, CorrelationID(t.UserID, t.TickID), int64(res.Seconds))
		if err != nil {
			return Result{}, err
		}
		res.Applied = applied
	}

	bal, err := a.ledger.Balance(ctx, t.UserID)
	if err != nil {
		return Result{}, err
	}
	res.Balance = bal
	return res, nil
}

// Stats summarises a user's ad earnings. Days are UTC. Seconds count only
// ticks that earned credits.
func (a *Accruer) Stats(ctx context.Context, userID string) (models.EarnStats, error) {
	bal, err := a.ledger.Balance(ctx, userID)
	if err != nil {
		return models.EarnStats{}, err
	}
	events, err := a.ledger.Events(ctx, userID)
	if err != nil {
		return models.EarnStats{}, err
	}

	stats := models.EarnStats{
		UserID:           userID,
		CurrentBalance:   bal,
		CreditsPerMinute: a.rate,
	}
	y, m, d := a.now().UTC().Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	for _, ev := range events {
		if ev.Kind != models.EventEarn || !strings.HasPrefix(ev.CorrelationID, CorrelationPrefix) {
			continue
		}
		stats.TotalCreditsEarned += ev.Amount
		stats.TotalSecondsAllTime += ev.Units
		if !ev.CreatedAt.Before(today) {
			stats.CreditsEarnedToday += ev.Amount
			stats.TotalSecondsToday += ev.Units
			stats.EarnEventsToday++
		}
	}
	return stats, nil
}
