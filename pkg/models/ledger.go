package models

import "time"

// EventKind identifies the type of a ledger event.
type EventKind string

const (
	EventEarn    EventKind = "earn"
	EventReserve EventKind = "reserve"
	EventCommit  EventKind = "commit"
	EventRelease EventKind = "release"
)

// Valid reports whether k is one of the four ledger event kinds.
func (k EventKind) Valid() bool {
	switch k {
	case EventEarn, EventReserve, EventCommit, EventRelease:
		return true
	}
	return false
}

// LedgerEvent is an immutable entry in a user's credit history.
//
// Amount is always non-negative. Its meaning depends on Kind: credits added
// for Earn, credits held for Reserve, credits charged for Commit and credits
// returned for Release. Units is the quantity an Earn paid for, such as
// seconds of ad time; it is zero when the earn has no metered quantity.
type LedgerEvent struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	Kind          EventKind `json:"kind"`
	Amount        int64     `json:"amount"`
	ReservationID string    `json:"reservation_id,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Units         int64     `json:"units,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Reservation is a pending hold of credits awaiting commit or release.
type Reservation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Amount    int64     `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
}

// Settlement describes how a reservation was closed.
type Settlement struct {
	ReservationID string `json:"reservation_id"`
	UserID        string `json:"user_id"`
	Reserved      int64  `json:"reserved"`
	Charged       int64  `json:"charged"`
	Refunded      int64  `json:"refunded"`
	// Capped is set when the exact cost exceeded the reservation.
	Capped  bool  `json:"capped,omitempty"`
	Balance int64 `json:"balance"`
}

// EarnStats summarises ad-watch earnings for a user.
type EarnStats struct {
	UserID              string `json:"user_id"`
	TotalSecondsAllTime int64  `json:"total_seconds_all_time"`
	TotalCreditsEarned  int64  `json:"total_credits_earned"`
	TotalSecondsToday   int64  `json:"total_seconds_today"`
	CreditsEarnedToday  int64  `json:"credits_earned_today"`
	EarnEventsToday     int    `json:"earn_events_today"`
	CurrentBalance      int64  `json:"current_balance"`
	CreditsPerMinute    int64  `json:"credits_per_minute"`
}
