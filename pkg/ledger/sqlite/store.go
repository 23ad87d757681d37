// Package sqlite implements ledger.Store on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pario-ai/payless/pkg/ledger"
	"github.com/pario-ai/payless/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	user_id TEXT PRIMARY KEY,
	balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS reservations (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES accounts(user_id),
	amount INTEGER NOT NULL CHECK (amount >= 0),
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reservations_created ON reservations(created_at);
CREATE TABLE IF NOT EXISTS ledger_events (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	user_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	amount INTEGER NOT NULL CHECK (amount >= 0),
	reservation_id TEXT NOT NULL DEFAULT '',
	correlation_id TEXT NOT NULL DEFAULT '',
	units INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_user ON ledger_events(user_id, seq);
CREATE UNIQUE INDEX IF NOT EXISTS idx_events_earn_correlation ON ledger_events(correlation_id) WHERE kind = 'earn';
`

// Store implements ledger.Store with a SQLite database. Each Apply runs in
// an immediate transaction, so several processes may share one file.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at path and runs migrations.
func New(path string) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("open ledger db: path is required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: resolve path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o700); err != nil {
		return nil, fmt.Errorf("open ledger db: create directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_txlock=immediate", abs)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate ledger db: %w", err)
	}

	// Files created before earn units were recorded lack the column.
	if !columnExists(db, "ledger_events", "units") {
		if _, err := db.Exec(`ALTER TABLE ledger_events ADD COLUMN units INTEGER NOT NULL DEFAULT 0`); err != nil {
			db.Close()
			return nil, fmt.Errorf("add units column: %w", err)
		}
	}
	return &Store{db: db}, nil
}

func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid, notnull, pk int
			name, ctype      string
			dflt             sql.NullString
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false
		}
		if name == column {
			return true
		}
	}
	return false
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Balance implements ledger.Store.
func (s *Store) Balance(ctx context.Context, userID string) (int64, error) {
	var bal int64
	err := s.db.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE user_id = ?`, userID).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query balance: %w", err)
	}
	return bal, nil
}

// Reservation implements ledger.Store.
func (s *Store) Reservation(ctx context.Context, id string) (models.Reservation, error) {
	var (
		r       models.Reservation
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, amount, created_at FROM reservations WHERE id = ?`, id,
	).Scan(&r.ID, &r.UserID, &r.Amount, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Reservation{}, ledger.ErrNotFound
	}
	if err != nil {
		return models.Reservation{}, fmt.Errorf("query reservation: %w", err)
	}
	r.CreatedAt = time.Unix(0, created).UTC()
	return r, nil
}

// Apply implements ledger.Store.
func (s *Store) Apply(ctx context.Context, ev models.LedgerEvent) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := ev.CreatedAt.UnixNano()
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO accounts (user_id, balance, created_at, updated_at) VALUES (?, 0, ?, ?)`,
		ev.UserID, now, now,
	); err != nil {
		return 0, fmt.Errorf("ensure account: %w", err)
	}

	var bal int64
	switch ev.Kind {
	case models.EventEarn:
		bal, err = applyEarn(ctx, tx, ev)
	case models.EventReserve:
		bal, err = applyReserve(ctx, tx, ev)
	case models.EventCommit, models.EventRelease:
		bal, err = applySettle(ctx, tx, ev)
	default:
		err = fmt.Errorf("%w: unknown event kind %q", ledger.ErrInvariantViolation, ev.Kind)
	}
	if err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_events (id, user_id, kind, amount, reservation_id, correlation_id, units, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.UserID, string(ev.Kind), ev.Amount, ev.ReservationID, ev.CorrelationID, ev.Units, now,
	); err != nil {
		if ev.Kind == models.EventEarn && isUniqueViolation(err) {
			return 0, ledger.ErrDuplicate
		}
		return 0, fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return bal, nil
}

func applyEarn(ctx context.Context, tx *sql.Tx, ev models.LedgerEvent) (int64, error) {
	var exists int
	err := tx.QueryRowContext(ctx,
		`SELECT 1 FROM ledger_events WHERE kind = 'earn' AND correlation_id = ?`, ev.CorrelationID,
	).Scan(&exists)
	if err == nil {
		return 0, ledger.ErrDuplicate
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("check correlation: %w", err)
	}
	return addBalance(ctx, tx, ev.UserID, ev.Amount, ev.CreatedAt.UnixNano())
}

func applyReserve(ctx context.Context, tx *sql.Tx, ev models.LedgerEvent) (int64, error) {
	var bal int64
	err := tx.QueryRowContext(ctx,
		`UPDATE accounts SET balance = balance - ?, updated_at = ?
		 WHERE user_id = ? AND balance >= ?
		 RETURNING balance`,
		ev.Amount, ev.CreatedAt.UnixNano(), ev.UserID, ev.Amount,
	).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		var have int64
		if err := tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE user_id = ?`, ev.UserID).Scan(&have); err != nil {
			return 0, fmt.Errorf("query balance: %w", err)
		}
		return 0, &ledger.InsufficientBalanceError{UserID: ev.UserID, Balance: have, Required: ev.Amount}
	}
	if err != nil {
		return 0, fmt.Errorf("debit balance: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO reservations (id, user_id, amount, created_at) VALUES (?, ?, ?, ?)`,
		ev.ReservationID, ev.UserID, ev.Amount, ev.CreatedAt.UnixNano(),
	); err != nil {
		return 0, fmt.Errorf("insert reservation: %w", err)
	}
	return bal, nil
}

func applySettle(ctx context.Context, tx *sql.Tx, ev models.LedgerEvent) (int64, error) {
	var held int64
	err := tx.QueryRowContext(ctx,
		`SELECT amount FROM reservations WHERE id = ? AND user_id = ?`, ev.ReservationID, ev.UserID,
	).Scan(&held)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ledger.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("query reservation: %w", err)
	}

	refund := held
	switch {
	case ev.Kind == models.EventRelease && ev.Amount != held:
		return 0, fmt.Errorf("%w: release of %d for reservation of %d", ledger.ErrInvariantViolation, ev.Amount, held)
	case ev.Kind == models.EventCommit && ev.Amount > held:
		return 0, fmt.Errorf("%w: charge %d over reservation %d", ledger.ErrInvariantViolation, ev.Amount, held)
	case ev.Kind == models.EventCommit:
		refund = held - ev.Amount
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM reservations WHERE id = ?`, ev.ReservationID); err != nil {
		return 0, fmt.Errorf("delete reservation: %w", err)
	}
	return addBalance(ctx, tx, ev.UserID, refund, ev.CreatedAt.UnixNano())
}

func addBalance(ctx context.Context, tx *sql.Tx, userID string, amount, now int64) (int64, error) {
	var bal int64
	err := tx.QueryRowContext(ctx,
		`UPDATE accounts SET balance = balance + ?, updated_at = ? WHERE user_id = ? RETURNING balance`,
		amount, now, userID,
	).Scan(&bal)
	if err != nil {
		return 0, fmt.Errorf("credit balance: %w", err)
	}
	return bal, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Events implements ledger.Store.
func (s *Store) Events(ctx context.Context, userID string) ([]models.LedgerEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, kind, amount, reservation_id, correlation_id, units, created_at
		 FROM ledger_events WHERE user_id = ? ORDER BY seq`, userID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []models.LedgerEvent
	for rows.Next() {
		var (
			ev      models.LedgerEvent
			kind    string
			created int64
		)
		if err := rows.Scan(&ev.ID, &ev.UserID, &kind, &ev.Amount, &ev.ReservationID, &ev.CorrelationID, &ev.Units, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Kind = models.EventKind(kind)
		ev.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

// StaleReservations implements ledger.Store.
func (s *Store) StaleReservations(ctx context.Context, before time.Time) ([]models.Reservation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, amount, created_at FROM reservations WHERE created_at < ? ORDER BY created_at`,
		before.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("query stale reservations: %w", err)
	}
	defer rows.Close()

	var out []models.Reservation
	for rows.Next() {
		var (
			r       models.Reservation
			created int64
		)
		if err := rows.Scan(&r.ID, &r.UserID, &r.Amount, &created); err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		r.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
