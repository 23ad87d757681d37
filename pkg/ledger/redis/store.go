// Package redis implements ledger.Store on Redis. Every mutation is a Lua
// script, so the guard and the write execute atomically on the server.
//
// Keys touch several users' namespaces and reservation ids, so the store
// targets a single Redis node rather than a cluster.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pario-ai/payless/pkg/ledger"
	"github.com/pario-ai/payless/pkg/models"
)

// DefaultPrefix namespaces keys when none is given.
const DefaultPrefix = "payless"

// Script status codes.
const (
	statusOK = iota
	statusInsufficient
	statusNotFound
	statusInvariant
	statusDuplicate
)

var earnScript = goredis.NewScript(`
if redis.call('SET', KEYS[1], '1', 'NX') == false then
	return {4, tonumber(redis.call('GET', KEYS[2]) or '0')}
end
local bal = redis.call('INCRBY', KEYS[2], ARGV[1])
redis.call('RPUSH', KEYS[3], ARGV[2])
return {0, bal}
`)

var reserveScript = goredis.NewScript(`
local bal = tonumber(redis.call('GET', KEYS[1]) or '0')
local amount = tonumber(ARGV[1])
if bal < amount then
	return {1, bal}
end
if redis.call('EXISTS', KEYS[2]) == 1 then
	return {3, bal}
end
bal = redis.call('DECRBY', KEYS[1], amount)
redis.call('HSET', KEYS[2], 'user', ARGV[3], 'amount', ARGV[1], 'created', ARGV[5])
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[2])
redis.call('RPUSH', KEYS[4], ARGV[6])
return {0, bal}
`)

var settleScript = goredis.NewScript(`
local user = redis.call('HGET', KEYS[2], 'user')
if not user or user ~= ARGV[3] then
	return {2, 0}
end
local held = tonumber(redis.call('HGET', KEYS[2], 'amount'))
local amount = tonumber(ARGV[2])
local refund = held
if ARGV[1] == 'commit' then
	if amount > held then
		return {3, held}
	end
	refund = held - amount
elseif amount ~= held then
	return {3, held}
end
redis.call('DEL', KEYS[2])
redis.call('ZREM', KEYS[3], ARGV[4])
local bal = redis.call('INCRBY', KEYS[1], refund)
redis.call('RPUSH', KEYS[4], ARGV[5])
return {0, bal}
`)

// Store implements ledger.Store on a Redis client.
type Store struct {
	client goredis.UniversalClient
	prefix string
}

// New creates a Store using client. Keys are namespaced under prefix.
func New(client goredis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

// Dial connects to addr and verifies the connection.
func Dial(ctx context.Context, addr, password string, db int, prefix string) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect ledger redis: %w", err)
	}
	return New(client, prefix), nil
}

func (s *Store) balanceKey(user string) string   { return s.prefix + ":balance:" + user }
func (s *Store) eventsKey(user string) string    { return s.prefix + ":events:" + user }
func (s *Store) reservationKey(id string) string { return s.prefix + ":reservation:" + id }
func (s *Store) correlationKey(id string) string { return s.prefix + ":earn:" + id }
func (s *Store) pendingKey() string              { return s.prefix + ":reservations" }

// Close closes the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Balance implements ledger.Store.
func (s *Store) Balance(ctx context.Context, userID string) (int64, error) {
	bal, err := s.client.Get(ctx, s.balanceKey(userID)).Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return bal, nil
}

// Reservation implements ledger.Store.
func (s *Store) Reservation(ctx context.Context, id string) (models.Reservation, error) {
	fields, err := s.client.HGetAll(ctx, s.reservationKey(id)).Result()
	if err != nil {
		return models.Reservation{}, fmt.Errorf("get reservation: %w", err)
	}
	if len(fields) == 0 {
		return models.Reservation{}, ledger.ErrNotFound
	}
	return parseReservation(id, fields)
}

func parseReservation(id string, fields map[string]string) (models.Reservation, error) {
	amount, err := strconv.ParseInt(fields["amount"], 10, 64)
	if err != nil {
		return models.Reservation{}, fmt.Errorf("parse reservation %s amount: %w", id, err)
	}
	created, err := strconv.ParseInt(fields["created"], 10, 64)
	if err != nil {
		return models.Reservation{}, fmt.Errorf("parse reservation %s created: %w", id, err)
	}
	return models.Reservation{
		ID:        id,
		UserID:    fields["user"],
		Amount:    amount,
		CreatedAt: time.Unix(0, created).UTC(),
	}, nil
}

// Apply implements ledger.Store.
func (s *Store) Apply(ctx context.Context, ev models.LedgerEvent) (int64, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("encode event: %w", err)
	}

	var res []int64
	switch ev.Kind {
	case models.EventEarn:
		res, err = earnScript.Run(ctx, s.client,
			[]string{s.correlationKey(ev.CorrelationID), s.balanceKey(ev.UserID), s.eventsKey(ev.UserID)},
			ev.Amount, payload,
		).Int64Slice()
	case models.EventReserve:
		res, err = reserveScript.Run(ctx, s.client,
			[]string{s.balanceKey(ev.UserID), s.reservationKey(ev.ReservationID), s.pendingKey(), s.eventsKey(ev.UserID)},
			ev.Amount, ev.ReservationID, ev.UserID, ev.CreatedAt.UnixMilli(), ev.CreatedAt.UnixNano(), payload,
		).Int64Slice()
	case models.EventCommit, models.EventRelease:
		res, err = settleScript.Run(ctx, s.client,
			[]string{s.balanceKey(ev.UserID), s.reservationKey(ev.ReservationID), s.pendingKey(), s.eventsKey(ev.UserID)},
			string(ev.Kind), ev.Amount, ev.UserID, ev.ReservationID, payload,
		).Int64Slice()
	default:
		return 0, fmt.Errorf("%w: unknown event kind %q", ledger.ErrInvariantViolation, ev.Kind)
	}
	if err != nil {
		return 0, fmt.Errorf("apply %s: %w", ev.Kind, err)
	}
	if len(res) != 2 {
		return 0, fmt.Errorf("apply %s: unexpected script reply %v", ev.Kind, res)
	}

	switch res[0] {
	case statusOK:
		return res[1], nil
	case statusInsufficient:
		return 0, &ledger.InsufficientBalanceError{UserID: ev.UserID, Balance: res[1], Required: ev.Amount}
	case statusNotFound:
		return 0, ledger.ErrNotFound
	case statusDuplicate:
		return 0, ledger.ErrDuplicate
	default:
		return 0, fmt.Errorf("%w: %s of %d rejected (held %d)", ledger.ErrInvariantViolation, ev.Kind, ev.Amount, res[1])
	}
}

// Events implements ledger.Store.
func (s *Store) Events(ctx context.Context, userID string) ([]models.LedgerEvent, error) {
	raw, err := s.client.LRange(ctx, s.eventsKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	out := make([]models.LedgerEvent, 0, len(raw))
	for _, r := range raw {
		var ev models.LedgerEvent
		if err := json.Unmarshal([]byte(r), &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		out = append(out, ev)
	}
	return out, nil
}

// StaleReservations implements ledger.Store.
func (s *Store) StaleReservations(ctx context.Context, before time.Time) ([]models.Reservation, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.pendingKey(), &goredis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list stale reservations: %w", err)
	}

	out := make([]models.Reservation, 0, len(ids))
	for _, id := range ids {
		r, err := s.Reservation(ctx, id)
		if errors.Is(err, ledger.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
