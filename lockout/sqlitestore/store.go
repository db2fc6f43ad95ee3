// Package sqlitestore is a lockout.Store on a local SQLite file, for single
// node deployments that want attempt records to outlive a Redis flush.
//
// Reservations are serialized in-process per identity, so one database
// file must not be shared by several processes.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrEthical07/goStepAuth/lockout"
	_ "modernc.org/sqlite"
)

var _ lockout.Store = (*Store)(nil)

// Config configures the store.
type Config struct {
	DSN    string
	Policy lockout.Policy
	// ReservationWait bounds how long CheckAndReserve queues behind another
	// request for the same identity.
	ReservationWait time.Duration
}

type slot struct {
	ch   chan struct{}
	refs int
}

// Store implements lockout.Store.
type Store struct {
	db     *sql.DB
	policy lockout.Policy
	wait   time.Duration

	mu    sync.Mutex
	slots map[string]*slot
}

// Open opens the database and applies migrations.
func Open(cfg Config) (*Store, error) {
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(context.Background(), `PRAGMA busy_timeout = 5000;`); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		db:     db,
		policy: cfg.Policy.Clone(),
		wait:   cfg.ReservationWait,
		slots:  map[string]*slot{},
	}
	if err := s.ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply attempt store migrations: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) acquire(ctx context.Context, key string) (func(), error) {
	s.mu.Lock()
	sl, ok := s.slots[key]
	if !ok {
		sl = &slot{ch: make(chan struct{}, 1)}
		s.slots[key] = sl
	}
	sl.refs++
	s.mu.Unlock()

	drop := func() {
		s.mu.Lock()
		sl.refs--
		if sl.refs == 0 {
			delete(s.slots, key)
		}
		s.mu.Unlock()
	}

	release := func() {
		<-sl.ch
		drop()
	}

	select {
	case sl.ch <- struct{}{}:
		return release, nil
	default:
	}
	if s.wait <= 0 {
		drop()
		return nil, lockout.ErrReservationBusy
	}

	timer := time.NewTimer(s.wait)
	defer timer.Stop()
	select {
	case sl.ch <- struct{}{}:
		return release, nil
	case <-timer.C:
		drop()
		return nil, lockout.ErrReservationBusy
	case <-ctx.Done():
		drop()
		return nil, ctx.Err()
	}
}

// CheckAndReserve implements lockout.Store.
func (s *Store) CheckAndReserve(ctx context.Context, k lockout.Key, now time.Time) (lockout.Reservation, error) {
	release, err := s.acquire(ctx, k.String())
	if err != nil {
		return nil, err
	}

	rec, err := s.Get(ctx, k)
	if err != nil {
		release()
		return nil, err
	}
	if rec.LockedAt(now) {
		release()
		return &lockout.StaticReservation{D: lockout.Decision{Allowed: false, UnlockAt: rec.LockedUntil, FailureCount: rec.FailureCount}}, nil
	}
	return &lockout.StaticReservation{D: lockout.Decision{Allowed: true, FailureCount: rec.FailureCount}, OnRelease: release}, nil
}

const selectAttempt = `SELECT failure_count, last_failure_at, locked_until
FROM attempts WHERE account_class = ? AND subject_key = ?`

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readRecord(ctx context.Context, q querier, k lockout.Key) (lockout.Record, error) {
	rec := lockout.Record{Key: k}
	var fc, lf, lu int64
	err := q.QueryRowContext(ctx, selectAttempt, k.AccountClass, k.SubjectKey).Scan(&fc, &lf, &lu)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, nil
	}
	if err != nil {
		return rec, fmt.Errorf("%w: %v", lockout.ErrUnavailable, err)
	}
	rec.FailureCount = uint32(fc)
	if lf > 0 {
		rec.LastFailureAt = time.UnixMilli(lf)
	}
	if lu > 0 {
		rec.LockedUntil = time.UnixMilli(lu)
	}
	return rec, nil
}

// Get implements lockout.Store.
func (s *Store) Get(ctx context.Context, k lockout.Key) (lockout.Record, error) {
	return readRecord(ctx, s.db, k)
}

// RecordFailure implements lockout.Store.
func (s *Store) RecordFailure(ctx context.Context, k lockout.Key, now time.Time, force bool) (lockout.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return lockout.Record{}, fmt.Errorf("%w: %v", lockout.ErrUnavailable, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rec, err := readRecord(ctx, tx, k)
	if err != nil {
		return lockout.Record{}, err
	}
	rec.FailureCount++
	rec.LastFailureAt = now
	rec.LockedUntil = lockout.NextLock(s.policy, rec, now, force)

	_, err = tx.ExecContext(ctx, `INSERT INTO attempts
    (account_class, subject_key, failure_count, last_failure_at, locked_until)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (account_class, subject_key) DO UPDATE SET
    failure_count = excluded.failure_count,
    last_failure_at = excluded.last_failure_at,
    locked_until = excluded.locked_until`,
		k.AccountClass, k.SubjectKey, int64(rec.FailureCount), rec.LastFailureAt.UnixMilli(), unixMilliOrZero(rec.LockedUntil))
	if err != nil {
		return lockout.Record{}, fmt.Errorf("%w: %v", lockout.ErrUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return lockout.Record{}, fmt.Errorf("%w: %v", lockout.ErrUnavailable, err)
	}
	return rec, nil
}

// RecordSuccess implements lockout.Store.
func (s *Store) RecordSuccess(ctx context.Context, k lockout.Key) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE attempts SET failure_count = 0, locked_until = 0 WHERE account_class = ? AND subject_key = ?`,
		k.AccountClass, k.SubjectKey)
	if err != nil {
		return fmt.Errorf("%w: %v", lockout.ErrUnavailable, err)
	}
	return nil
}

func unixMilliOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
