package lockout

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrUnavailable indicates the backing store could not be reached.
	ErrUnavailable = errors.New("attempt store unavailable")
	// ErrReservationBusy indicates another request holds the identity and
	// did not release it within the wait budget.
	ErrReservationBusy = errors.New("attempt reservation busy")
)

// Key identifies an attempt record.
type Key struct {
	SubjectKey   string
	AccountClass string
}

// String renders the key as class:subject.
func (k Key) String() string {
	return k.AccountClass + ":" + k.SubjectKey
}

// NormalizeSubject lower-cases and trims an email style subject key.
func NormalizeSubject(subject string) string {
	return strings.ToLower(strings.TrimSpace(subject))
}

// Record is the persisted per-identity attempt state.
type Record struct {
	Key           Key
	FailureCount  uint32
	LastFailureAt time.Time
	LockedUntil   time.Time
}

// LockedAt reports whether the record is locked at now. A lock that has
// lapsed is identical to no lock.
func (r Record) LockedAt(now time.Time) bool {
	return !r.LockedUntil.IsZero() && now.Before(r.LockedUntil)
}

// Decision is the outcome of CheckAndReserve. FailureCount is the
// cumulative count read while taking the reservation.
type Decision struct {
	Allowed      bool
	UnlockAt     time.Time
	FailureCount uint32
}

// Reservation is the per-identity critical section handed out by a Store.
// It must be released once the verifier call and the record update are done.
type Reservation interface {
	Decision() Decision
	Release(ctx context.Context) error
}

// Store is the authoritative attempt record owner.
//
// CheckAndReserve serializes callers per key: a second caller for the
// same key waits until the first releases, so two racing submissions can
// never both spend the last attempt. RecordFailure and RecordSuccess are
// expected to be called while holding the reservation.
type Store interface {
	CheckAndReserve(ctx context.Context, key Key, now time.Time) (Reservation, error)
	RecordFailure(ctx context.Context, key Key, now time.Time, force bool) (Record, error)
	RecordSuccess(ctx context.Context, key Key) error
	Get(ctx context.Context, key Key) (Record, error)
}

// NextLock computes the lock to apply after a failure. rec must already
// carry the incremented FailureCount. An active lock is never extended; a
// lapsed one is replaced.
func NextLock(p Policy, rec Record, now time.Time, force bool) time.Time {
	if rec.LockedAt(now) {
		return rec.LockedUntil
	}
	if force || p.ShouldLock(rec.FailureCount) {
		return now.Add(p.DurationFor(rec.FailureCount))
	}
	return rec.LockedUntil
}

// StaticReservation is a Reservation with nothing to release. Stores that
// serialize internally can hand it out.
type StaticReservation struct {
	D         Decision
	OnRelease func()
}

// Decision returns the stored decision.
func (s *StaticReservation) Decision() Decision { return s.D }

// Release runs OnRelease once.
func (s *StaticReservation) Release(context.Context) error {
	if s.OnRelease != nil {
		fn := s.OnRelease
		s.OnRelease = nil
		fn()
	}
	return nil
}
