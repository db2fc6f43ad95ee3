package limiters

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/MrEthical07/goStepAuth/internal/lease"
	"github.com/MrEthical07/goStepAuth/lockout"
	"github.com/redis/go-redis/v9"
)

var _ lockout.Store = (*AttemptStore)(nil)

// AttemptConfig configures the Redis attempt store.
type AttemptConfig struct {
	Prefix          string
	Policy          lockout.Policy
	ReservationTTL  time.Duration
	ReservationWait time.Duration
}

// AttemptStore is the Redis implementation of lockout.Store.
//
// Each identity is one hash "<prefix>:<class>:<subject>" with fields
// fc (failure count), lf (last failure, unix ms) and lu (locked until,
// unix ms). Records carry no TTL; they are only ever reset.
type AttemptStore struct {
	redis  redis.UniversalClient
	prefix string
	policy lockout.Policy
	locks  *lease.Locker
}

// NewAttemptStore creates the store.
func NewAttemptStore(client redis.UniversalClient, cfg AttemptConfig) *AttemptStore {
	if cfg.Prefix == "" {
		cfg.Prefix = "ala"
	}
	return &AttemptStore{
		redis:  client,
		prefix: cfg.Prefix,
		policy: cfg.Policy.Clone(),
		locks:  lease.NewLocker(client, cfg.Prefix+"r", cfg.ReservationTTL, cfg.ReservationWait),
	}
}

func (s *AttemptStore) key(k lockout.Key) string {
	return s.prefix + ":" + k.String()
}

type attemptReservation struct {
	decision lockout.Decision
	lease    *lease.Lease
}

func (r *attemptReservation) Decision() lockout.Decision { return r.decision }

func (r *attemptReservation) Release(ctx context.Context) error {
	if r.lease == nil {
		return nil
	}
	if err := r.lease.Release(ctx); err != nil {
		return fmt.Errorf("%w: %v", lockout.ErrUnavailable, err)
	}
	return nil
}

// CheckAndReserve takes the identity lease and reads the record. When the
// identity is locked the lease is dropped right away and the returned
// reservation only carries the denial.
func (s *AttemptStore) CheckAndReserve(ctx context.Context, k lockout.Key, now time.Time) (lockout.Reservation, error) {
	le, err := s.locks.Acquire(ctx, k.String())
	if err != nil {
		if errors.Is(err, lease.ErrBusy) {
			return nil, lockout.ErrReservationBusy
		}
		return nil, fmt.Errorf("%w: %v", lockout.ErrUnavailable, err)
	}

	rec, err := s.Get(ctx, k)
	if err != nil {
		_ = le.Release(ctx)
		return nil, err
	}
	if rec.LockedAt(now) {
		_ = le.Release(ctx)
		return &attemptReservation{decision: lockout.Decision{Allowed: false, UnlockAt: rec.LockedUntil, FailureCount: rec.FailureCount}}, nil
	}
	return &attemptReservation{decision: lockout.Decision{Allowed: true, FailureCount: rec.FailureCount}, lease: le}, nil
}

// Get returns the current record, zero valued when none exists.
func (s *AttemptStore) Get(ctx context.Context, k lockout.Key) (lockout.Record, error) {
	vals, err := s.redis.HMGet(ctx, s.key(k), "fc", "lf", "lu").Result()
	if err != nil {
		return lockout.Record{}, fmt.Errorf("%w: %v", lockout.ErrUnavailable, err)
	}
	return decodeAttemptRecord(k, vals)
}

// RecordFailure increments the failure count and applies the next lock
// under an optimistic WATCH transaction.
func (s *AttemptStore) RecordFailure(ctx context.Context, k lockout.Key, now time.Time, force bool) (lockout.Record, error) {
	const maxRetries = 4
	key := s.key(k)

	for i := 0; i < maxRetries; i++ {
		var out lockout.Record
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			vals, err := tx.HMGet(ctx, key, "fc", "lf", "lu").Result()
			if err != nil {
				return err
			}
			rec, err := decodeAttemptRecord(k, vals)
			if err != nil {
				return err
			}

			rec.FailureCount++
			rec.LastFailureAt = now
			rec.LockedUntil = lockout.NextLock(s.policy, rec, now, force)

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, key,
					"fc", rec.FailureCount,
					"lf", rec.LastFailureAt.UnixMilli(),
					"lu", unixMilliOrZero(rec.LockedUntil),
				)
				return nil
			})
			out = rec
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			if errors.Is(err, lockout.ErrUnavailable) {
				return lockout.Record{}, err
			}
			return lockout.Record{}, fmt.Errorf("%w: %v", lockout.ErrUnavailable, err)
		}
		return out, nil
	}

	return lockout.Record{}, fmt.Errorf("%w: attempt record contended", lockout.ErrUnavailable)
}

// RecordSuccess zeroes the count and clears any lock.
func (s *AttemptStore) RecordSuccess(ctx context.Context, k lockout.Key) error {
	if err := s.redis.HSet(ctx, s.key(k), "fc", 0, "lu", 0).Err(); err != nil {
		return fmt.Errorf("%w: %v", lockout.ErrUnavailable, err)
	}
	return nil
}

func decodeAttemptRecord(k lockout.Key, vals []interface{}) (lockout.Record, error) {
	rec := lockout.Record{Key: k}
	if len(vals) != 3 {
		return rec, fmt.Errorf("%w: malformed attempt record", lockout.ErrUnavailable)
	}
	fc, err := parseAttemptField(vals[0])
	if err != nil {
		return rec, err
	}
	lf, err := parseAttemptField(vals[1])
	if err != nil {
		return rec, err
	}
	lu, err := parseAttemptField(vals[2])
	if err != nil {
		return rec, err
	}
	if fc > 0 {
		rec.FailureCount = uint32(fc)
	}
	if lf > 0 {
		rec.LastFailureAt = time.UnixMilli(lf)
	}
	if lu > 0 {
		rec.LockedUntil = time.UnixMilli(lu)
	}
	return rec, nil
}

func parseAttemptField(v interface{}) (int64, error) {
	if v == nil {
		return 0, nil
	}
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("%w: unexpected attempt field type %T", lockout.ErrUnavailable, v)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: corrupt attempt field", lockout.ErrUnavailable)
	}
	return n, nil
}

func unixMilliOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
