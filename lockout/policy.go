package lockout

import (
	"errors"
	"time"
)

// Policy maps a cumulative failure count to a cooldown duration.
//
// The first lock fires when the count reaches Threshold and uses
// Durations[0]. Every further failure past the threshold moves one entry
// down the table; counts beyond the table clamp to the last entry.
type Policy struct {
	Threshold uint32
	Durations []time.Duration
}

// DefaultPolicy returns the 5-failure threshold with the 30s..1h ladder.
func DefaultPolicy() Policy {
	return Policy{
		Threshold: 5,
		Durations: []time.Duration{
			30 * time.Second,
			time.Minute,
			5 * time.Minute,
			15 * time.Minute,
			time.Hour,
		},
	}
}

// Validate checks the table is usable.
func (p Policy) Validate() error {
	if p.Threshold == 0 {
		return errors.New("lockout threshold must be > 0")
	}
	if len(p.Durations) == 0 {
		return errors.New("lockout durations must not be empty")
	}
	var prev time.Duration
	for _, d := range p.Durations {
		if d <= 0 {
			return errors.New("lockout durations must be > 0")
		}
		if d < prev {
			return errors.New("lockout durations must be non-decreasing")
		}
		prev = d
	}
	return nil
}

// ShouldLock reports whether count has reached the lock threshold.
func (p Policy) ShouldLock(count uint32) bool {
	return count >= p.Threshold
}

// FailuresBeforeLock is how many more failures an unlocked identity with
// count cumulative failures can take before it locks. Once the threshold
// has been passed, a lapsed lock leaves exactly one.
func (p Policy) FailuresBeforeLock(count uint32) uint32 {
	if count >= p.Threshold {
		return 1
	}
	return p.Threshold - count
}

// DurationFor returns the cooldown for a cumulative failure count.
//
// Counts below the threshold map to the first entry so a lock forced by
// step exhaustion still gets a bounded cooldown. The result is
// non-decreasing in count.
func (p Policy) DurationFor(count uint32) time.Duration {
	if len(p.Durations) == 0 {
		return 0
	}
	idx := 0
	if count > p.Threshold {
		over := count - p.Threshold
		if over >= uint32(len(p.Durations)) {
			idx = len(p.Durations) - 1
		} else {
			idx = int(over)
		}
	}
	return p.Durations[idx]
}

// Clone returns a deep copy.
func (p Policy) Clone() Policy {
	out := p
	out.Durations = append([]time.Duration(nil), p.Durations...)
	return out
}
