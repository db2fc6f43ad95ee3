package lockout

import (
	"testing"
	"time"
)

func TestDefaultPolicyTable(t *testing.T) {
	p := DefaultPolicy()
	if err := p.Validate(); err != nil {
		t.Fatalf("default policy invalid: %v", err)
	}

	cases := []struct {
		count uint32
		want  time.Duration
	}{
		{1, 30 * time.Second},
		{5, 30 * time.Second},
		{6, time.Minute},
		{7, 5 * time.Minute},
		{8, 15 * time.Minute},
		{9, time.Hour},
		{10, time.Hour},
		{1 << 31, time.Hour},
	}
	for _, tc := range cases {
		if got := p.DurationFor(tc.count); got != tc.want {
			t.Fatalf("DurationFor(%d) = %v, want %v", tc.count, got, tc.want)
		}
	}
}

func TestFailuresBeforeLock(t *testing.T) {
	p := DefaultPolicy()
	cases := map[uint32]uint32{0: 5, 1: 4, 4: 1, 5: 1, 9: 1}
	for count, want := range cases {
		if got := p.FailuresBeforeLock(count); got != want {
			t.Fatalf("FailuresBeforeLock(%d) = %d, want %d", count, got, want)
		}
	}
}

func TestDurationForMonotonic(t *testing.T) {
	p := Policy{Threshold: 3, Durations: []time.Duration{time.Second, time.Second, 4 * time.Second, 9 * time.Second}}
	var prev time.Duration
	for c := uint32(0); c < 64; c++ {
		d := p.DurationFor(c)
		if d < prev {
			t.Fatalf("DurationFor(%d)=%v decreased from %v", c, d, prev)
		}
		prev = d
	}
	if prev != 9*time.Second {
		t.Fatalf("expected clamp at last entry, got %v", prev)
	}
}

func TestPolicyValidateRejects(t *testing.T) {
	bad := []Policy{
		{Threshold: 0, Durations: []time.Duration{time.Second}},
		{Threshold: 5},
		{Threshold: 5, Durations: []time.Duration{0}},
		{Threshold: 5, Durations: []time.Duration{time.Minute, time.Second}},
	}
	for i, p := range bad {
		if err := p.Validate(); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestNextLockNeverExtendsActiveLock(t *testing.T) {
	p := DefaultPolicy()
	now := time.Unix(1_700_000_000, 0)
	locked := now.Add(20 * time.Second)

	rec := Record{FailureCount: 6, LockedUntil: locked}
	if got := NextLock(p, rec, now, false); !got.Equal(locked) {
		t.Fatalf("active lock changed: %v", got)
	}
	if got := NextLock(p, rec, now, true); !got.Equal(locked) {
		t.Fatalf("forced failure extended active lock: %v", got)
	}
}

func TestNextLockAfterLapse(t *testing.T) {
	p := DefaultPolicy()
	now := time.Unix(1_700_000_000, 0)
	rec := Record{FailureCount: 6, LockedUntil: now.Add(-time.Second)}

	got := NextLock(p, rec, now, false)
	if want := now.Add(time.Minute); !got.Equal(want) {
		t.Fatalf("expected escalated lock %v, got %v", want, got)
	}
}

func TestNextLockBelowThreshold(t *testing.T) {
	p := DefaultPolicy()
	now := time.Unix(1_700_000_000, 0)
	rec := Record{FailureCount: 2}

	if got := NextLock(p, rec, now, false); !got.IsZero() {
		t.Fatalf("unexpected lock below threshold: %v", got)
	}
	if got := NextLock(p, rec, now, true); !got.Equal(now.Add(30 * time.Second)) {
		t.Fatalf("forced lock should use first entry, got %v", got)
	}
}

func TestRecordLockedAt(t *testing.T) {
	now := time.Unix(100, 0)
	if (Record{}).LockedAt(now) {
		t.Fatal("zero record must not be locked")
	}
	if !(Record{LockedUntil: now.Add(time.Second)}).LockedAt(now) {
		t.Fatal("expected locked")
	}
	if (Record{LockedUntil: now}).LockedAt(now) {
		t.Fatal("lock ending at now must be lapsed")
	}
}
