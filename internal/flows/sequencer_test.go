package flows

import (
	"reflect"
	"testing"
	"time"
)

func TestPlanStepsLeadsWithEmail(t *testing.T) {
	got := PlanSteps([]StepKind{StepOTP, StepEmail, StepSMS, StepOTP, StepCompleted}, false, true)
	want := []StepKind{StepEmail, StepOTP, StepSMS}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("PlanSteps = %v, want %v", got, want)
	}
}

func TestPlanStepsFirstTimeInsertion(t *testing.T) {
	cases := []struct {
		name       string
		policy     []StepKind
		firstTime  bool
		configured bool
		want       []StepKind
	}{
		{"first time unconfigured", []StepKind{StepEmail, StepOTP}, true, false, []StepKind{StepEmail, StepOTP, StepSecondFactorSetup}},
		{"returning configured", []StepKind{StepEmail, StepOTP}, false, true, []StepKind{StepEmail, StepOTP}},
		{"first time configured", []StepKind{StepEmail, StepSMS}, true, true, []StepKind{StepEmail, StepSMS}},
		{"no second factor in policy", []StepKind{StepEmail}, true, false, []StepKind{StepEmail}},
		{"policy setup entry ignored", []StepKind{StepSecondFactorSetup, StepSMS}, false, true, []StepKind{StepEmail, StepSMS}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := PlanSteps(tc.policy, tc.firstTime, tc.configured)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("PlanSteps = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestAdvanceSuccessWalksSteps(t *testing.T) {
	s := NewState([]StepKind{StepEmail, StepOTP, StepSMS}, 5, false)
	if s.Current() != StepEmail {
		t.Fatalf("initial step = %v", s.Current())
	}

	s = Advance(s, Outcome{Kind: OutcomeSuccess})
	if s.Current() != StepOTP {
		t.Fatalf("expected OTP, got %v", s.Current())
	}
	s = Advance(s, Outcome{Kind: OutcomeFailure})
	if s.AttemptsThisStep != 1 || s.Current() != StepOTP {
		t.Fatalf("failure should stay on OTP with one attempt, got %+v", s)
	}
	s = Advance(s, Outcome{Kind: OutcomeSuccess})
	if s.Current() != StepSMS || s.AttemptsThisStep != 0 {
		t.Fatalf("expected SMS with reset attempts, got %v/%d", s.Current(), s.AttemptsThisStep)
	}
	s = Advance(s, Outcome{Kind: OutcomeSuccess})
	if s.Current() != StepCompleted {
		t.Fatalf("expected COMPLETED, got %v", s.Current())
	}
}

func TestAdvanceFailureExhaustionBlocks(t *testing.T) {
	unlock := time.Unix(1_700_000_030, 0)
	s := NewState([]StepKind{StepEmail, StepOTP}, 3, false)
	s = Advance(s, Outcome{Kind: OutcomeSuccess})

	s = Advance(s, Outcome{Kind: OutcomeFailure})
	s = Advance(s, Outcome{Kind: OutcomeFailure})
	if s.Current() != StepOTP || s.AttemptsRemaining() != 1 {
		t.Fatalf("expected OTP with 1 remaining, got %v/%d", s.Current(), s.AttemptsRemaining())
	}
	s = Advance(s, Outcome{Kind: OutcomeFailure, UnlockAt: unlock})
	if s.Current() != StepBlocked || !s.UnlockAt.Equal(unlock) {
		t.Fatalf("expected BLOCKED until %v, got %v %v", unlock, s.Current(), s.UnlockAt)
	}
	if s.AttemptsRemaining() != 0 {
		t.Fatalf("blocked state must report zero remaining")
	}
}

func TestAdvanceLockedOutFromAnyStep(t *testing.T) {
	unlock := time.Unix(1_700_000_060, 0)
	for _, idx := range []uint32{0, 1, 2} {
		s := NewState([]StepKind{StepEmail, StepOTP, StepSMS}, 5, false)
		s.Index = idx
		s = Advance(s, Outcome{Kind: OutcomeLockedOut, UnlockAt: unlock})
		if s.Current() != StepBlocked || !s.UnlockAt.Equal(unlock) {
			t.Fatalf("index %d: expected BLOCKED, got %v", idx, s.Current())
		}
	}
}

func TestAdvanceIsPure(t *testing.T) {
	base := NewState([]StepKind{StepEmail, StepOTP, StepSMS}, 4, true)
	base.Index = 1
	base.AttemptsThisStep = 2
	outcomes := []Outcome{
		{Kind: OutcomeSuccess},
		{Kind: OutcomeFailure, UnlockAt: time.Unix(5, 0)},
		{Kind: OutcomeLockedOut, UnlockAt: time.Unix(9, 0)},
	}
	for _, o := range outcomes {
		a := Advance(base, o)
		b := Advance(base, o)
		if !reflect.DeepEqual(a, b) {
			t.Fatalf("Advance not deterministic for %+v: %+v vs %+v", o, a, b)
		}
	}
	if base.Index != 1 || base.AttemptsThisStep != 2 {
		t.Fatalf("Advance mutated its input: %+v", base)
	}
}

func TestAdvanceTerminalIsSticky(t *testing.T) {
	s := NewState([]StepKind{StepEmail}, 5, false)
	s = Advance(s, Outcome{Kind: OutcomeSuccess})
	if s.Current() != StepCompleted {
		t.Fatalf("expected COMPLETED, got %v", s.Current())
	}
	s = Advance(s, Outcome{Kind: OutcomeLockedOut, UnlockAt: time.Unix(1, 0)})
	if s.Current() != StepCompleted {
		t.Fatalf("terminal state changed to %v", s.Current())
	}
}

func TestResetReturnsEmailState(t *testing.T) {
	s := NewState([]StepKind{StepEmail, StepOTP}, 5, true)
	s = Advance(s, Outcome{Kind: OutcomeSuccess})
	s = Advance(s, Outcome{Kind: OutcomeFailure})

	r := Reset(s)
	if r.Current() != StepEmail || r.AttemptsThisStep != 0 || !r.FirstTime {
		t.Fatalf("unexpected reset state %+v", r)
	}
	if !reflect.DeepEqual(r.Steps, s.Steps) {
		t.Fatalf("reset changed the step list")
	}
}

func TestStepKindNames(t *testing.T) {
	for k := StepEmail; k <= StepBlocked; k++ {
		parsed, ok := ParseStepKind(k.String())
		if !ok || parsed != k {
			t.Fatalf("round trip failed for %v", k)
		}
	}
	if _, ok := ParseStepKind("PASSWORD"); ok {
		t.Fatal("unknown step parsed")
	}
}
