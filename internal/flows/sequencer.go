package flows

import "time"

// StepKind names a login step or a terminal state.
type StepKind uint8

const (
	StepUnknown StepKind = iota
	StepEmail
	StepOTP
	StepSMS
	StepSecondFactorSetup
	StepCompleted
	StepBlocked
)

var stepNames = [...]string{
	StepUnknown:           "UNKNOWN",
	StepEmail:             "EMAIL",
	StepOTP:               "OTP",
	StepSMS:               "SMS",
	StepSecondFactorSetup: "SECOND_FACTOR_SETUP",
	StepCompleted:         "COMPLETED",
	StepBlocked:           "BLOCKED",
}

func (k StepKind) String() string {
	if int(k) < len(stepNames) {
		return stepNames[k]
	}
	return stepNames[StepUnknown]
}

// ParseStepKind is the inverse of String.
func ParseStepKind(s string) (StepKind, bool) {
	for i, name := range stepNames {
		if i != int(StepUnknown) && name == s {
			return StepKind(i), true
		}
	}
	return StepUnknown, false
}

// Terminal reports whether no further step can be submitted.
func (k StepKind) Terminal() bool {
	return k == StepCompleted || k == StepBlocked
}

// IsSecondFactor reports whether the step verifies a one-time code.
func (k StepKind) IsSecondFactor() bool {
	return k == StepOTP || k == StepSMS
}

// OutcomeKind classifies the result of verifying one step.
type OutcomeKind uint8

const (
	OutcomeSuccess OutcomeKind = iota + 1
	OutcomeFailure
	OutcomeLockedOut
)

// Outcome is the input to Advance. UnlockAt carries the lock the attempt
// store applied (if any) so Advance never reads a clock.
type Outcome struct {
	Kind     OutcomeKind
	UnlockAt time.Time
}

// State is the sequencer view of one login flow.
type State struct {
	Steps            []StepKind
	Index            uint32
	AttemptsThisStep uint32
	MaxAttempts      uint32
	FirstTime        bool
	Terminal         StepKind
	UnlockAt         time.Time
}

// Current returns the step awaiting submission, or the terminal state.
func (s State) Current() StepKind {
	if s.Terminal != StepUnknown {
		return s.Terminal
	}
	if int(s.Index) >= len(s.Steps) {
		return StepCompleted
	}
	return s.Steps[s.Index]
}

// AttemptsRemaining is the per-step budget left on the current step.
func (s State) AttemptsRemaining() uint32 {
	if s.Terminal != StepUnknown || s.AttemptsThisStep >= s.MaxAttempts {
		return 0
	}
	return s.MaxAttempts - s.AttemptsThisStep
}

// PlanSteps freezes the step list for one login.
//
// EMAIL always leads. Duplicates and terminal or setup entries from the
// policy are dropped. When the user is first-time, the policy asks for a
// second factor, and none is configured, SECOND_FACTOR_SETUP is appended
// so its completion becomes the terminal condition.
func PlanSteps(policy []StepKind, firstTime, secondFactorConfigured bool) []StepKind {
	out := make([]StepKind, 0, len(policy)+2)
	out = append(out, StepEmail)
	seen := map[StepKind]bool{StepEmail: true}
	wantsSecondFactor := false

	for _, k := range policy {
		switch k {
		case StepOTP, StepSMS:
			wantsSecondFactor = true
		case StepEmail:
		default:
			continue
		}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}

	if firstTime && wantsSecondFactor && !secondFactorConfigured {
		out = append(out, StepSecondFactorSetup)
	}
	return out
}

// NewState builds the initial EMAIL state.
func NewState(steps []StepKind, maxAttempts uint32, firstTime bool) State {
	if maxAttempts == 0 {
		maxAttempts = 1
	}
	return State{
		Steps:       append([]StepKind(nil), steps...),
		MaxAttempts: maxAttempts,
		FirstTime:   firstTime,
	}
}

// Advance computes the next state. It is pure: the same inputs always
// yield the same output.
func Advance(s State, o Outcome) State {
	next := s
	next.Steps = append([]StepKind(nil), s.Steps...)
	if s.Terminal != StepUnknown {
		return next
	}

	switch o.Kind {
	case OutcomeLockedOut:
		next.Terminal = StepBlocked
		next.UnlockAt = o.UnlockAt
	case OutcomeFailure:
		if s.AttemptsThisStep+1 < s.MaxAttempts {
			next.AttemptsThisStep++
			return next
		}
		next.AttemptsThisStep = s.MaxAttempts
		next.Terminal = StepBlocked
		next.UnlockAt = o.UnlockAt
	case OutcomeSuccess:
		next.Index++
		next.AttemptsThisStep = 0
		if int(next.Index) >= len(s.Steps) {
			next.Terminal = StepCompleted
		}
	}
	return next
}

// Reset returns a fresh EMAIL state over the same step list. Lockout is
// tracked per identity, so nothing here touches it.
func Reset(s State) State {
	return State{
		Steps:       append([]StepKind(nil), s.Steps...),
		MaxAttempts: s.MaxAttempts,
		FirstTime:   s.FirstTime,
	}
}

// Exhausts reports whether one more failure spends the step budget.
func (s State) Exhausts() bool {
	return s.AttemptsThisStep+1 >= s.MaxAttempts
}
