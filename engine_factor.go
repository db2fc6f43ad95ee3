package goStepAuth

import (
	"context"
	"time"

	"github.com/MrEthical07/goStepAuth/internal/flows"
	"github.com/MrEthical07/goStepAuth/lockout"
)

// SubmitFactor verifies code for step against the session's current step.
//
// A step other than the current one is Rejected with ReasonStepMismatch
// and consumes no attempt. A wrong code is Rejected with ReasonInvalidCode
// until the per-step budget or the identity lockout threshold is spent,
// at which point the session is Blocked until UnlockAt. A verifier outage
// is reported as StatusUnavailable and is not counted as a failure.
//
// After Reset the session sits at EMAIL again; submitting StepEmail with
// the subject key as code re-resolves the identity.
func (e *Engine) SubmitFactor(ctx context.Context, handle string, step StepKind, code string) (*Result, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	if e.metrics.LatencyEnabled() {
		start := time.Now()
		defer func() {
			e.metrics.Observe(MetricSubmitFactorLatency, time.Since(start))
		}()
	}
	if step == StepEmail {
		code = lockout.NormalizeSubject(code)
	}

	out, err := flows.RunSubmitFactor(ctx, handle, step, code, e.authFlowDeps())
	if err != nil {
		return nil, err
	}
	return e.resultFromOutcome(out), nil
}

// CompleteSecondFactorSetup stores secret against the account and, since
// setup is always the last step, completes the login. It is only valid
// while the session is at StepSecondFactorSetup.
func (e *Engine) CompleteSecondFactorSetup(ctx context.Context, handle string, secret []byte) (*Result, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	out, err := flows.RunCompleteSecondFactorSetup(ctx, handle, secret, e.authFlowDeps())
	if err != nil {
		return nil, err
	}
	return e.resultFromOutcome(out), nil
}
