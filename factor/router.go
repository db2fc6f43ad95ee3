package factor

import (
	"context"
	"errors"
	"fmt"

	goStepAuth "github.com/MrEthical07/goStepAuth"
)

// ErrNoVerifier is returned when a step has no registered verifier. The
// engine reports it as service_unavailable, so a misconfigured route never
// consumes a user's attempts.
var ErrNoVerifier = errors.New("no verifier registered for step")

// Router dispatches Verify by step kind.
type Router struct {
	routes map[goStepAuth.StepKind]goStepAuth.SecondFactorVerifier
}

var _ goStepAuth.SecondFactorVerifier = (*Router)(nil)

// NewRouter returns an empty Router.
func NewRouter() *Router {
	return &Router{routes: map[goStepAuth.StepKind]goStepAuth.SecondFactorVerifier{}}
}

// Handle registers v for step. Only OTP and SMS can be routed.
func (r *Router) Handle(step goStepAuth.StepKind, v goStepAuth.SecondFactorVerifier) *Router {
	if step != goStepAuth.StepOTP && step != goStepAuth.StepSMS {
		panic(fmt.Sprintf("factor: cannot route step %s", step))
	}
	r.routes[step] = v
	return r
}

func (r *Router) Verify(ctx context.Context, step goStepAuth.StepKind, accountID, code string) (goStepAuth.Verdict, error) {
	v, ok := r.routes[step]
	if !ok || v == nil {
		return goStepAuth.VerdictUnavailable, fmt.Errorf("%w: %s", ErrNoVerifier, step)
	}
	return v.Verify(ctx, step, accountID, code)
}

// VerifierFunc adapts a function to SecondFactorVerifier.
type VerifierFunc func(ctx context.Context, step goStepAuth.StepKind, accountID, code string) (goStepAuth.Verdict, error)

func (f VerifierFunc) Verify(ctx context.Context, step goStepAuth.StepKind, accountID, code string) (goStepAuth.Verdict, error) {
	return f(ctx, step, accountID, code)
}
