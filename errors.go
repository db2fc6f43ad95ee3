package goStepAuth

import "errors"

// Outcome sentinels. Engine operations report these through Result.Reason;
// Result.Err maps a reason back to its sentinel for errors.Is checks.
var (
	// ErrInvalidIdentity covers unknown and inactive accounts alike.
	ErrInvalidIdentity = errors.New("invalid identity")
	ErrInvalidCode     = errors.New("invalid code")
	// ErrStepMismatch is returned when the submitted step is not the
	// session's current step. No attempt is consumed.
	ErrStepMismatch       = errors.New("step mismatch")
	ErrAttemptsExceeded   = errors.New("attempts exceeded")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrSessionExpired     = errors.New("session expired")
)

// Operational errors. These come back as the error return value.
var (
	// ErrStorageUnavailable wraps Redis or SQL failures.
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrEngineNotReady     = errors.New("engine not ready")
	// ErrIdentityNotFound is what an IdentityVerifier returns for an
	// unknown subject. Any other error is treated as an outage.
	ErrIdentityNotFound  = errors.New("identity not found")
	ErrAssertionDisabled = errors.New("session assertions disabled")
	ErrAssertionInvalid  = errors.New("session assertion invalid")
)
