package goStepAuth

import (
	"context"
	"io"
	"time"

	internalaudit "github.com/MrEthical07/goStepAuth/internal/audit"
	"github.com/MrEthical07/goStepAuth/internal/flows"
	internalmetrics "github.com/MrEthical07/goStepAuth/internal/metrics"
)

// StepKind names a login step or terminal state.
type StepKind = flows.StepKind

const (
	StepEmail             = flows.StepEmail
	StepOTP               = flows.StepOTP
	StepSMS               = flows.StepSMS
	StepSecondFactorSetup = flows.StepSecondFactorSetup
	StepCompleted         = flows.StepCompleted
	StepBlocked           = flows.StepBlocked
)

// ParseStepKind converts a wire name such as "OTP" back to a StepKind.
func ParseStepKind(s string) (StepKind, bool) {
	return flows.ParseStepKind(s)
}

// Identity is the lookup key for a login: the normalized email plus a
// member of the configured account class set.
type Identity = flows.AuthIdentity

// Account is what an IdentityVerifier resolves an Identity to.
type Account = flows.AuthAccount

// IdentityVerifier resolves identities. Resolve must return
// ErrIdentityNotFound (possibly wrapped) for unknown subjects; any other
// error is treated as a service outage and does not count as a failure.
type IdentityVerifier interface {
	Resolve(ctx context.Context, identity Identity) (Account, error)
}

// SecondFactorEnroller persists a newly set up second-factor secret.
// CompleteSecondFactorSetup requires the IdentityVerifier to implement it
// or an enroller registered with Builder.WithSecondFactorEnroller.
type SecondFactorEnroller interface {
	EnrollSecondFactor(ctx context.Context, accountID string, secret []byte) error
}

// StepPolicy is the ordered step list and per-step attempt budget for one
// login.
type StepPolicy struct {
	Steps              []StepKind
	MaxAttemptsPerStep uint32
}

// StepPolicyProvider decides which steps an identity must pass.
type StepPolicyProvider interface {
	RequiredSteps(ctx context.Context, identity Identity, firstTime bool) (StepPolicy, error)
}

// Verdict is a SecondFactorVerifier's answer.
type Verdict = flows.FactorVerdict

const (
	VerdictSuccess     = flows.FactorSuccess
	VerdictFailure     = flows.FactorFailure
	VerdictUnavailable = flows.FactorUnavailable
)

// SecondFactorVerifier checks one-time codes for OTP and SMS steps.
type SecondFactorVerifier interface {
	Verify(ctx context.Context, step StepKind, accountID, code string) (Verdict, error)
}

// Status is the outcome class of an orchestrator call.
type Status uint8

const (
	StatusInProgress Status = iota + 1
	StatusCompleted
	StatusBlocked
	StatusRejected
	StatusUnavailable
)

func (s Status) String() string {
	switch s {
	case StatusInProgress:
		return "in_progress"
	case StatusCompleted:
		return "completed"
	case StatusBlocked:
		return "blocked"
	case StatusRejected:
		return "rejected"
	case StatusUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Reason explains a non-success Status with a stable string.
type Reason uint8

const (
	ReasonNone Reason = iota
	ReasonInvalidIdentity
	ReasonInvalidCode
	ReasonStepMismatch
	ReasonAttemptsExceeded
	ReasonServiceUnavailable
	ReasonSessionExpired
)

func (r Reason) String() string {
	switch r {
	case ReasonInvalidIdentity:
		return "invalid_identity"
	case ReasonInvalidCode:
		return "invalid_code"
	case ReasonStepMismatch:
		return "step_mismatch"
	case ReasonAttemptsExceeded:
		return "attempts_exceeded"
	case ReasonServiceUnavailable:
		return "service_unavailable"
	case ReasonSessionExpired:
		return "session_expired"
	default:
		return ""
	}
}

// SessionView is the caller-facing snapshot of an auth session. It never
// carries raw attempt counters.
type SessionView struct {
	Step              StepKind
	Identity          Identity
	AttemptsRemaining uint32
	IsFirstTimeUser   bool
	ExpiresAt         time.Time
}

// SessionToken is returned once a login completes, and by RefreshSession.
type SessionToken struct {
	Opaque    string
	TokenID   string
	IssuedAt  time.Time
	ExpiresAt time.Time

	// AccessToken is a signed assertion, set only when Assertion.Enabled.
	AccessToken          string
	AccessTokenExpiresAt time.Time
}

// Result is returned by Login, SubmitFactor, CompleteSecondFactorSetup
// and Reset. Handle is empty once the flow has finished or been rejected
// without a session.
type Result struct {
	Status   Status
	Reason   Reason
	Handle   string
	View     *SessionView
	Token    *SessionToken
	UnlockAt time.Time
}

// Err maps Reason to its sentinel, or nil when there is nothing to report.
func (r *Result) Err() error {
	if r == nil {
		return ErrEngineNotReady
	}
	switch r.Reason {
	case ReasonInvalidIdentity:
		return ErrInvalidIdentity
	case ReasonInvalidCode:
		return ErrInvalidCode
	case ReasonStepMismatch:
		return ErrStepMismatch
	case ReasonAttemptsExceeded:
		return ErrAttemptsExceeded
	case ReasonServiceUnavailable:
		return ErrServiceUnavailable
	case ReasonSessionExpired:
		return ErrSessionExpired
	default:
		return nil
	}
}

// AttemptStatus is the derived lockout view for one identity.
type AttemptStatus struct {
	Locked   bool
	UnlockAt time.Time
}

// SessionInfo describes a live session token.
type SessionInfo struct {
	TokenID   string
	Identity  Identity
	AccountID string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// AssertionClaims is the verified content of a session assertion.
type AssertionClaims struct {
	TokenID   string
	Identity  Identity
	AccountID string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type MetricID = internalmetrics.MetricID

const (
	MetricLoginStarted        = internalmetrics.MetricLoginStarted
	MetricLoginRejected       = internalmetrics.MetricLoginRejected
	MetricFactorSuccess       = internalmetrics.MetricFactorSuccess
	MetricFactorFailure       = internalmetrics.MetricFactorFailure
	MetricStepMismatch        = internalmetrics.MetricStepMismatch
	MetricIdentityBlocked     = internalmetrics.MetricIdentityBlocked
	MetricVerifierUnavailable = internalmetrics.MetricVerifierUnavailable
	MetricAuthSessionExpired  = internalmetrics.MetricAuthSessionExpired
	MetricSecondFactorSetup   = internalmetrics.MetricSecondFactorSetup
	MetricLoginCompleted      = internalmetrics.MetricLoginCompleted
	MetricAuthSessionReset    = internalmetrics.MetricAuthSessionReset
	MetricSessionRefreshed    = internalmetrics.MetricSessionRefreshed
	MetricSessionInvalidated  = internalmetrics.MetricSessionInvalidated
	MetricSessionTokenExpired = internalmetrics.MetricSessionTokenExpired
	MetricAttemptsCleared     = internalmetrics.MetricAttemptsCleared
	MetricSubmitFactorLatency = internalmetrics.MetricSubmitFactorLatency
)

type Metrics = internalmetrics.Metrics

type MetricsSnapshot = internalmetrics.Snapshot

func NewMetrics(cfg MetricsConfig) *Metrics {
	return internalmetrics.New(internalmetrics.Config{
		Enabled:       cfg.Enabled,
		EnableLatency: cfg.EnableLatencyHistograms,
	})
}

type AuditEvent = internalaudit.Event

type AuditSink = internalaudit.Sink

type NoOpSink = internalaudit.NoOpSink

type ChannelSink = internalaudit.ChannelSink

type JSONWriterSink = internalaudit.JSONWriterSink

func NewChannelSink(buffer int) *ChannelSink {
	return internalaudit.NewChannelSink(buffer)
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return internalaudit.NewJSONWriterSink(w)
}
