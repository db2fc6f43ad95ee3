package internaldefs

import (
	goStepAuth "github.com/MrEthical07/goStepAuth"
)

// CounterDef maps a counter slot to its exported name.
type CounterDef struct {
	ID   goStepAuth.MetricID
	Name string
	Help string
}

// HistogramDef maps a histogram slot to its exported name.
type HistogramDef struct {
	ID   goStepAuth.MetricID
	Name string
	Help string
}

// CounterDefs lists every exported counter in a stable order.
var CounterDefs = []CounterDef{
	{ID: goStepAuth.MetricLoginStarted, Name: "stepauth_login_started_total", Help: "Login attempts that created an auth session."},
	{ID: goStepAuth.MetricLoginRejected, Name: "stepauth_login_rejected_total", Help: "Login attempts rejected at identity resolution."},
	{ID: goStepAuth.MetricFactorSuccess, Name: "stepauth_factor_success_total", Help: "Factors verified successfully."},
	{ID: goStepAuth.MetricFactorFailure, Name: "stepauth_factor_failure_total", Help: "Factors that failed verification."},
	{ID: goStepAuth.MetricStepMismatch, Name: "stepauth_step_mismatch_total", Help: "Submissions for a step other than the current one."},
	{ID: goStepAuth.MetricIdentityBlocked, Name: "stepauth_identity_blocked_total", Help: "Requests refused because the identity is locked out."},
	{ID: goStepAuth.MetricVerifierUnavailable, Name: "stepauth_verifier_unavailable_total", Help: "Requests that could not reach an external collaborator."},
	{ID: goStepAuth.MetricAuthSessionExpired, Name: "stepauth_auth_session_expired_total", Help: "Submissions against an expired or unknown auth session."},
	{ID: goStepAuth.MetricSecondFactorSetup, Name: "stepauth_second_factor_setup_total", Help: "Completed second factor enrollments."},
	{ID: goStepAuth.MetricLoginCompleted, Name: "stepauth_login_completed_total", Help: "Flows that issued a session token."},
	{ID: goStepAuth.MetricAuthSessionReset, Name: "stepauth_auth_session_reset_total", Help: "Auth sessions restarted by reset."},
	{ID: goStepAuth.MetricSessionRefreshed, Name: "stepauth_session_refreshed_total", Help: "Session tokens whose idle expiry was extended."},
	{ID: goStepAuth.MetricSessionInvalidated, Name: "stepauth_session_invalidated_total", Help: "Session tokens invalidated by logout."},
	{ID: goStepAuth.MetricSessionTokenExpired, Name: "stepauth_session_token_expired_total", Help: "Session tokens presented after expiry."},
	{ID: goStepAuth.MetricAttemptsCleared, Name: "stepauth_attempts_cleared_total", Help: "Administrative attempt record resets."},
}

// HistogramDefs lists every exported histogram.
var HistogramDefs = []HistogramDef{
	{ID: goStepAuth.MetricSubmitFactorLatency, Name: "stepauth_submit_factor_latency_seconds", Help: "SubmitFactor latency histogram."},
}

// HistogramBounds are the upper bounds, in seconds, of the eight buckets.
var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

// HistogramBoundSuffix names each bucket for exporters that cannot carry labels.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets pads or truncates raw to eight buckets.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets converts per-bucket counts into running totals.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
