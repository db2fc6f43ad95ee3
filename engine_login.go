package goStepAuth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MrEthical07/goStepAuth/internal/flows"
	"github.com/MrEthical07/goStepAuth/internal/stores"
	"github.com/MrEthical07/goStepAuth/lockout"
	"github.com/google/uuid"
)

// Login resolves the identity and performs the EMAIL step.
//
// An identity that does not resolve, or resolves to an inactive account,
// is Rejected with ReasonInvalidIdentity and still counts as a failed
// attempt against the submitted key. A locked identity is Blocked with the
// unlock time. On success the Result carries a handle positioned at the
// first step after EMAIL, or a token when EMAIL was the only step.
func (e *Engine) Login(ctx context.Context, subjectKey, accountClass string) (*Result, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	ident := Identity{
		SubjectKey:   lockout.NormalizeSubject(subjectKey),
		AccountClass: strings.TrimSpace(accountClass),
	}

	out, err := flows.RunLogin(ctx, ident, e.authFlowDeps())
	if err != nil {
		return nil, err
	}
	return e.resultFromOutcome(out), nil
}

// Reset discards the auth session and returns a fresh EMAIL-state one
// under a new handle. Lockout state is untouched: a locked identity stays
// locked.
func (e *Engine) Reset(ctx context.Context, handle string) (*Result, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	out, err := flows.RunReset(ctx, handle, e.authFlowDeps())
	if err != nil {
		return nil, err
	}
	return e.resultFromOutcome(out), nil
}

func (e *Engine) authFlowDeps() flows.AuthDeps {
	return flows.AuthDeps{
		SessionTTL: e.config.AuthSession.TTL,
		Now:        e.now,
		NewHandle:  newHandle,
		ValidClass: e.config.Identity.allows,

		Resolve: func(ctx context.Context, ident flows.AuthIdentity) (flows.AuthAccount, error) {
			return e.identity.Resolve(ctx, ident)
		},
		IsNotFound: func(err error) bool {
			return errors.Is(err, ErrIdentityNotFound)
		},
		RequiredSteps: e.requiredSteps,
		Verify: func(ctx context.Context, step flows.StepKind, accountID, code string) (flows.FactorVerdict, error) {
			return e.verifier.Verify(ctx, step, accountID, code)
		},
		Enroll: e.enrollFunc(),

		Attempts: e.attempts,
		Lockout:  e.config.Lockout.policy(),

		LockSession:   e.authSessions.Lock,
		LoadSession:   e.loadAuthSession,
		SaveSession:   e.saveAuthSession,
		DeleteSession: e.deleteAuthSession,

		Issue: e.issueSession,

		MetricInc: func(id int) {
			e.metricInc(MetricID(id))
		},
		EmitAudit: func(ctx context.Context, event string, success bool, ident flows.AuthIdentity, handle string, err error, meta func() map[string]string) {
			e.emitAudit(ctx, event, success, ident, handle, err, meta)
		},
		Warn: e.logger.Warn,

		Metrics: flows.AuthMetrics{
			LoginStarted:        int(MetricLoginStarted),
			LoginRejected:       int(MetricLoginRejected),
			FactorSuccess:       int(MetricFactorSuccess),
			FactorFailure:       int(MetricFactorFailure),
			StepMismatch:        int(MetricStepMismatch),
			Blocked:             int(MetricIdentityBlocked),
			VerifierUnavailable: int(MetricVerifierUnavailable),
			SessionExpired:      int(MetricAuthSessionExpired),
			SecondFactorSetup:   int(MetricSecondFactorSetup),
			Completed:           int(MetricLoginCompleted),
			Reset:               int(MetricAuthSessionReset),
		},
		Events: flows.AuthEvents{
			LoginStarted:         auditEventLoginStarted,
			LoginRejected:        auditEventLoginRejected,
			FactorSuccess:        auditEventFactorSuccess,
			FactorFailure:        auditEventFactorFailure,
			IdentityBlocked:      auditEventIdentityBlocked,
			SecondFactorEnrolled: auditEventSecondFactorEnrolled,
			LoginCompleted:       auditEventLoginCompleted,
			SessionReset:         auditEventAuthSessionReset,
			VerifierUnavailable:  auditEventVerifierUnavailable,
		},
		Errors: flows.AuthErrors{
			EngineNotReady:     ErrEngineNotReady,
			StorageUnavailable: ErrStorageUnavailable,
			SessionNotFound:    stores.ErrAuthSessionNotFound,
			SessionBusy:        stores.ErrAuthSessionBusy,
		},
	}
}

func newHandle() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// requiredSteps asks the policy provider for the step list. A zero
// attempt budget falls back to the lockout threshold.
func (e *Engine) requiredSteps(ctx context.Context, ident flows.AuthIdentity, firstTime bool) ([]flows.StepKind, uint32, error) {
	p, err := e.policy.RequiredSteps(ctx, ident, firstTime)
	if err != nil {
		return nil, 0, err
	}
	maxAttempts := p.MaxAttemptsPerStep
	if maxAttempts == 0 {
		maxAttempts = e.config.Lockout.Threshold
	}
	return p.Steps, maxAttempts, nil
}

func (e *Engine) enrollFunc() func(context.Context, string, []byte) error {
	if e.enroller == nil {
		return nil
	}
	return e.enroller.EnrollSecondFactor
}

func (e *Engine) loadAuthSession(ctx context.Context, handle string, now time.Time) (*flows.AuthSessionRecord, error) {
	rec, err := e.authSessions.Get(ctx, handle, now)
	if err != nil {
		if errors.Is(err, stores.ErrAuthSessionExpired) {
			return nil, stores.ErrAuthSessionNotFound
		}
		return nil, err
	}
	return fromStoreAuthSession(rec), nil
}

// saveAuthSession keeps a BLOCKED session alive until its unlock time so a
// repeated submit reports the same unlockAt.
func (e *Engine) saveAuthSession(ctx context.Context, rec *flows.AuthSessionRecord) error {
	if rec.State.Current() == flows.StepBlocked && rec.State.UnlockAt.After(rec.ExpiresAt) {
		rec.ExpiresAt = rec.State.UnlockAt
	}
	ttl := rec.ExpiresAt.Sub(e.now())
	if ttl < time.Second {
		ttl = time.Second
	}
	return e.authSessions.Save(ctx, toStoreAuthSession(rec), ttl)
}

func (e *Engine) deleteAuthSession(ctx context.Context, handle string) error {
	_, err := e.authSessions.Delete(ctx, handle)
	return err
}

func toStoreAuthSession(rec *flows.AuthSessionRecord) *stores.AuthSession {
	steps := make([]uint8, len(rec.State.Steps))
	for i, s := range rec.State.Steps {
		steps[i] = uint8(s)
	}
	out := &stores.AuthSession{
		Handle:                 rec.Handle,
		SubjectKey:             rec.Identity.SubjectKey,
		AccountClass:           rec.Identity.AccountClass,
		AccountID:              rec.AccountID,
		Contact:                rec.Contact,
		Steps:                  steps,
		Index:                  rec.State.Index,
		AttemptsThisStep:       rec.State.AttemptsThisStep,
		MaxAttempts:            rec.State.MaxAttempts,
		FirstTime:              rec.State.FirstTime,
		SecondFactorConfigured: rec.SecondFactorConfigured,
		Terminal:               uint8(rec.State.Terminal),
		CreatedAt:              rec.CreatedAt.Unix(),
		ExpiresAt:              ceilUnix(rec.ExpiresAt),
	}
	if !rec.State.UnlockAt.IsZero() {
		out.UnlockAt = rec.State.UnlockAt.UnixMilli()
	}
	return out
}

// ceilUnix rounds up so a stored expiry never falls before the real one.
func ceilUnix(t time.Time) int64 {
	if t.Nanosecond() > 0 {
		return t.Unix() + 1
	}
	return t.Unix()
}

func fromStoreAuthSession(rec *stores.AuthSession) *flows.AuthSessionRecord {
	steps := make([]flows.StepKind, len(rec.Steps))
	for i, s := range rec.Steps {
		steps[i] = flows.StepKind(s)
	}
	out := &flows.AuthSessionRecord{
		Handle: rec.Handle,
		Identity: flows.AuthIdentity{
			SubjectKey:   rec.SubjectKey,
			AccountClass: rec.AccountClass,
		},
		AccountID:              rec.AccountID,
		Contact:                rec.Contact,
		SecondFactorConfigured: rec.SecondFactorConfigured,
		State: flows.State{
			Steps:            steps,
			Index:            rec.Index,
			AttemptsThisStep: rec.AttemptsThisStep,
			MaxAttempts:      rec.MaxAttempts,
			FirstTime:        rec.FirstTime,
			Terminal:         flows.StepKind(rec.Terminal),
		},
		CreatedAt: time.Unix(rec.CreatedAt, 0),
		ExpiresAt: time.Unix(rec.ExpiresAt, 0),
	}
	if rec.UnlockAt > 0 {
		out.State.UnlockAt = time.UnixMilli(rec.UnlockAt)
	}
	return out
}

func (e *Engine) resultFromOutcome(out *flows.AuthOutcome) *Result {
	r := &Result{
		Status:   statusFromFlow(out.Status),
		Reason:   reasonFromFlow(out.Reason),
		UnlockAt: out.UnlockAt,
	}
	if out.Session != nil {
		r.View = &SessionView{
			Step:              out.Session.State.Current(),
			Identity:          out.Session.Identity,
			AttemptsRemaining: out.AttemptsRemaining,
			IsFirstTimeUser:   out.Session.State.FirstTime,
			ExpiresAt:         out.Session.ExpiresAt,
		}
		if out.Issued == nil {
			r.Handle = out.Session.Handle
		}
	}
	if out.Issued != nil {
		r.Token = &SessionToken{
			Opaque:               out.Issued.Opaque,
			TokenID:              out.Issued.TokenID,
			IssuedAt:             out.Issued.IssuedAt,
			ExpiresAt:            out.Issued.ExpiresAt,
			AccessToken:          out.Issued.Assertion,
			AccessTokenExpiresAt: out.Issued.AssertionExpiresAt,
		}
	}
	return r
}

func statusFromFlow(s flows.AuthStatus) Status {
	switch s {
	case flows.StatusInProgress:
		return StatusInProgress
	case flows.StatusCompleted:
		return StatusCompleted
	case flows.StatusBlocked:
		return StatusBlocked
	case flows.StatusRejected:
		return StatusRejected
	default:
		return StatusUnavailable
	}
}

func reasonFromFlow(r flows.AuthReason) Reason {
	switch r {
	case flows.ReasonInvalidIdentity:
		return ReasonInvalidIdentity
	case flows.ReasonInvalidCode:
		return ReasonInvalidCode
	case flows.ReasonStepMismatch:
		return ReasonStepMismatch
	case flows.ReasonAttemptsExceeded:
		return ReasonAttemptsExceeded
	case flows.ReasonServiceUnavailable:
		return ReasonServiceUnavailable
	case flows.ReasonSessionExpired:
		return ReasonSessionExpired
	default:
		return ReasonNone
	}
}
