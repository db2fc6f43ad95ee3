package flows

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/goStepAuth/lockout"
)

// AuthIdentity is the lookup key for one login.
type AuthIdentity struct {
	SubjectKey   string
	AccountClass string
}

func (i AuthIdentity) key() lockout.Key {
	return lockout.Key{SubjectKey: i.SubjectKey, AccountClass: i.AccountClass}
}

// AuthAccount is the flow-local resolved account.
type AuthAccount struct {
	ID                     string
	Contact                string
	SecondFactorConfigured bool
	Active                 bool
}

// FactorVerdict is what a code verifier reports.
type FactorVerdict uint8

const (
	FactorSuccess FactorVerdict = iota + 1
	FactorFailure
	FactorUnavailable
)

// AuthStatus is the top-level outcome class of an orchestrator call.
type AuthStatus uint8

const (
	StatusInProgress AuthStatus = iota + 1
	StatusCompleted
	StatusBlocked
	StatusRejected
	StatusUnavailable
)

// AuthReason explains a non-success status.
type AuthReason uint8

const (
	ReasonNone AuthReason = iota
	ReasonInvalidIdentity
	ReasonInvalidCode
	ReasonStepMismatch
	ReasonAttemptsExceeded
	ReasonServiceUnavailable
	ReasonSessionExpired
)

// AuthSessionRecord is the flow-local AuthSession.
type AuthSessionRecord struct {
	Handle                 string
	Identity               AuthIdentity
	AccountID              string
	Contact                string
	SecondFactorConfigured bool
	State                  State
	CreatedAt              time.Time
	ExpiresAt              time.Time
}

// IssuedSession is the token minted on completion.
type IssuedSession struct {
	Opaque             string
	TokenID            string
	IssuedAt           time.Time
	ExpiresAt          time.Time
	Assertion          string
	AssertionExpiresAt time.Time
}

// AuthOutcome is returned by every Run* function in this file.
//
// AttemptsRemaining is the lesser of the session's step budget and the
// failures the identity can still take before it locks.
type AuthOutcome struct {
	Status            AuthStatus
	Reason            AuthReason
	Session           *AuthSessionRecord
	Issued            *IssuedSession
	UnlockAt          time.Time
	AttemptsRemaining uint32
}

// AuthMetrics carries metric IDs used by the auth flows.
type AuthMetrics struct {
	LoginStarted        int
	LoginRejected       int
	FactorSuccess       int
	FactorFailure       int
	StepMismatch        int
	Blocked             int
	VerifierUnavailable int
	SessionExpired      int
	SecondFactorSetup   int
	Completed           int
	Reset               int
}

// AuthEvents carries audit event names used by the auth flows.
type AuthEvents struct {
	LoginStarted         string
	LoginRejected        string
	FactorSuccess        string
	FactorFailure        string
	IdentityBlocked      string
	SecondFactorEnrolled string
	LoginCompleted       string
	SessionReset         string
	VerifierUnavailable  string
}

// AuthErrors carries host-level sentinel errors.
type AuthErrors struct {
	EngineNotReady     error
	StorageUnavailable error
	SessionNotFound    error
	SessionBusy        error
}

// AuthDeps captures everything the auth flows touch.
type AuthDeps struct {
	SessionTTL time.Duration

	Now        func() time.Time
	NewHandle  func() (string, error)
	ValidClass func(string) bool

	Resolve       func(context.Context, AuthIdentity) (AuthAccount, error)
	IsNotFound    func(error) bool
	RequiredSteps func(context.Context, AuthIdentity, bool) ([]StepKind, uint32, error)
	Verify        func(context.Context, StepKind, string, string) (FactorVerdict, error)
	Enroll        func(context.Context, string, []byte) error

	Attempts lockout.Store
	Lockout  lockout.Policy

	LockSession   func(context.Context, string) (func(context.Context), error)
	LoadSession   func(context.Context, string, time.Time) (*AuthSessionRecord, error)
	SaveSession   func(context.Context, *AuthSessionRecord) error
	DeleteSession func(context.Context, string) error

	Issue func(context.Context, *AuthSessionRecord, time.Time) (*IssuedSession, error)

	MetricInc func(int)
	EmitAudit func(context.Context, string, bool, AuthIdentity, string, error, func() map[string]string)
	Warn      func(string, ...any)

	Metrics AuthMetrics
	Events  AuthEvents
	Errors  AuthErrors
}

func normalizeAuthDeps(deps *AuthDeps) error {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.MetricInc == nil {
		deps.MetricInc = func(int) {}
	}
	if deps.EmitAudit == nil {
		deps.EmitAudit = func(context.Context, string, bool, AuthIdentity, string, error, func() map[string]string) {}
	}
	if deps.Warn == nil {
		deps.Warn = func(string, ...any) {}
	}
	if deps.IsNotFound == nil {
		deps.IsNotFound = func(error) bool { return false }
	}
	if deps.ValidClass == nil {
		deps.ValidClass = func(string) bool { return true }
	}
	if deps.NewHandle == nil ||
		deps.Resolve == nil ||
		deps.RequiredSteps == nil ||
		deps.Verify == nil ||
		deps.Attempts == nil ||
		deps.LockSession == nil ||
		deps.LoadSession == nil ||
		deps.SaveSession == nil ||
		deps.DeleteSession == nil ||
		deps.Issue == nil {
		return deps.Errors.EngineNotReady
	}
	return nil
}

// RunLogin resolves the identity and performs the EMAIL step. On success
// it returns a new session positioned at the first step after EMAIL, or a
// completed session when EMAIL was the only required step.
func RunLogin(ctx context.Context, ident AuthIdentity, deps AuthDeps) (*AuthOutcome, error) {
	if err := normalizeAuthDeps(&deps); err != nil {
		return nil, err
	}
	deps.MetricInc(deps.Metrics.LoginStarted)

	if ident.SubjectKey == "" || !deps.ValidClass(ident.AccountClass) {
		deps.MetricInc(deps.Metrics.LoginRejected)
		deps.EmitAudit(ctx, deps.Events.LoginRejected, false, ident, "", nil, func() map[string]string {
			return map[string]string{"reason": "malformed_identity"}
		})
		return &AuthOutcome{Status: StatusRejected, Reason: ReasonInvalidIdentity}, nil
	}

	return runIdentityStep(ctx, nil, ident, deps)
}

// runIdentityStep is the EMAIL step. existing is nil for a fresh login and
// the session produced by a reset otherwise.
func runIdentityStep(ctx context.Context, existing *AuthSessionRecord, ident AuthIdentity, deps AuthDeps) (*AuthOutcome, error) {
	now := deps.Now()
	key := ident.key()

	res, err := deps.Attempts.CheckAndReserve(ctx, key, now)
	if err != nil {
		return reservationError(ctx, err, ident, deps)
	}
	defer releaseReservation(ctx, res, deps)

	decision := res.Decision()
	if !decision.Allowed {
		return blockIdentity(ctx, existing, ident, decision.UnlockAt, deps)
	}

	acct, err := deps.Resolve(ctx, ident)
	if err != nil && !deps.IsNotFound(err) {
		return unavailable(ctx, ident, "identity", err, deps), nil
	}
	if err != nil || !acct.Active {
		rec, err := deps.Attempts.RecordFailure(ctx, key, now, false)
		if err != nil {
			return nil, storageError(err, deps)
		}
		if rec.LockedAt(now) {
			return blockIdentity(ctx, existing, ident, rec.LockedUntil, deps)
		}
		deps.MetricInc(deps.Metrics.LoginRejected)
		deps.EmitAudit(ctx, deps.Events.LoginRejected, false, ident, handleOf(existing), nil, nil)
		out := &AuthOutcome{Status: StatusRejected, Reason: ReasonInvalidIdentity, Session: existing}
		if existing != nil {
			out.AttemptsRemaining = attemptsRemaining(existing.State, rec.FailureCount, deps)
		}
		return out, nil
	}

	firstTime := !acct.SecondFactorConfigured
	policySteps, maxAttempts, err := deps.RequiredSteps(ctx, ident, firstTime)
	if err != nil {
		return unavailable(ctx, ident, "policy", err, deps), nil
	}

	state := NewState(PlanSteps(policySteps, firstTime, acct.SecondFactorConfigured), maxAttempts, firstTime)
	state = Advance(state, Outcome{Kind: OutcomeSuccess})

	sess := &AuthSessionRecord{
		Identity:               ident,
		AccountID:              acct.ID,
		Contact:                acct.Contact,
		SecondFactorConfigured: acct.SecondFactorConfigured,
		State:                  state,
		CreatedAt:              now,
		ExpiresAt:              now.Add(deps.SessionTTL),
	}
	if existing != nil {
		sess.Handle = existing.Handle
		sess.CreatedAt = existing.CreatedAt
	} else {
		handle, err := deps.NewHandle()
		if err != nil {
			return nil, err
		}
		sess.Handle = handle
	}

	deps.MetricInc(deps.Metrics.FactorSuccess)
	deps.EmitAudit(ctx, deps.Events.LoginStarted, true, ident, sess.Handle, nil, func() map[string]string {
		return map[string]string{"step": StepEmail.String(), "next": state.Current().String()}
	})

	if state.Current() == StepCompleted {
		return completeSession(ctx, sess, now, deps)
	}
	if err := deps.SaveSession(ctx, sess); err != nil {
		return nil, storageError(err, deps)
	}
	return &AuthOutcome{
		Status:            StatusInProgress,
		Session:           sess,
		AttemptsRemaining: attemptsRemaining(state, decision.FailureCount, deps),
	}, nil
}

// RunSubmitFactor verifies one code against the session's current step.
func RunSubmitFactor(ctx context.Context, handle string, step StepKind, code string, deps AuthDeps) (*AuthOutcome, error) {
	if err := normalizeAuthDeps(&deps); err != nil {
		return nil, err
	}

	return withSession(ctx, handle, deps, func(sess *AuthSessionRecord, now time.Time) (*AuthOutcome, error) {
		current := sess.State.Current()
		if step != current || step == StepSecondFactorSetup {
			deps.MetricInc(deps.Metrics.StepMismatch)
			return storedBudget(ctx, &AuthOutcome{Status: StatusRejected, Reason: ReasonStepMismatch, Session: sess}, deps), nil
		}
		if step == StepEmail {
			return runIdentityStep(ctx, sess, AuthIdentity{SubjectKey: code, AccountClass: sess.Identity.AccountClass}, deps)
		}

		key := sess.Identity.key()
		res, err := deps.Attempts.CheckAndReserve(ctx, key, now)
		if err != nil {
			return reservationError(ctx, err, sess.Identity, deps)
		}
		defer releaseReservation(ctx, res, deps)

		decision := res.Decision()
		if !decision.Allowed {
			return blockIdentity(ctx, sess, sess.Identity, decision.UnlockAt, deps)
		}

		verdict, err := deps.Verify(ctx, step, sess.AccountID, code)
		if err != nil || verdict == FactorUnavailable {
			return unavailable(ctx, sess.Identity, step.String(), err, deps), nil
		}

		if verdict != FactorSuccess {
			return recordFactorFailure(ctx, sess, step, now, deps)
		}

		sess.State = Advance(sess.State, Outcome{Kind: OutcomeSuccess})
		deps.MetricInc(deps.Metrics.FactorSuccess)
		deps.EmitAudit(ctx, deps.Events.FactorSuccess, true, sess.Identity, sess.Handle, nil, func() map[string]string {
			return map[string]string{"step": step.String(), "next": sess.State.Current().String()}
		})

		if sess.State.Current() == StepCompleted {
			return completeSession(ctx, sess, now, deps)
		}
		sess.ExpiresAt = now.Add(deps.SessionTTL)
		if err := deps.SaveSession(ctx, sess); err != nil {
			return nil, storageError(err, deps)
		}
		return &AuthOutcome{
			Status:            StatusInProgress,
			Session:           sess,
			AttemptsRemaining: attemptsRemaining(sess.State, decision.FailureCount, deps),
		}, nil
	})
}

func recordFactorFailure(ctx context.Context, sess *AuthSessionRecord, step StepKind, now time.Time, deps AuthDeps) (*AuthOutcome, error) {
	exhausted := sess.State.Exhausts()
	rec, err := deps.Attempts.RecordFailure(ctx, sess.Identity.key(), now, exhausted)
	if err != nil {
		return nil, storageError(err, deps)
	}

	outcome := Outcome{Kind: OutcomeFailure}
	if rec.LockedAt(now) {
		outcome.UnlockAt = rec.LockedUntil
		if !exhausted {
			outcome.Kind = OutcomeLockedOut
		}
	}
	sess.State = Advance(sess.State, outcome)

	deps.MetricInc(deps.Metrics.FactorFailure)
	deps.EmitAudit(ctx, deps.Events.FactorFailure, false, sess.Identity, sess.Handle, nil, func() map[string]string {
		return map[string]string{"step": step.String()}
	})

	if sess.State.Current() == StepBlocked {
		return blockIdentity(ctx, sess, sess.Identity, sess.State.UnlockAt, deps)
	}
	if err := deps.SaveSession(ctx, sess); err != nil {
		return nil, storageError(err, deps)
	}
	return &AuthOutcome{
		Status:            StatusRejected,
		Reason:            ReasonInvalidCode,
		Session:           sess,
		AttemptsRemaining: attemptsRemaining(sess.State, rec.FailureCount, deps),
	}, nil
}

// RunCompleteSecondFactorSetup persists a new second-factor secret and
// finishes the login. Only valid at SECOND_FACTOR_SETUP.
func RunCompleteSecondFactorSetup(ctx context.Context, handle string, secret []byte, deps AuthDeps) (*AuthOutcome, error) {
	if err := normalizeAuthDeps(&deps); err != nil {
		return nil, err
	}
	if deps.Enroll == nil {
		return nil, deps.Errors.EngineNotReady
	}

	return withSession(ctx, handle, deps, func(sess *AuthSessionRecord, now time.Time) (*AuthOutcome, error) {
		if sess.State.Current() != StepSecondFactorSetup {
			deps.MetricInc(deps.Metrics.StepMismatch)
			return storedBudget(ctx, &AuthOutcome{Status: StatusRejected, Reason: ReasonStepMismatch, Session: sess}, deps), nil
		}
		if len(secret) == 0 {
			return storedBudget(ctx, &AuthOutcome{Status: StatusRejected, Reason: ReasonInvalidCode, Session: sess}, deps), nil
		}

		res, err := deps.Attempts.CheckAndReserve(ctx, sess.Identity.key(), now)
		if err != nil {
			return reservationError(ctx, err, sess.Identity, deps)
		}
		defer releaseReservation(ctx, res, deps)

		decision := res.Decision()
		if !decision.Allowed {
			return blockIdentity(ctx, sess, sess.Identity, decision.UnlockAt, deps)
		}

		if err := deps.Enroll(ctx, sess.AccountID, secret); err != nil {
			return unavailable(ctx, sess.Identity, StepSecondFactorSetup.String(), err, deps), nil
		}

		sess.SecondFactorConfigured = true
		sess.State = Advance(sess.State, Outcome{Kind: OutcomeSuccess})
		deps.MetricInc(deps.Metrics.SecondFactorSetup)
		deps.EmitAudit(ctx, deps.Events.SecondFactorEnrolled, true, sess.Identity, sess.Handle, nil, nil)

		if sess.State.Current() == StepCompleted {
			return completeSession(ctx, sess, now, deps)
		}
		sess.ExpiresAt = now.Add(deps.SessionTTL)
		if err := deps.SaveSession(ctx, sess); err != nil {
			return nil, storageError(err, deps)
		}
		return &AuthOutcome{
			Status:            StatusInProgress,
			Session:           sess,
			AttemptsRemaining: attemptsRemaining(sess.State, decision.FailureCount, deps),
		}, nil
	})
}

// RunReset discards the session and returns a fresh EMAIL-state one under
// a new handle. The attempt record is not touched.
func RunReset(ctx context.Context, handle string, deps AuthDeps) (*AuthOutcome, error) {
	if err := normalizeAuthDeps(&deps); err != nil {
		return nil, err
	}
	now := deps.Now()

	release, err := deps.LockSession(ctx, handle)
	if err != nil {
		return sessionLockError(ctx, err, deps)
	}
	defer release(context.WithoutCancel(ctx))

	sess, err := deps.LoadSession(ctx, handle, now)
	if err != nil {
		return sessionLoadError(err, deps)
	}

	newHandle, err := deps.NewHandle()
	if err != nil {
		return nil, err
	}
	fresh := *sess
	fresh.Handle = newHandle
	fresh.State = Reset(sess.State)
	fresh.CreatedAt = now
	fresh.ExpiresAt = now.Add(deps.SessionTTL)

	if err := deps.SaveSession(ctx, &fresh); err != nil {
		return nil, storageError(err, deps)
	}
	if err := deps.DeleteSession(ctx, handle); err != nil {
		return nil, storageError(err, deps)
	}

	deps.MetricInc(deps.Metrics.Reset)
	deps.EmitAudit(ctx, deps.Events.SessionReset, true, fresh.Identity, fresh.Handle, nil, func() map[string]string {
		return map[string]string{"previous": handle}
	})
	return storedBudget(ctx, &AuthOutcome{Status: StatusInProgress, Session: &fresh}, deps), nil
}

// withSession serializes on the handle, loads the record and resolves
// terminal states before handing off to fn.
func withSession(
	ctx context.Context,
	handle string,
	deps AuthDeps,
	fn func(*AuthSessionRecord, time.Time) (*AuthOutcome, error),
) (*AuthOutcome, error) {
	release, err := deps.LockSession(ctx, handle)
	if err != nil {
		return sessionLockError(ctx, err, deps)
	}
	defer release(context.WithoutCancel(ctx))

	now := deps.Now()
	sess, err := deps.LoadSession(ctx, handle, now)
	if err != nil {
		return sessionLoadError(err, deps)
	}

	switch sess.State.Current() {
	case StepBlocked:
		if now.Before(sess.State.UnlockAt) {
			deps.MetricInc(deps.Metrics.Blocked)
			return &AuthOutcome{Status: StatusBlocked, Reason: ReasonAttemptsExceeded, Session: sess, UnlockAt: sess.State.UnlockAt}, nil
		}
		if err := deps.DeleteSession(ctx, handle); err != nil {
			return nil, storageError(err, deps)
		}
		deps.MetricInc(deps.Metrics.SessionExpired)
		return &AuthOutcome{Status: StatusRejected, Reason: ReasonSessionExpired}, nil
	case StepCompleted:
		deps.MetricInc(deps.Metrics.SessionExpired)
		return &AuthOutcome{Status: StatusRejected, Reason: ReasonSessionExpired}, nil
	}

	return fn(sess, now)
}

func completeSession(ctx context.Context, sess *AuthSessionRecord, now time.Time, deps AuthDeps) (*AuthOutcome, error) {
	if err := deps.Attempts.RecordSuccess(ctx, sess.Identity.key()); err != nil {
		return nil, storageError(err, deps)
	}
	issued, err := deps.Issue(ctx, sess, now)
	if err != nil {
		return nil, storageError(err, deps)
	}
	if sess.Handle != "" {
		if err := deps.DeleteSession(ctx, sess.Handle); err != nil {
			deps.Warn("auth session cleanup failed", "handle", sess.Handle, "err", err)
		}
	}

	deps.MetricInc(deps.Metrics.Completed)
	deps.EmitAudit(ctx, deps.Events.LoginCompleted, true, sess.Identity, sess.Handle, nil, func() map[string]string {
		return map[string]string{"token_id": issued.TokenID}
	})
	return &AuthOutcome{Status: StatusCompleted, Session: sess, Issued: issued, AttemptsRemaining: sess.State.AttemptsRemaining()}, nil
}

// blockIdentity moves an existing session to BLOCKED and persists it so
// a later submit reports the same unlock time.
func blockIdentity(ctx context.Context, sess *AuthSessionRecord, ident AuthIdentity, unlockAt time.Time, deps AuthDeps) (*AuthOutcome, error) {
	if sess != nil {
		if sess.State.Current() != StepBlocked {
			sess.State = Advance(sess.State, Outcome{Kind: OutcomeLockedOut, UnlockAt: unlockAt})
		}
		if err := deps.SaveSession(ctx, sess); err != nil {
			return nil, storageError(err, deps)
		}
	}

	deps.MetricInc(deps.Metrics.Blocked)
	deps.EmitAudit(ctx, deps.Events.IdentityBlocked, false, ident, handleOf(sess), nil, func() map[string]string {
		return map[string]string{"unlock_at": unlockAt.UTC().Format(time.RFC3339)}
	})
	return &AuthOutcome{Status: StatusBlocked, Reason: ReasonAttemptsExceeded, Session: sess, UnlockAt: unlockAt}, nil
}

// attemptsRemaining caps the step budget by what the attempt record still
// allows. A zero Threshold leaves the step budget alone.
func attemptsRemaining(state State, failures uint32, deps AuthDeps) uint32 {
	n := state.AttemptsRemaining()
	if deps.Lockout.Threshold == 0 {
		return n
	}
	return min(n, deps.Lockout.FailuresBeforeLock(failures))
}

// storedBudget fills AttemptsRemaining from a read of the attempt record
// for paths that hold no reservation. A failed read falls back to the
// step budget.
func storedBudget(ctx context.Context, out *AuthOutcome, deps AuthDeps) *AuthOutcome {
	state := out.Session.State
	rec, err := deps.Attempts.Get(ctx, out.Session.Identity.key())
	if err != nil {
		deps.Warn("attempt record read failed", "err", err)
		out.AttemptsRemaining = state.AttemptsRemaining()
		return out
	}
	out.AttemptsRemaining = attemptsRemaining(state, rec.FailureCount, deps)
	return out
}

func unavailable(ctx context.Context, ident AuthIdentity, component string, err error, deps AuthDeps) *AuthOutcome {
	deps.MetricInc(deps.Metrics.VerifierUnavailable)
	deps.EmitAudit(ctx, deps.Events.VerifierUnavailable, false, ident, "", err, func() map[string]string {
		return map[string]string{"component": component}
	})
	return &AuthOutcome{Status: StatusUnavailable, Reason: ReasonServiceUnavailable}
}

func reservationError(ctx context.Context, err error, ident AuthIdentity, deps AuthDeps) (*AuthOutcome, error) {
	if errors.Is(err, lockout.ErrReservationBusy) {
		return unavailable(ctx, ident, "reservation", err, deps), nil
	}
	return nil, storageError(err, deps)
}

func releaseReservation(ctx context.Context, res lockout.Reservation, deps AuthDeps) {
	if err := res.Release(context.WithoutCancel(ctx)); err != nil {
		deps.Warn("attempt reservation release failed", "err", err)
	}
}

func sessionLockError(ctx context.Context, err error, deps AuthDeps) (*AuthOutcome, error) {
	if deps.Errors.SessionBusy != nil && errors.Is(err, deps.Errors.SessionBusy) {
		return unavailable(ctx, AuthIdentity{}, "session_lock", err, deps), nil
	}
	return nil, storageError(err, deps)
}

func sessionLoadError(err error, deps AuthDeps) (*AuthOutcome, error) {
	if deps.Errors.SessionNotFound != nil && errors.Is(err, deps.Errors.SessionNotFound) {
		deps.MetricInc(deps.Metrics.SessionExpired)
		return &AuthOutcome{Status: StatusRejected, Reason: ReasonSessionExpired}, nil
	}
	return nil, storageError(err, deps)
}

func storageError(err error, deps AuthDeps) error {
	if deps.Errors.StorageUnavailable == nil || errors.Is(err, deps.Errors.StorageUnavailable) {
		return err
	}
	return errors.Join(deps.Errors.StorageUnavailable, err)
}

func handleOf(sess *AuthSessionRecord) string {
	if sess == nil {
		return ""
	}
	return sess.Handle
}
