package goStepAuth

import (
	"context"
	"fmt"
	"strings"

	"github.com/MrEthical07/goStepAuth/lockout"
)

// AttemptStatus reports whether an identity is currently locked out. It
// never exposes the raw failure count.
func (e *Engine) AttemptStatus(ctx context.Context, subjectKey, accountClass string) (AttemptStatus, error) {
	if !e.ready() {
		return AttemptStatus{}, ErrEngineNotReady
	}
	rec, err := e.attempts.Get(ctx, attemptKey(subjectKey, accountClass))
	if err != nil {
		return AttemptStatus{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if !rec.LockedAt(e.now()) {
		return AttemptStatus{}, nil
	}
	return AttemptStatus{Locked: true, UnlockAt: rec.LockedUntil}, nil
}

// ClearAttempts resets an identity's failure count and lock. It is an
// administrative action and is always audited.
func (e *Engine) ClearAttempts(ctx context.Context, subjectKey, accountClass string) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	key := attemptKey(subjectKey, accountClass)
	if err := e.attempts.RecordSuccess(ctx, key); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	e.metricInc(MetricAttemptsCleared)
	e.emitAudit(ctx, auditEventAttemptsCleared, true, Identity{SubjectKey: key.SubjectKey, AccountClass: key.AccountClass}, "", nil, nil)
	return nil
}

func attemptKey(subjectKey, accountClass string) lockout.Key {
	return lockout.Key{
		SubjectKey:   lockout.NormalizeSubject(subjectKey),
		AccountClass: strings.TrimSpace(accountClass),
	}
}
