package goStepAuth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/goStepAuth/internal/flows"
	"github.com/MrEthical07/goStepAuth/session"
)

func (e *Engine) issueSession(ctx context.Context, rec *flows.AuthSessionRecord, now time.Time) (*flows.IssuedSession, error) {
	issued, err := e.issuer.Issue(ctx, rec.Identity.SubjectKey, rec.Identity.AccountClass, rec.AccountID, now)
	if err != nil {
		return nil, err
	}
	out := &flows.IssuedSession{
		Opaque:    issued.Opaque,
		TokenID:   issued.Token.ID,
		IssuedAt:  issued.Token.IssuedAt,
		ExpiresAt: issued.Token.ExpiresAt,
	}
	if e.assertions != nil {
		out.Assertion, out.AssertionExpiresAt, err = e.assertions.Create(
			issued.Token.ID,
			rec.Identity.SubjectKey,
			rec.Identity.AccountClass,
			rec.AccountID,
			now,
			issued.Token.ExpiresAt,
		)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// RefreshSession extends the token's expiry to now+IdleTimeout, never past
// the configured maximum lifetime. Concurrent refreshes are safe. Unknown,
// expired or malformed tokens return ErrSessionExpired.
func (e *Engine) RefreshSession(ctx context.Context, opaque string) (*SessionToken, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	now := e.now()

	t, err := e.issuer.Refresh(ctx, opaque, now)
	if err != nil {
		return nil, e.sessionError(err)
	}

	out := &SessionToken{
		Opaque:    opaque,
		TokenID:   t.ID,
		IssuedAt:  t.IssuedAt,
		ExpiresAt: t.ExpiresAt,
	}
	if e.assertions != nil {
		out.AccessToken, out.AccessTokenExpiresAt, err = e.assertions.Create(t.ID, t.SubjectKey, t.AccountClass, t.AccountID, now, t.ExpiresAt)
		if err != nil {
			return nil, err
		}
	}

	e.metricInc(MetricSessionRefreshed)
	e.emitAudit(ctx, auditEventSessionRefreshed, true, Identity{SubjectKey: t.SubjectKey, AccountClass: t.AccountClass}, "", nil, func() map[string]string {
		return map[string]string{"token_id": t.ID}
	})
	return out, nil
}

// ValidateSession checks a token without extending it.
func (e *Engine) ValidateSession(ctx context.Context, opaque string) (*SessionInfo, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	t, err := e.issuer.Validate(ctx, opaque, e.now())
	if err != nil {
		return nil, e.sessionError(err)
	}
	return &SessionInfo{
		TokenID:   t.ID,
		Identity:  Identity{SubjectKey: t.SubjectKey, AccountClass: t.AccountClass},
		AccountID: t.AccountID,
		IssuedAt:  t.IssuedAt,
		ExpiresAt: t.ExpiresAt,
	}, nil
}

// InvalidateSession deletes the token immediately. Unknown and malformed
// tokens are not an error.
func (e *Engine) InvalidateSession(ctx context.Context, opaque string) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	err := e.issuer.Invalidate(ctx, opaque)
	if errors.Is(err, session.ErrTokenMalformed) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	e.metricInc(MetricSessionInvalidated)
	e.emitAudit(ctx, auditEventSessionInvalidated, true, Identity{}, "", nil, nil)
	return nil
}

// VerifyAssertion checks a signed assertion issued alongside a session
// token. It does not consult Redis; pair it with ValidateSession when
// revocation must be observed immediately.
func (e *Engine) VerifyAssertion(assertion string) (*AssertionClaims, error) {
	if e == nil || e.assertions == nil {
		return nil, ErrAssertionDisabled
	}
	c, err := e.assertions.Parse(assertion, e.now())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAssertionInvalid, err)
	}
	out := &AssertionClaims{
		TokenID:   c.SID,
		Identity:  Identity{SubjectKey: c.Subject, AccountClass: c.AccountClass},
		AccountID: c.AccountID,
	}
	if c.IssuedAt != nil {
		out.IssuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		out.ExpiresAt = c.ExpiresAt.Time
	}
	return out, nil
}

func (e *Engine) sessionError(err error) error {
	switch {
	case errors.Is(err, session.ErrTokenMalformed),
		errors.Is(err, session.ErrTokenNotFound),
		errors.Is(err, session.ErrTokenExpired):
		e.metricInc(MetricSessionTokenExpired)
		return ErrSessionExpired
	default:
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
}
