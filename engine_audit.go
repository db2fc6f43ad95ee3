package goStepAuth

import (
	"context"
	"errors"

	internalaudit "github.com/MrEthical07/goStepAuth/internal/audit"
	"github.com/MrEthical07/goStepAuth/internal/stores"
	"github.com/MrEthical07/goStepAuth/lockout"
)

const (
	auditEventLoginStarted         = "login_started"
	auditEventLoginRejected        = "login_rejected"
	auditEventFactorSuccess        = "factor_success"
	auditEventFactorFailure        = "factor_failure"
	auditEventIdentityBlocked      = "identity_blocked"
	auditEventSecondFactorEnrolled = "second_factor_enrolled"
	auditEventLoginCompleted       = "login_completed"
	auditEventAuthSessionReset     = "auth_session_reset"
	auditEventVerifierUnavailable  = "verifier_unavailable"
	auditEventSessionRefreshed     = "session_refreshed"
	auditEventSessionInvalidated   = "session_invalidated"
	auditEventAttemptsCleared      = "attempts_cleared"
)

// AuditErrorCode is the stable error label written to audit events.
type AuditErrorCode string

const (
	auditErrStorageUnavailable AuditErrorCode = "storage_unavailable"
	auditErrBusy               AuditErrorCode = "busy"
	auditErrTimeout            AuditErrorCode = "timeout"
	auditErrSessionExpired     AuditErrorCode = "session_expired"
	auditErrNotFound           AuditErrorCode = "identity_not_found"
	auditErrServiceUnavailable AuditErrorCode = "service_unavailable"
)

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	identity Identity,
	handle string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	now := e.now()
	event := AuditEvent{
		ID:           internalaudit.NewEventID(now),
		Timestamp:    now.UTC(),
		EventType:    eventType,
		Subject:      identity.SubjectKey,
		AccountClass: identity.AccountClass,
		Handle:       handle,
		IP:           clientIPFromContext(ctx),
		RequestID:    requestIDFromContext(ctx),
		Success:      success,
		Metadata:     metadata,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}

	e.audit.Emit(ctx, event)
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrStorageUnavailable),
		errors.Is(err, lockout.ErrUnavailable):
		return auditErrStorageUnavailable
	case errors.Is(err, lockout.ErrReservationBusy),
		errors.Is(err, stores.ErrAuthSessionBusy):
		return auditErrBusy
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return auditErrTimeout
	case errors.Is(err, ErrSessionExpired):
		return auditErrSessionExpired
	case errors.Is(err, ErrIdentityNotFound):
		return auditErrNotFound
	default:
		return auditErrServiceUnavailable
	}
}
