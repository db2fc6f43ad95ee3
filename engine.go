package goStepAuth

import (
	"log/slog"
	"time"

	internalaudit "github.com/MrEthical07/goStepAuth/internal/audit"
	"github.com/MrEthical07/goStepAuth/internal/stores"
	"github.com/MrEthical07/goStepAuth/jwt"
	"github.com/MrEthical07/goStepAuth/lockout"
	"github.com/MrEthical07/goStepAuth/session"
)

// Engine is the login orchestrator. Build one with New().Build().
type Engine struct {
	config       Config
	authSessions *stores.AuthSessionStore
	attempts     lockout.Store
	issuer       *session.Issuer
	assertions   *jwt.Manager
	identity     IdentityVerifier
	enroller     SecondFactorEnroller
	policy       StepPolicyProvider
	verifier     SecondFactorVerifier
	audit        *internalaudit.Dispatcher
	metrics      *Metrics
	logger       *slog.Logger
	now          func() time.Time
}

// Close flushes pending audit events. The Redis client is not closed.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.audit.Close()
}

// AuditDropped returns how many audit events were dropped because the
// dispatcher buffer was full.
func (e *Engine) AuditDropped() uint64 {
	if e == nil {
		return 0
	}
	return e.audit.Dropped()
}

func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

// Config returns a copy of the active configuration.
func (e *Engine) Config() Config {
	return cloneConfig(e.config)
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) ready() bool {
	return e != nil && e.authSessions != nil && e.attempts != nil && e.issuer != nil
}
