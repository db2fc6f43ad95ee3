package goStepAuth

import (
	"errors"
	"log/slog"
	"time"

	internalaudit "github.com/MrEthical07/goStepAuth/internal/audit"
	"github.com/MrEthical07/goStepAuth/internal/limiters"
	"github.com/MrEthical07/goStepAuth/internal/stores"
	"github.com/MrEthical07/goStepAuth/jwt"
	"github.com/MrEthical07/goStepAuth/lockout"
	"github.com/MrEthical07/goStepAuth/session"
	"github.com/redis/go-redis/v9"
)

// Builder assembles an Engine. A Builder can be built once.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	identity IdentityVerifier
	enroller SecondFactorEnroller
	policy   StepPolicyProvider
	verifier SecondFactorVerifier
	attempts lockout.Store

	auditSink AuditSink
	logger    *slog.Logger
	clock     func() time.Time

	built bool
}

// New returns a Builder seeded with DefaultConfig.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the client backing auth sessions, session tokens and, unless
// WithAttemptStore overrides it, attempt records.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

func (b *Builder) WithIdentityVerifier(v IdentityVerifier) *Builder {
	b.identity = v
	return b
}

// WithSecondFactorEnroller sets where CompleteSecondFactorSetup stores new
// secrets. When unset, the IdentityVerifier is used if it implements
// SecondFactorEnroller.
func (b *Builder) WithSecondFactorEnroller(en SecondFactorEnroller) *Builder {
	b.enroller = en
	return b
}

func (b *Builder) WithStepPolicy(p StepPolicyProvider) *Builder {
	b.policy = p
	return b
}

func (b *Builder) WithSecondFactorVerifier(v SecondFactorVerifier) *Builder {
	b.verifier = v
	return b
}

// WithAttemptStore replaces the Redis attempt store, for example with
// lockout/sqlitestore. The store must apply the same lockout table as
// Config.Lockout.
func (b *Builder) WithAttemptStore(s lockout.Store) *Builder {
	b.attempts = s
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

func (b *Builder) WithLogger(l *slog.Logger) *Builder {
	b.logger = l
	return b
}

// WithClock overrides time.Now. Lockout and expiry decisions all read it.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.clock = now
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and wires the engine.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if b.identity == nil {
		return nil, errors.New("identity verifier required")
	}
	if b.policy == nil {
		return nil, errors.New("step policy provider required")
	}
	if b.verifier == nil {
		return nil, errors.New("second factor verifier required")
	}

	engine := &Engine{
		config:   cfg,
		identity: b.identity,
		policy:   b.policy,
		verifier: b.verifier,
		enroller: b.enroller,
		logger:   b.logger,
		now:      b.clock,
	}
	if engine.enroller == nil {
		engine.enroller, _ = b.identity.(SecondFactorEnroller)
	}
	if engine.logger == nil {
		engine.logger = slog.Default()
	}
	if engine.now == nil {
		engine.now = time.Now
	}

	// -------- ATTEMPT STORE --------
	engine.attempts = b.attempts
	if engine.attempts == nil {
		engine.attempts = limiters.NewAttemptStore(b.redis, limiters.AttemptConfig{
			Prefix:          cfg.Attempts.RedisPrefix,
			Policy:          cfg.Lockout.policy(),
			ReservationTTL:  cfg.Attempts.ReservationTTL,
			ReservationWait: cfg.Attempts.ReservationWait,
		})
	}

	// -------- AUTH SESSIONS --------
	engine.authSessions = stores.NewAuthSessionStore(
		b.redis,
		cfg.AuthSession.RedisPrefix,
		cfg.AuthSession.LockTTL,
		cfg.AuthSession.LockWait,
	)

	// -------- SESSION TOKENS --------
	engine.issuer = session.NewIssuer(
		session.NewStore(b.redis, cfg.Token.RedisPrefix),
		session.IssuerConfig{
			IdleTimeout: cfg.Token.IdleTimeout,
			MaxLifetime: cfg.Token.MaxLifetime,
		},
	)

	if cfg.Assertion.Enabled {
		jm, err := jwt.NewManager(jwt.Config{
			TTL:           cfg.Assertion.TTL,
			SigningMethod: jwt.SigningMethod(cfg.Assertion.SigningMethod),
			PrivateKey:    cloneBytes(cfg.Assertion.PrivateKey),
			PublicKey:     cloneBytes(cfg.Assertion.PublicKey),
			Issuer:        cfg.Assertion.Issuer,
			Audience:      cfg.Assertion.Audience,
		})
		if err != nil {
			return nil, err
		}
		engine.assertions = jm
	}

	engine.audit = internalaudit.NewDispatcher(internalaudit.Config{
		Enabled:    cfg.Audit.Enabled,
		BufferSize: cfg.Audit.BufferSize,
		DropIfFull: cfg.Audit.DropIfFull,
	}, b.auditSink)
	engine.metrics = NewMetrics(cfg.Metrics)

	b.built = true
	return engine, nil
}
