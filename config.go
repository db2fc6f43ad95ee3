package goStepAuth

import (
	"errors"
	"strings"
	"time"

	"github.com/MrEthical07/goStepAuth/lockout"
)

// Config holds every engine setting. Start from DefaultConfig.
type Config struct {
	Lockout     LockoutConfig     `yaml:"lockout"`
	AuthSession AuthSessionConfig `yaml:"auth_session"`
	Attempts    AttemptsConfig    `yaml:"attempts"`
	Token       TokenConfig       `yaml:"token"`
	Assertion   AssertionConfig   `yaml:"assertion"`
	Identity    IdentityConfig    `yaml:"identity"`
	Audit       AuditConfig       `yaml:"audit"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Security    SecurityConfig    `yaml:"security"`
}

/*
====================================
LOCKOUT CONFIG
====================================
*/

// LockoutConfig is the progressive backoff table. The first lock fires
// at Threshold cumulative failures and uses Durations[0]; each further
// failure moves one entry down, clamping at the last.
type LockoutConfig struct {
	Threshold uint32          `yaml:"threshold"`
	Durations []time.Duration `yaml:"durations"`
}

func (c LockoutConfig) policy() lockout.Policy {
	return lockout.Policy{Threshold: c.Threshold, Durations: c.Durations}.Clone()
}

/*
====================================
AUTH SESSION CONFIG
====================================
*/

// AuthSessionConfig controls the short-lived per-login state.
type AuthSessionConfig struct {
	TTL         time.Duration `yaml:"ttl"`
	RedisPrefix string        `yaml:"redis_prefix"`
	// LockTTL bounds how long a crashed request can hold a handle.
	LockTTL time.Duration `yaml:"lock_ttl"`
	// LockWait bounds how long a concurrent request on the same handle
	// queues before getting service_unavailable.
	LockWait time.Duration `yaml:"lock_wait"`
}

/*
====================================
ATTEMPTS CONFIG
====================================
*/

type AttemptsConfig struct {
	RedisPrefix     string        `yaml:"redis_prefix"`
	ReservationTTL  time.Duration `yaml:"reservation_ttl"`
	ReservationWait time.Duration `yaml:"reservation_wait"`
}

/*
====================================
TOKEN CONFIG
====================================
*/

// TokenConfig is the session token lifetime policy.
type TokenConfig struct {
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// MaxLifetime caps expiry at issuance plus this value. Zero means
	// uncapped.
	MaxLifetime time.Duration `yaml:"max_lifetime"`
	RedisPrefix string        `yaml:"redis_prefix"`
}

/*
====================================
ASSERTION CONFIG
====================================
*/

// AssertionConfig enables short-lived signed JWTs bound to a session token.
type AssertionConfig struct {
	Enabled       bool          `yaml:"enabled"`
	TTL           time.Duration `yaml:"ttl"`
	SigningMethod string        `yaml:"signing_method"` // "ed25519" (default) or "hs256"
	PrivateKey    []byte        `yaml:"-"`
	PublicKey     []byte        `yaml:"-"`
	Issuer        string        `yaml:"issuer"`
	Audience      string        `yaml:"audience"`
}

/*
====================================
IDENTITY CONFIG
====================================
*/

type IdentityConfig struct {
	// AccountClasses is the closed set accepted by Login.
	AccountClasses []string `yaml:"account_classes"`
}

func (c IdentityConfig) allows(class string) bool {
	for _, ac := range c.AccountClasses {
		if ac == class {
			return true
		}
	}
	return false
}

/*
====================================
OBSERVABILITY CONFIG
====================================
*/

type AuditConfig struct {
	Enabled    bool `yaml:"enabled"`
	BufferSize int  `yaml:"buffer_size"`
	DropIfFull bool `yaml:"drop_if_full"`
}

type MetricsConfig struct {
	Enabled                 bool `yaml:"enabled"`
	EnableLatencyHistograms bool `yaml:"enable_latency_histograms"`
}

/*
====================================
SECURITY CONFIG
====================================
*/

// SecurityConfig tightens validation for production deployments.
type SecurityConfig struct {
	// ProductionMode rejects short hs256 keys, idle timeouts above one
	// hour and uncapped token lifetimes.
	ProductionMode bool `yaml:"production_mode"`
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns the baseline configuration. Assertions are off
// until keys are supplied.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	p := lockout.DefaultPolicy()
	return Config{
		Lockout: LockoutConfig{
			Threshold: p.Threshold,
			Durations: p.Durations,
		},
		AuthSession: AuthSessionConfig{
			TTL:         5 * time.Minute,
			RedisPrefix: "aas",
			LockTTL:     10 * time.Second,
			LockWait:    2 * time.Second,
		},
		Attempts: AttemptsConfig{
			RedisPrefix:     "ala",
			ReservationTTL:  10 * time.Second,
			ReservationWait: 2 * time.Second,
		},
		Token: TokenConfig{
			IdleTimeout: 30 * time.Minute,
			MaxLifetime: 12 * time.Hour,
			RedisPrefix: "ast",
		},
		Assertion: AssertionConfig{
			TTL:           5 * time.Minute,
			SigningMethod: "ed25519",
		},
		Identity: IdentityConfig{
			AccountClasses: []string{"individual", "organization"},
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 false,
			EnableLatencyHistograms: false,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Lockout.Durations = append([]time.Duration(nil), cfg.Lockout.Durations...)
	out.Identity.AccountClasses = append([]string(nil), cfg.Identity.AccountClasses...)
	out.Assertion.PrivateKey = cloneBytes(cfg.Assertion.PrivateKey)
	out.Assertion.PublicKey = cloneBytes(cfg.Assertion.PublicKey)
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	// Lockout
	if err := c.Lockout.policy().Validate(); err != nil {
		return err
	}

	// Auth session
	if c.AuthSession.TTL <= 0 {
		return errors.New("AuthSession TTL must be > 0")
	}
	if c.AuthSession.LockTTL <= 0 {
		return errors.New("AuthSession LockTTL must be > 0")
	}
	if c.AuthSession.LockWait < 0 {
		return errors.New("AuthSession LockWait must be >= 0")
	}
	if strings.TrimSpace(c.AuthSession.RedisPrefix) == "" {
		return errors.New("AuthSession RedisPrefix must not be empty")
	}

	// Attempts
	if c.Attempts.ReservationTTL <= 0 {
		return errors.New("Attempts ReservationTTL must be > 0")
	}
	if c.Attempts.ReservationWait < 0 {
		return errors.New("Attempts ReservationWait must be >= 0")
	}
	if strings.TrimSpace(c.Attempts.RedisPrefix) == "" {
		return errors.New("Attempts RedisPrefix must not be empty")
	}

	// Token
	if c.Token.IdleTimeout <= 0 {
		return errors.New("Token IdleTimeout must be > 0")
	}
	if c.Token.MaxLifetime < 0 {
		return errors.New("Token MaxLifetime must be >= 0")
	}
	if c.Token.MaxLifetime > 0 && c.Token.MaxLifetime < c.Token.IdleTimeout {
		return errors.New("Token MaxLifetime must be >= IdleTimeout")
	}
	if strings.TrimSpace(c.Token.RedisPrefix) == "" {
		return errors.New("Token RedisPrefix must not be empty")
	}
	prefixes := map[string]bool{}
	for _, p := range []string{c.AuthSession.RedisPrefix, c.Attempts.RedisPrefix, c.Token.RedisPrefix} {
		if prefixes[p] {
			return errors.New("AuthSession, Attempts and Token Redis prefixes must differ")
		}
		prefixes[p] = true
	}

	// Assertion
	if c.Assertion.Enabled {
		if c.Assertion.TTL <= 0 {
			return errors.New("Assertion TTL must be > 0")
		}
		switch c.Assertion.SigningMethod {
		case "ed25519":
			if len(c.Assertion.PrivateKey) == 0 || len(c.Assertion.PublicKey) == 0 {
				return errors.New("ed25519 assertions require PrivateKey and PublicKey")
			}
		case "hs256":
			if len(c.Assertion.PrivateKey) == 0 {
				return errors.New("hs256 assertions require PrivateKey")
			}
		default:
			return errors.New("unsupported Assertion signing method")
		}
		if c.Assertion.Audience != "" && strings.TrimSpace(c.Assertion.Audience) == "" {
			return errors.New("Assertion Audience must not be blank")
		}
	}

	// Identity
	if len(c.Identity.AccountClasses) == 0 {
		return errors.New("Identity AccountClasses must not be empty")
	}
	for _, ac := range c.Identity.AccountClasses {
		if strings.TrimSpace(ac) == "" || strings.ContainsAny(ac, ": ") {
			return errors.New("Identity AccountClasses entries must be non-empty without ':' or spaces")
		}
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when enabled")
	}

	if c.Security.ProductionMode {
		return c.validateProduction()
	}
	return nil
}

func (c *Config) validateProduction() error {
	if c.Assertion.Enabled && c.Assertion.SigningMethod == "hs256" && len(c.Assertion.PrivateKey) < 32 {
		return errors.New("ProductionMode requires hs256 keys of at least 32 bytes")
	}
	if c.Token.IdleTimeout > time.Hour {
		return errors.New("ProductionMode requires Token IdleTimeout <= 1h")
	}
	if c.Token.MaxLifetime == 0 {
		return errors.New("ProductionMode requires a Token MaxLifetime")
	}
	return nil
}
