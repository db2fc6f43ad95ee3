package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	goStepAuth "github.com/MrEthical07/goStepAuth"
	"github.com/MrEthical07/goStepAuth/identity/memory"
	"github.com/MrEthical07/goStepAuth/transport/httpapi"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type logConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format" validate:"omitempty,oneof=json text"`
}

type totpConfig struct {
	Issuer string `yaml:"issuer" validate:"required"`
}

// serverConfig is the YAML file layout. Environment variables override
// the connection settings after the file is read.
type serverConfig struct {
	Listen     string `yaml:"listen" validate:"required"`
	RedisAddr  string `yaml:"redis_addr"`
	PolicyFile string `yaml:"policy_file" validate:"required"`
	SQLiteDSN  string `yaml:"sqlite_dsn"`
	// DevSMSCode routes SMS to a fixed-code verifier. Development only.
	DevSMSCode string `yaml:"dev_sms_code"`
	// TrustedProxies may set X-Forwarded-For. Addresses or CIDRs.
	TrustedProxies []string `yaml:"trusted_proxies" validate:"dive,ip|cidr"`

	Log       logConfig               `yaml:"log"`
	TOTP      totpConfig              `yaml:"totp"`
	RateLimit httpapi.RateLimitConfig `yaml:"rate_limit"`
	Engine    goStepAuth.Config       `yaml:"engine"`
	Accounts  []memory.Entry          `yaml:"accounts" validate:"dive"`
}

func defaultServerConfig() serverConfig {
	return serverConfig{
		Listen:     ":8080",
		PolicyFile: "policy.yaml",
		Log:        logConfig{Level: "info", Format: "json"},
		TOTP:       totpConfig{Issuer: "goStepAuth"},
		RateLimit:  httpapi.DefaultRateLimit(),
		Engine:     goStepAuth.DefaultConfig(),
	}
}

// loadConfig reads path over the defaults. An empty path skips the file.
func loadConfig(path string) (serverConfig, error) {
	cfg := defaultServerConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return serverConfig{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return serverConfig{}, fmt.Errorf("parse config: %w", err)
		}
	}
	applyEnv(&cfg, os.Getenv)

	if err := validator.New().Struct(cfg); err != nil {
		return serverConfig{}, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.Engine.Validate(); err != nil {
		return serverConfig{}, fmt.Errorf("invalid engine config: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *serverConfig, getenv func(string) string) {
	if v := getenv("STEPAUTH_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := getenv("STEPAUTH_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := getenv("STEPAUTH_POLICY_FILE"); v != "" {
		cfg.PolicyFile = v
	}
	if v := getenv("STEPAUTH_SQLITE_DSN"); v != "" {
		cfg.SQLiteDSN = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

var errUnknownLevel = errors.New("unknown log level")

func parseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("%w: %q", errUnknownLevel, level)
}
