// Command stepauth-server serves the step authentication API over HTTP.
//
// Configuration comes from a YAML file (-config) with environment
// overrides, optionally preloaded from a .env file:
//
//	STEPAUTH_LISTEN        listen address
//	STEPAUTH_REDIS_ADDR    redis address; miniredis is started when empty
//	STEPAUTH_POLICY_FILE   step policy YAML
//	STEPAUTH_SQLITE_DSN    keep attempt records in SQLite instead of Redis
//	STEPAUTH_ASSERTION_KEY base64 hs256 key; enables signed assertions
package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goStepAuth "github.com/MrEthical07/goStepAuth"
	"github.com/MrEthical07/goStepAuth/factor"
	"github.com/MrEthical07/goStepAuth/factor/totp"
	"github.com/MrEthical07/goStepAuth/identity/memory"
	"github.com/MrEthical07/goStepAuth/lockout"
	"github.com/MrEthical07/goStepAuth/lockout/sqlitestore"
	"github.com/MrEthical07/goStepAuth/policy"
	"github.com/MrEthical07/goStepAuth/transport/httpapi"
	"github.com/alicebob/miniredis/v2"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("could not load .env file", "error", err)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		slog.Error("failed to initialize logger", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg logConfig) (*slog.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts)), nil
}

func run(cfg serverConfig, logger *slog.Logger) error {
	client, closeRedis, err := openRedis(cfg.RedisAddr, logger)
	if err != nil {
		return err
	}
	defer closeRedis()

	if key := os.Getenv("STEPAUTH_ASSERTION_KEY"); key != "" {
		raw, err := base64.StdEncoding.DecodeString(key)
		if err != nil {
			return fmt.Errorf("decode STEPAUTH_ASSERTION_KEY: %w", err)
		}
		cfg.Engine.Assertion.Enabled = true
		cfg.Engine.Assertion.SigningMethod = "hs256"
		cfg.Engine.Assertion.PrivateKey = raw
	}

	steps, err := policy.LoadFile(cfg.PolicyFile)
	if err != nil {
		return err
	}

	dir := memory.New(cfg.Accounts...)
	router := factor.NewRouter().
		Handle(goStepAuth.StepOTP, totp.NewVerifier(dir, totp.Config{Skew: 1}))
	if cfg.DevSMSCode != "" {
		logger.Warn("SMS step accepts a fixed development code")
		router.Handle(goStepAuth.StepSMS, fixedCode(cfg.DevSMSCode))
	}

	builder := goStepAuth.New().
		WithConfig(cfg.Engine).
		WithRedis(client).
		WithIdentityVerifier(dir).
		WithSecondFactorEnroller(dir).
		WithStepPolicy(steps).
		WithSecondFactorVerifier(router).
		WithLogger(logger)
	if cfg.Engine.Audit.Enabled {
		builder.WithAuditSink(goStepAuth.NewJSONWriterSink(os.Stdout))
	}
	if cfg.SQLiteDSN != "" {
		store, err := sqlitestore.Open(sqlitestore.Config{
			DSN:             cfg.SQLiteDSN,
			Policy:          lockout.Policy{Threshold: cfg.Engine.Lockout.Threshold, Durations: cfg.Engine.Lockout.Durations},
			ReservationWait: cfg.Engine.Attempts.ReservationWait,
		})
		if err != nil {
			return fmt.Errorf("open sqlite attempt store: %w", err)
		}
		defer store.Close()
		builder.WithAttemptStore(store)
		logger.Info("attempt records in sqlite", "dsn", cfg.SQLiteDSN)
	}

	engine, err := builder.Build()
	if err != nil {
		return fmt.Errorf("engine build: %w", err)
	}
	defer engine.Close()

	server := &http.Server{
		Addr: cfg.Listen,
		Handler: httpapi.New(engine, httpapi.Options{
			Logger:           logger,
			RateLimit:        cfg.RateLimit,
			DisableMetrics:   !cfg.Engine.Metrics.Enabled,
			EnrollmentIssuer: cfg.TOTP.Issuer,
			TrustedProxies:   cfg.TrustedProxies,
		}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "address", server.Addr, "accounts", len(cfg.Accounts))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func openRedis(addr string, logger *slog.Logger) (redis.UniversalClient, func(), error) {
	if addr != "" {
		client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
		logger.Info("using redis", "addr", addr)
		return client, func() { _ = client.Close() }, nil
	}
	mr, err := miniredis.Run()
	if err != nil {
		return nil, nil, fmt.Errorf("start miniredis: %w", err)
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}})
	logger.Warn("no redis configured, using in-process miniredis", "addr", mr.Addr())
	return client, func() {
		_ = client.Close()
		mr.Close()
	}, nil
}

func fixedCode(code string) factor.VerifierFunc {
	return func(_ context.Context, _ goStepAuth.StepKind, _ string, got string) (goStepAuth.Verdict, error) {
		if got == code {
			return goStepAuth.VerdictSuccess, nil
		}
		return goStepAuth.VerdictFailure, nil
	}
}
