// Package totp verifies authenticator-app codes (RFC 6238) for the OTP
// step and produces enrollment material for SECOND_FACTOR_SETUP.
package totp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goStepAuth "github.com/MrEthical07/goStepAuth"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// ErrNoSecret means the account has no enrolled secret.
var ErrNoSecret = errors.New("no totp secret enrolled")

// SecretSource returns the base32 secret enrolled for an account.
// Implementations return ErrNoSecret (possibly wrapped) when none exists.
type SecretSource interface {
	SecondFactorSecret(ctx context.Context, accountID string) ([]byte, error)
}

// Config holds validation parameters. Zero values take the RFC defaults.
type Config struct {
	Period uint
	Skew   uint
	Digits otp.Digits
}

func (c Config) opts() totp.ValidateOpts {
	if c.Period == 0 {
		c.Period = 30
	}
	if c.Digits == 0 {
		c.Digits = otp.DigitsSix
	}
	return totp.ValidateOpts{
		Period:    c.Period,
		Skew:      c.Skew,
		Digits:    c.Digits,
		Algorithm: otp.AlgorithmSHA1,
	}
}

// Verifier checks OTP step codes.
type Verifier struct {
	secrets SecretSource
	opts    totp.ValidateOpts
	now     func() time.Time
}

var _ goStepAuth.SecondFactorVerifier = (*Verifier)(nil)

// NewVerifier returns a Verifier reading secrets from src.
func NewVerifier(src SecretSource, cfg Config) *Verifier {
	return &Verifier{secrets: src, opts: cfg.opts(), now: time.Now}
}

// WithClock overrides time.Now, mostly for tests.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Verify implements goStepAuth.SecondFactorVerifier. An account with no
// secret fails the code rather than reporting an outage.
func (v *Verifier) Verify(ctx context.Context, step goStepAuth.StepKind, accountID, code string) (goStepAuth.Verdict, error) {
	if step != goStepAuth.StepOTP {
		return goStepAuth.VerdictUnavailable, fmt.Errorf("totp verifier cannot check %s", step)
	}
	secret, err := v.secrets.SecondFactorSecret(ctx, accountID)
	if errors.Is(err, ErrNoSecret) {
		return goStepAuth.VerdictFailure, nil
	}
	if err != nil {
		return goStepAuth.VerdictUnavailable, err
	}

	ok, err := totp.ValidateCustom(strings.TrimSpace(code), string(secret), v.now().UTC(), v.opts)
	if err != nil {
		if errors.Is(err, otp.ErrValidateInputInvalidLength) {
			return goStepAuth.VerdictFailure, nil
		}
		return goStepAuth.VerdictUnavailable, err
	}
	if !ok {
		return goStepAuth.VerdictFailure, nil
	}
	return goStepAuth.VerdictSuccess, nil
}

// Enrollment is handed to the user during SECOND_FACTOR_SETUP. Secret is
// what the caller passes to Engine.CompleteSecondFactorSetup.
type Enrollment struct {
	Secret []byte
	URL    string
}

// NewEnrollment generates a fresh SHA1/6-digit/30s secret.
func NewEnrollment(issuer, accountName string) (*Enrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: accountName,
		Period:      30,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("generate totp key: %w", err)
	}
	return &Enrollment{Secret: []byte(key.Secret()), URL: key.URL()}, nil
}
