package totp

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	goStepAuth "github.com/MrEthical07/goStepAuth"
	"github.com/pquerna/otp/totp"
)

type mapSource map[string][]byte

func (m mapSource) SecondFactorSecret(_ context.Context, accountID string) ([]byte, error) {
	s, ok := m[accountID]
	if !ok {
		return nil, ErrNoSecret
	}
	return s, nil
}

type failingSource struct{}

func (failingSource) SecondFactorSecret(context.Context, string) ([]byte, error) {
	return nil, errors.New("secret store down")
}

func TestVerifierAcceptsCurrentCode(t *testing.T) {
	enr, err := NewEnrollment("StepAuth", "alice@example.com")
	if err != nil {
		t.Fatalf("NewEnrollment: %v", err)
	}
	if !strings.HasPrefix(enr.URL, "otpauth://totp/") {
		t.Fatalf("unexpected url %q", enr.URL)
	}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v := NewVerifier(mapSource{"acct": enr.Secret}, Config{}).WithClock(func() time.Time { return now })

	code, err := totp.GenerateCode(string(enr.Secret), now)
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	verdict, err := v.Verify(context.Background(), goStepAuth.StepOTP, "acct", code)
	if err != nil || verdict != goStepAuth.VerdictSuccess {
		t.Fatalf("expected success, got %v %v", verdict, err)
	}

	stale, err := totp.GenerateCode(string(enr.Secret), now.Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	if stale != code {
		verdict, err = v.Verify(context.Background(), goStepAuth.StepOTP, "acct", stale)
		if err != nil || verdict != goStepAuth.VerdictFailure {
			t.Fatalf("expected failure for stale code, got %v %v", verdict, err)
		}
	}
}

func TestVerifierEdgeCases(t *testing.T) {
	ctx := context.Background()
	v := NewVerifier(mapSource{}, Config{})

	if verdict, err := v.Verify(ctx, goStepAuth.StepOTP, "nobody", "123456"); err != nil || verdict != goStepAuth.VerdictFailure {
		t.Fatalf("missing secret must fail the code, got %v %v", verdict, err)
	}
	if verdict, _ := v.Verify(ctx, goStepAuth.StepSMS, "nobody", "123456"); verdict != goStepAuth.VerdictUnavailable {
		t.Fatalf("SMS must not be handled, got %v", verdict)
	}

	down := NewVerifier(failingSource{}, Config{})
	if verdict, err := down.Verify(ctx, goStepAuth.StepOTP, "acct", "123456"); err == nil || verdict != goStepAuth.VerdictUnavailable {
		t.Fatalf("expected unavailable on store error, got %v %v", verdict, err)
	}
}

func TestVerifierRejectsWrongLength(t *testing.T) {
	enr, err := NewEnrollment("StepAuth", "bob@example.com")
	if err != nil {
		t.Fatalf("NewEnrollment: %v", err)
	}
	v := NewVerifier(mapSource{"acct": enr.Secret}, Config{})
	verdict, err := v.Verify(context.Background(), goStepAuth.StepOTP, "acct", "12")
	if err != nil || verdict != goStepAuth.VerdictFailure {
		t.Fatalf("expected failure, got %v %v", verdict, err)
	}
}
