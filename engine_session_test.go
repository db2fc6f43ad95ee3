package goStepAuth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func completeLogin(t *testing.T, h *testHarness) *SessionToken {
	t.Helper()
	handle := h.login(t).Handle
	h.submit(t, handle, StepOTP, "111111")
	res := h.submit(t, handle, StepSMS, "222222")
	requireStatus(t, res, StatusCompleted, ReasonNone)
	return res.Token
}

func TestRefreshSlidesExpiry(t *testing.T) {
	h := newHarness(t, testConfig())
	tok := completeLogin(t, h)

	h.clock.Advance(20 * time.Minute)
	refreshed, err := h.engine.RefreshSession(context.Background(), tok.Opaque)
	if err != nil {
		t.Fatalf("RefreshSession: %v", err)
	}
	if want := h.clock.Now().Add(30 * time.Minute); !refreshed.ExpiresAt.Equal(want) {
		t.Fatalf("expected expiry %v, got %v", want, refreshed.ExpiresAt)
	}
	if refreshed.TokenID != tok.TokenID {
		t.Fatal("refresh must keep the token id")
	}
}

func TestRefreshCappedByMaxLifetime(t *testing.T) {
	cfg := testConfig()
	cfg.Token.IdleTimeout = 30 * time.Minute
	cfg.Token.MaxLifetime = time.Hour
	h := newHarness(t, cfg)
	issuedAt := h.clock.Now()
	tok := completeLogin(t, h)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		h.clock.Advance(20 * time.Minute)
		if _, err := h.engine.RefreshSession(ctx, tok.Opaque); err != nil {
			t.Fatalf("refresh %d: %v", i, err)
		}
	}
	info, err := h.engine.ValidateSession(ctx, tok.Opaque)
	if err != nil {
		t.Fatalf("ValidateSession: %v", err)
	}
	if want := issuedAt.Add(time.Hour); !info.ExpiresAt.Equal(want) {
		t.Fatalf("expected cap at %v, got %v", want, info.ExpiresAt)
	}

	h.clock.Advance(time.Minute)
	if _, err := h.engine.RefreshSession(ctx, tok.Opaque); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired past the cap, got %v", err)
	}
}

func TestExpiredTokenIsRejected(t *testing.T) {
	h := newHarness(t, testConfig())
	tok := completeLogin(t, h)

	h.clock.Advance(31 * time.Minute)
	if _, err := h.engine.ValidateSession(context.Background(), tok.Opaque); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
	if got := h.engine.MetricsSnapshot().Counters[MetricSessionTokenExpired]; got != 1 {
		t.Fatalf("expected one expired-token count, got %d", got)
	}
}

func TestInvalidateIsIdempotent(t *testing.T) {
	h := newHarness(t, testConfig())
	tok := completeLogin(t, h)
	ctx := context.Background()

	if err := h.engine.InvalidateSession(ctx, tok.Opaque); err != nil {
		t.Fatalf("InvalidateSession: %v", err)
	}
	if err := h.engine.InvalidateSession(ctx, tok.Opaque); err != nil {
		t.Fatalf("second InvalidateSession: %v", err)
	}
	if err := h.engine.InvalidateSession(ctx, "not-a-token"); err != nil {
		t.Fatalf("malformed InvalidateSession: %v", err)
	}
	if _, err := h.engine.RefreshSession(ctx, tok.Opaque); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired after logout, got %v", err)
	}
}

func TestTamperedTokenRejected(t *testing.T) {
	h := newHarness(t, testConfig())
	tok := completeLogin(t, h)

	tampered := []byte(tok.Opaque)
	last := len(tampered) - 1
	if tampered[last] == 'A' {
		tampered[last] = 'B'
	} else {
		tampered[last] = 'A'
	}
	if _, err := h.engine.ValidateSession(context.Background(), string(tampered)); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired for tampered token, got %v", err)
	}
}

func TestAssertionRoundTrip(t *testing.T) {
	cfg := testConfig()
	cfg.Assertion.Enabled = true
	cfg.Assertion.SigningMethod = "hs256"
	cfg.Assertion.PrivateKey = []byte("0123456789abcdef0123456789abcdef")
	cfg.Assertion.Issuer = "stepauth-test"
	h := newHarness(t, cfg)

	tok := completeLogin(t, h)
	if tok.AccessToken == "" {
		t.Fatal("expected an assertion")
	}
	if tok.AccessTokenExpiresAt.After(tok.ExpiresAt) {
		t.Fatal("assertion must not outlive the session token")
	}

	claims, err := h.engine.VerifyAssertion(tok.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAssertion: %v", err)
	}
	if claims.TokenID != tok.TokenID || claims.AccountID != "acct-alice" || claims.Identity.SubjectKey != aliceSubject {
		t.Fatalf("unexpected claims %+v", claims)
	}

	if _, err := h.engine.VerifyAssertion(tok.AccessToken + "x"); !errors.Is(err, ErrAssertionInvalid) {
		t.Fatalf("expected ErrAssertionInvalid, got %v", err)
	}
}

func TestAssertionDisabled(t *testing.T) {
	h := newHarness(t, testConfig())
	tok := completeLogin(t, h)
	if tok.AccessToken != "" {
		t.Fatal("no assertion expected when disabled")
	}
	if _, err := h.engine.VerifyAssertion("anything"); !errors.Is(err, ErrAssertionDisabled) {
		t.Fatalf("expected ErrAssertionDisabled, got %v", err)
	}
}
