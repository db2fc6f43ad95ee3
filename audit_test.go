package goStepAuth

import (
	"context"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
)

func TestAuditEventsCarryContext(t *testing.T) {
	sink := NewChannelSink(64)
	cfg := testConfig()
	cfg.Audit.Enabled = true
	h := newHarness(t, cfg, func(b *Builder) { b.WithAuditSink(sink) })

	ctx := WithRequestID(WithClientIP(context.Background(), "203.0.113.7"), "req-42")
	if _, err := h.engine.Login(ctx, aliceSubject, classIndiv); err != nil {
		t.Fatalf("Login: %v", err)
	}

	select {
	case ev := <-sink.Events():
		if ev.EventType != "login_started" {
			t.Fatalf("expected login_started, got %q", ev.EventType)
		}
		if ev.IP != "203.0.113.7" || ev.RequestID != "req-42" {
			t.Fatalf("context values missing: %+v", ev)
		}
		if ev.Subject != aliceSubject || ev.AccountClass != classIndiv || ev.Handle == "" {
			t.Fatalf("identity missing: %+v", ev)
		}
		if _, err := ulid.ParseStrict(ev.ID); err != nil {
			t.Fatalf("event id is not a ULID: %v", err)
		}
		if ev.Metadata["next"] != "OTP" {
			t.Fatalf("expected next=OTP, got %v", ev.Metadata)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for audit event")
	}
}

func TestAuditBlockedEventNamesUnlock(t *testing.T) {
	sink := NewChannelSink(64)
	cfg := testConfig()
	cfg.Audit.Enabled = true
	h := newHarness(t, cfg, func(b *Builder) { b.WithAuditSink(sink) })

	handle := h.login(t).Handle
	for i := 0; i < 5; i++ {
		h.submit(t, handle, StepOTP, "000000")
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sink.Events():
			if ev.EventType != "identity_blocked" {
				continue
			}
			if ev.Success {
				t.Fatal("blocked event must not be a success")
			}
			if ev.Metadata["unlock_at"] == "" {
				t.Fatalf("expected unlock_at metadata, got %v", ev.Metadata)
			}
			return
		case <-deadline:
			t.Fatal("identity_blocked never emitted")
		}
	}
}

func TestAuditDisabledEmitsNothing(t *testing.T) {
	sink := NewChannelSink(8)
	h := newHarness(t, testConfig(), func(b *Builder) { b.WithAuditSink(sink) })
	h.login(t)

	select {
	case ev := <-sink.Events():
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}
