package goStepAuth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t testing.TB) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return mr, rdb
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeDirectory struct {
	mu       sync.Mutex
	accounts map[string]Account
	secrets  map[string][]byte
	err      error
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		accounts: map[string]Account{},
		secrets:  map[string][]byte{},
	}
}

func (d *fakeDirectory) add(subject, class string, acct Account) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.accounts[class+":"+subject] = acct
}

func (d *fakeDirectory) Resolve(_ context.Context, ident Identity) (Account, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return Account{}, d.err
	}
	acct, ok := d.accounts[ident.AccountClass+":"+ident.SubjectKey]
	if !ok {
		return Account{}, ErrIdentityNotFound
	}
	return acct, nil
}

func (d *fakeDirectory) EnrollSecondFactor(_ context.Context, accountID string, secret []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.secrets[accountID] = append([]byte(nil), secret...)
	for k, acct := range d.accounts {
		if acct.ID == accountID {
			acct.SecondFactorConfigured = true
			d.accounts[k] = acct
		}
	}
	return nil
}

type fakePolicy struct {
	mu     sync.Mutex
	policy StepPolicy
	err    error
}

func (p *fakePolicy) RequiredSteps(context.Context, Identity, bool) (StepPolicy, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return StepPolicy{}, p.err
	}
	return StepPolicy{
		Steps:              append([]StepKind(nil), p.policy.Steps...),
		MaxAttemptsPerStep: p.policy.MaxAttemptsPerStep,
	}, nil
}

type fakeVerifier struct {
	mu          sync.Mutex
	codes       map[StepKind]string
	unavailable bool
	calls       int
}

func (v *fakeVerifier) Verify(_ context.Context, step StepKind, _ string, code string) (Verdict, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	if v.unavailable {
		return VerdictUnavailable, errors.New("verifier unreachable")
	}
	if v.codes[step] == code {
		return VerdictSuccess, nil
	}
	return VerdictFailure, nil
}

func (v *fakeVerifier) setUnavailable(b bool) {
	v.mu.Lock()
	v.unavailable = b
	v.mu.Unlock()
}

func (v *fakeVerifier) callCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

type testHarness struct {
	engine   *Engine
	mr       *miniredis.Miniredis
	clock    *testClock
	dir      *fakeDirectory
	policy   *fakePolicy
	verifier *fakeVerifier
}

const (
	aliceSubject = "alice@example.com"
	classIndiv   = "individual"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Metrics.Enabled = true
	return cfg
}

func newHarness(t *testing.T, cfg Config, opts ...func(*Builder)) *testHarness {
	t.Helper()

	mr, rdb := newTestRedis(t)
	h := &testHarness{
		mr:     mr,
		clock:  newTestClock(),
		dir:    newFakeDirectory(),
		policy: &fakePolicy{policy: StepPolicy{Steps: []StepKind{StepEmail, StepOTP, StepSMS}, MaxAttemptsPerStep: 5}},
		verifier: &fakeVerifier{codes: map[StepKind]string{
			StepOTP: "111111",
			StepSMS: "222222",
		}},
	}
	h.dir.add(aliceSubject, classIndiv, Account{ID: "acct-alice", Contact: "+15550100", SecondFactorConfigured: true, Active: true})

	b := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithIdentityVerifier(h.dir).
		WithStepPolicy(h.policy).
		WithSecondFactorVerifier(h.verifier).
		WithClock(h.clock.Now)
	for _, opt := range opts {
		opt(b)
	}

	engine, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)
	h.engine = engine
	return h
}

func (h *testHarness) login(t *testing.T) *Result {
	t.Helper()
	res, err := h.engine.Login(context.Background(), aliceSubject, classIndiv)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	return res
}

func (h *testHarness) submit(t *testing.T, handle string, step StepKind, code string) *Result {
	t.Helper()
	res, err := h.engine.SubmitFactor(context.Background(), handle, step, code)
	if err != nil {
		t.Fatalf("SubmitFactor: %v", err)
	}
	return res
}

func (h *testHarness) failureCount(t *testing.T, subject, class string) uint32 {
	t.Helper()
	rec, err := h.engine.attempts.Get(context.Background(), attemptKey(subject, class))
	if err != nil {
		t.Fatalf("attempts.Get: %v", err)
	}
	return rec.FailureCount
}

func requireStatus(t *testing.T, res *Result, status Status, reason Reason) {
	t.Helper()
	if res.Status != status || res.Reason != reason {
		t.Fatalf("expected %s/%s, got %s/%s", status, reason, res.Status, res.Reason)
	}
}

func TestLoginStartsAtFirstFactor(t *testing.T) {
	h := newHarness(t, testConfig())

	res, err := h.engine.Login(context.Background(), "  Alice@Example.COM ", classIndiv)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	requireStatus(t, res, StatusInProgress, ReasonNone)
	if res.Handle == "" {
		t.Fatal("expected a handle")
	}
	if res.View.Step != StepOTP {
		t.Fatalf("expected OTP, got %s", res.View.Step)
	}
	if res.View.AttemptsRemaining != 5 {
		t.Fatalf("expected 5 attempts remaining, got %d", res.View.AttemptsRemaining)
	}
	if res.View.Identity.SubjectKey != aliceSubject {
		t.Fatalf("expected normalized subject, got %q", res.View.Identity.SubjectKey)
	}
	if res.View.IsFirstTimeUser {
		t.Fatal("configured account must not be first-time")
	}
	if res.Err() != nil {
		t.Fatalf("expected nil Err, got %v", res.Err())
	}
}

func TestWrongCodesBlockWithFirstCooldown(t *testing.T) {
	h := newHarness(t, testConfig())
	handle := h.login(t).Handle

	for i := 1; i <= 4; i++ {
		res := h.submit(t, handle, StepOTP, "000000")
		requireStatus(t, res, StatusRejected, ReasonInvalidCode)
		if want := uint32(5 - i); res.View.AttemptsRemaining != want {
			t.Fatalf("attempt %d: expected %d remaining, got %d", i, want, res.View.AttemptsRemaining)
		}
	}

	now := h.clock.Now()
	res := h.submit(t, handle, StepOTP, "000000")
	requireStatus(t, res, StatusBlocked, ReasonAttemptsExceeded)
	if want := now.Add(30 * time.Second); !res.UnlockAt.Equal(want) {
		t.Fatalf("expected unlock at %v, got %v", want, res.UnlockAt)
	}
	if !errors.Is(res.Err(), ErrAttemptsExceeded) {
		t.Fatalf("expected ErrAttemptsExceeded, got %v", res.Err())
	}

	h.clock.Advance(10 * time.Second)
	again := h.submit(t, handle, StepOTP, "111111")
	requireStatus(t, again, StatusBlocked, ReasonAttemptsExceeded)
	if !again.UnlockAt.Equal(res.UnlockAt) {
		t.Fatalf("lock must not be extended: %v vs %v", again.UnlockAt, res.UnlockAt)
	}
	if calls := h.verifier.callCount(); calls != 5 {
		t.Fatalf("verifier must not be called while blocked, got %d calls", calls)
	}

	relogin := h.login(t)
	requireStatus(t, relogin, StatusBlocked, ReasonAttemptsExceeded)
	if !relogin.UnlockAt.Equal(res.UnlockAt) {
		t.Fatalf("login while locked must report the same unlock time")
	}

	st, err := h.engine.AttemptStatus(context.Background(), aliceSubject, classIndiv)
	if err != nil {
		t.Fatalf("AttemptStatus: %v", err)
	}
	if !st.Locked || !st.UnlockAt.Equal(res.UnlockAt) {
		t.Fatalf("unexpected attempt status %+v", st)
	}
}

func TestAttemptsRemainingSpansSessions(t *testing.T) {
	h := newHarness(t, testConfig())
	first := h.login(t).Handle

	for i := 0; i < 4; i++ {
		requireStatus(t, h.submit(t, first, StepOTP, "000000"), StatusRejected, ReasonInvalidCode)
	}

	second := h.login(t)
	requireStatus(t, second, StatusInProgress, ReasonNone)
	if second.View.AttemptsRemaining != 1 {
		t.Fatalf("new session must report the identity's remaining failures, got %d", second.View.AttemptsRemaining)
	}

	mismatch := h.submit(t, second.Handle, StepSMS, "222222")
	requireStatus(t, mismatch, StatusRejected, ReasonStepMismatch)
	if mismatch.View.AttemptsRemaining != 1 {
		t.Fatalf("mismatch must report the same budget, got %d", mismatch.View.AttemptsRemaining)
	}

	res := h.submit(t, second.Handle, StepOTP, "000000")
	requireStatus(t, res, StatusBlocked, ReasonAttemptsExceeded)
	if res.View.AttemptsRemaining != 0 {
		t.Fatalf("blocked session has no attempts left, got %d", res.View.AttemptsRemaining)
	}
}

func TestCorrectCodesCompleteAndIssueToken(t *testing.T) {
	h := newHarness(t, testConfig())
	handle := h.login(t).Handle

	// A failure before success must be cleared by the terminal success.
	requireStatus(t, h.submit(t, handle, StepOTP, "999999"), StatusRejected, ReasonInvalidCode)

	res := h.submit(t, handle, StepOTP, "111111")
	requireStatus(t, res, StatusInProgress, ReasonNone)
	if res.View.Step != StepSMS || res.View.AttemptsRemaining != 5 {
		t.Fatalf("expected SMS with full budget, got %s/%d", res.View.Step, res.View.AttemptsRemaining)
	}
	if res.Handle != handle {
		t.Fatalf("handle must be stable across steps")
	}

	now := h.clock.Now()
	done := h.submit(t, handle, StepSMS, "222222")
	requireStatus(t, done, StatusCompleted, ReasonNone)
	if done.Token == nil || done.Token.Opaque == "" {
		t.Fatal("expected a session token")
	}
	if want := now.Add(30 * time.Minute); !done.Token.ExpiresAt.Equal(want) {
		t.Fatalf("expected expiry %v, got %v", want, done.Token.ExpiresAt)
	}
	if done.Handle != "" {
		t.Fatal("completed results carry no handle")
	}
	if got := h.failureCount(t, aliceSubject, classIndiv); got != 0 {
		t.Fatalf("expected failure count reset, got %d", got)
	}

	after := h.submit(t, handle, StepSMS, "222222")
	requireStatus(t, after, StatusRejected, ReasonSessionExpired)

	info, err := h.engine.ValidateSession(context.Background(), done.Token.Opaque)
	if err != nil {
		t.Fatalf("ValidateSession: %v", err)
	}
	if info.AccountID != "acct-alice" || info.Identity.SubjectKey != aliceSubject {
		t.Fatalf("unexpected session info %+v", info)
	}
}

func TestStepMismatchConsumesNoAttempt(t *testing.T) {
	h := newHarness(t, testConfig())
	handle := h.login(t).Handle

	res := h.submit(t, handle, StepSMS, "222222")
	requireStatus(t, res, StatusRejected, ReasonStepMismatch)
	if !errors.Is(res.Err(), ErrStepMismatch) {
		t.Fatalf("expected ErrStepMismatch, got %v", res.Err())
	}
	if res.View.Step != StepOTP || res.View.AttemptsRemaining != 5 {
		t.Fatalf("session must be unchanged, got %s/%d", res.View.Step, res.View.AttemptsRemaining)
	}
	if h.verifier.callCount() != 0 {
		t.Fatal("verifier must not be called on mismatch")
	}
	if got := h.failureCount(t, aliceSubject, classIndiv); got != 0 {
		t.Fatalf("expected no failures recorded, got %d", got)
	}

	setup := h.submit(t, handle, StepSecondFactorSetup, "x")
	requireStatus(t, setup, StatusRejected, ReasonStepMismatch)
}

func TestVerifierOutageIsNotCounted(t *testing.T) {
	h := newHarness(t, testConfig())
	handle := h.login(t).Handle

	h.verifier.setUnavailable(true)
	for i := 0; i < 3; i++ {
		res := h.submit(t, handle, StepOTP, "000000")
		requireStatus(t, res, StatusUnavailable, ReasonServiceUnavailable)
		if got := h.failureCount(t, aliceSubject, classIndiv); got != 0 {
			t.Fatalf("outage %d counted as failure: %d", i, got)
		}
	}

	h.verifier.setUnavailable(false)
	res := h.submit(t, handle, StepOTP, "000000")
	requireStatus(t, res, StatusRejected, ReasonInvalidCode)
	if res.View.AttemptsRemaining != 4 {
		t.Fatalf("outages must not consume the step budget, got %d remaining", res.View.AttemptsRemaining)
	}
}

func TestUnknownIdentityCountsAgainstRawKey(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		res, err := h.engine.Login(ctx, "ghost@example.com", classIndiv)
		if err != nil {
			t.Fatalf("Login: %v", err)
		}
		requireStatus(t, res, StatusRejected, ReasonInvalidIdentity)
		if res.Handle != "" {
			t.Fatal("rejected login must not create a session")
		}
	}
	if got := h.failureCount(t, "ghost@example.com", classIndiv); got != 4 {
		t.Fatalf("expected 4 failures on raw key, got %d", got)
	}

	res, err := h.engine.Login(ctx, "ghost@example.com", classIndiv)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	requireStatus(t, res, StatusBlocked, ReasonAttemptsExceeded)
	if want := h.clock.Now().Add(30 * time.Second); !res.UnlockAt.Equal(want) {
		t.Fatalf("expected unlock %v, got %v", want, res.UnlockAt)
	}
}

func TestInactiveAccountLooksLikeUnknown(t *testing.T) {
	h := newHarness(t, testConfig())
	h.dir.add("bob@example.com", classIndiv, Account{ID: "acct-bob", Active: false})

	res, err := h.engine.Login(context.Background(), "bob@example.com", classIndiv)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	requireStatus(t, res, StatusRejected, ReasonInvalidIdentity)
	if got := h.failureCount(t, "bob@example.com", classIndiv); got != 1 {
		t.Fatalf("expected inactive login counted, got %d", got)
	}
}

func TestMalformedIdentityTouchesNothing(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	for _, tc := range []struct{ subject, class string }{
		{"", classIndiv},
		{aliceSubject, "martian"},
		{aliceSubject, ""},
	} {
		res, err := h.engine.Login(ctx, tc.subject, tc.class)
		if err != nil {
			t.Fatalf("Login(%q,%q): %v", tc.subject, tc.class, err)
		}
		requireStatus(t, res, StatusRejected, ReasonInvalidIdentity)
	}
	if got := h.failureCount(t, aliceSubject, "martian"); got != 0 {
		t.Fatalf("malformed identity must not be recorded, got %d", got)
	}
}

func TestFirstTimeUserMustEnroll(t *testing.T) {
	h := newHarness(t, testConfig())
	h.policy.policy = StepPolicy{Steps: []StepKind{StepEmail, StepOTP}, MaxAttemptsPerStep: 3}
	h.dir.add("new@example.com", "organization", Account{ID: "acct-new", Active: true})
	ctx := context.Background()

	res, err := h.engine.Login(ctx, "new@example.com", "organization")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !res.View.IsFirstTimeUser || res.View.Step != StepOTP {
		t.Fatalf("expected first-time user at OTP, got %+v", res.View)
	}
	handle := res.Handle

	res = h.submit(t, handle, StepOTP, "111111")
	requireStatus(t, res, StatusInProgress, ReasonNone)
	if res.View.Step != StepSecondFactorSetup {
		t.Fatalf("expected setup step, got %s", res.View.Step)
	}

	requireStatus(t, h.submit(t, handle, StepSecondFactorSetup, "secret"), StatusRejected, ReasonStepMismatch)

	done, err := h.engine.CompleteSecondFactorSetup(ctx, handle, []byte("JBSWY3DPEHPK3PXP"))
	if err != nil {
		t.Fatalf("CompleteSecondFactorSetup: %v", err)
	}
	requireStatus(t, done, StatusCompleted, ReasonNone)
	if done.Token == nil {
		t.Fatal("expected token after setup")
	}
	if string(h.dir.secrets["acct-new"]) != "JBSWY3DPEHPK3PXP" {
		t.Fatal("secret was not persisted")
	}

	// The account is now configured; the next login never sees setup.
	again, err := h.engine.Login(ctx, "new@example.com", "organization")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if again.View.IsFirstTimeUser {
		t.Fatal("enrolled user must not be first-time")
	}
	res = h.submit(t, again.Handle, StepOTP, "111111")
	requireStatus(t, res, StatusCompleted, ReasonNone)
}

func TestSetupOutsideSetupStepIsMismatch(t *testing.T) {
	h := newHarness(t, testConfig())
	handle := h.login(t).Handle

	res, err := h.engine.CompleteSecondFactorSetup(context.Background(), handle, []byte("secret"))
	if err != nil {
		t.Fatalf("CompleteSecondFactorSetup: %v", err)
	}
	requireStatus(t, res, StatusRejected, ReasonStepMismatch)
	if len(h.dir.secrets) != 0 {
		t.Fatal("secret must not be stored outside the setup step")
	}
}

func TestEmailOnlyPolicyCompletesAtLogin(t *testing.T) {
	h := newHarness(t, testConfig())
	h.policy.policy = StepPolicy{Steps: []StepKind{StepEmail}, MaxAttemptsPerStep: 5}

	res := h.login(t)
	requireStatus(t, res, StatusCompleted, ReasonNone)
	if res.Token == nil {
		t.Fatal("expected token")
	}
}

func TestResetKeepsLockoutState(t *testing.T) {
	h := newHarness(t, testConfig())
	handle := h.login(t).Handle

	h.submit(t, handle, StepOTP, "000000")
	h.submit(t, handle, StepOTP, "000000")

	res, err := h.engine.Reset(context.Background(), handle)
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	requireStatus(t, res, StatusInProgress, ReasonNone)
	if res.Handle == "" || res.Handle == handle {
		t.Fatalf("reset must hand out a new handle, got %q", res.Handle)
	}
	if res.View.Step != StepEmail {
		t.Fatalf("expected EMAIL after reset, got %s", res.View.Step)
	}
	if got := h.failureCount(t, aliceSubject, classIndiv); got != 2 {
		t.Fatalf("reset must not touch attempts, got %d", got)
	}

	requireStatus(t, h.submit(t, handle, StepOTP, "111111"), StatusRejected, ReasonSessionExpired)

	next := h.submit(t, res.Handle, StepEmail, " ALICE@example.com")
	requireStatus(t, next, StatusInProgress, ReasonNone)
	if next.View.Step != StepOTP || next.View.AttemptsRemaining != 3 {
		t.Fatalf("expected OTP step capped by recorded failures, got %s/%d", next.View.Step, next.View.AttemptsRemaining)
	}
	if next.Handle != res.Handle {
		t.Fatal("re-resolution must keep the reset handle")
	}
}

func TestLapsedLockEscalates(t *testing.T) {
	h := newHarness(t, testConfig())
	handle := h.login(t).Handle
	for i := 0; i < 5; i++ {
		h.submit(t, handle, StepOTP, "000000")
	}

	h.clock.Advance(31 * time.Second)
	requireStatus(t, h.submit(t, handle, StepOTP, "111111"), StatusRejected, ReasonSessionExpired)

	res := h.login(t)
	requireStatus(t, res, StatusInProgress, ReasonNone)
	if res.View.AttemptsRemaining != 1 {
		t.Fatalf("a lapsed lock leaves one attempt, got %d", res.View.AttemptsRemaining)
	}

	now := h.clock.Now()
	blocked := h.submit(t, res.Handle, StepOTP, "000000")
	requireStatus(t, blocked, StatusBlocked, ReasonAttemptsExceeded)
	if want := now.Add(time.Minute); !blocked.UnlockAt.Equal(want) {
		t.Fatalf("expected escalated 1m lock at %v, got %v", want, blocked.UnlockAt)
	}
	if got := h.failureCount(t, aliceSubject, classIndiv); got != 6 {
		t.Fatalf("cumulative count must survive the lapse, got %d", got)
	}
}

func TestAuthSessionExpires(t *testing.T) {
	h := newHarness(t, testConfig())
	handle := h.login(t).Handle

	h.clock.Advance(5*time.Minute + time.Second)
	res := h.submit(t, handle, StepOTP, "111111")
	requireStatus(t, res, StatusRejected, ReasonSessionExpired)
	if !errors.Is(res.Err(), ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", res.Err())
	}
}

func TestCollaboratorOutagesAreUnavailable(t *testing.T) {
	h := newHarness(t, testConfig())

	h.policy.err = errors.New("policy service down")
	res := h.login(t)
	requireStatus(t, res, StatusUnavailable, ReasonServiceUnavailable)
	h.policy.err = nil

	h.dir.err = errors.New("directory timeout")
	res = h.login(t)
	requireStatus(t, res, StatusUnavailable, ReasonServiceUnavailable)

	if got := h.failureCount(t, aliceSubject, classIndiv); got != 0 {
		t.Fatalf("outages must not count, got %d", got)
	}
}

func TestStorageOutageIsAnError(t *testing.T) {
	h := newHarness(t, testConfig())
	h.mr.Close()

	_, err := h.engine.Login(context.Background(), aliceSubject, classIndiv)
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
}

func TestConcurrentSubmitsOnOneHandleRespectBudget(t *testing.T) {
	h := newHarness(t, testConfig())
	handle := h.login(t).Handle

	const workers = 12
	results := make(chan *Result, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.engine.SubmitFactor(context.Background(), handle, StepOTP, "000000")
			if err != nil {
				t.Errorf("SubmitFactor: %v", err)
				return
			}
			results <- res
		}()
	}
	wg.Wait()
	close(results)

	var rejected int
	for res := range results {
		if res.Status == StatusRejected {
			rejected++
		}
	}
	if rejected > 4 {
		t.Fatalf("at most 4 plain rejections before blocking, got %d", rejected)
	}
	if calls := h.verifier.callCount(); calls > 5 {
		t.Fatalf("verifier called %d times, budget is 5", calls)
	}
	if got := h.failureCount(t, aliceSubject, classIndiv); got > 5 {
		t.Fatalf("failure count exceeded budget: %d", got)
	}
}

func TestConcurrentHandlesShareIdentityBudget(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg)
	h.policy.policy.MaxAttemptsPerStep = 10

	handles := []string{h.login(t).Handle, h.login(t).Handle}

	var wg sync.WaitGroup
	for _, handle := range handles {
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func(handle string) {
				defer wg.Done()
				_, _ = h.engine.SubmitFactor(context.Background(), handle, StepOTP, "000000")
			}(handle)
		}
	}
	wg.Wait()

	if calls := h.verifier.callCount(); calls > 5 {
		t.Fatalf("identity budget exceeded across handles: %d verifier calls", calls)
	}
	st, err := h.engine.AttemptStatus(context.Background(), aliceSubject, classIndiv)
	if err != nil {
		t.Fatalf("AttemptStatus: %v", err)
	}
	if h.verifier.callCount() == 5 && !st.Locked {
		t.Fatal("identity must be locked after 5 cumulative failures")
	}
}

func TestClearAttemptsUnlocks(t *testing.T) {
	h := newHarness(t, testConfig())
	handle := h.login(t).Handle
	for i := 0; i < 5; i++ {
		h.submit(t, handle, StepOTP, "000000")
	}

	if err := h.engine.ClearAttempts(context.Background(), aliceSubject, classIndiv); err != nil {
		t.Fatalf("ClearAttempts: %v", err)
	}
	st, err := h.engine.AttemptStatus(context.Background(), aliceSubject, classIndiv)
	if err != nil {
		t.Fatalf("AttemptStatus: %v", err)
	}
	if st.Locked {
		t.Fatal("expected unlocked after clear")
	}
	requireStatus(t, h.login(t), StatusInProgress, ReasonNone)
}

func TestMetricsCountOutcomes(t *testing.T) {
	h := newHarness(t, testConfig())
	handle := h.login(t).Handle
	h.submit(t, handle, StepSMS, "x")
	h.submit(t, handle, StepOTP, "000000")
	h.submit(t, handle, StepOTP, "111111")
	h.submit(t, handle, StepSMS, "222222")

	snap := h.engine.MetricsSnapshot()
	checks := map[MetricID]uint64{
		MetricLoginStarted:   1,
		MetricStepMismatch:   1,
		MetricFactorFailure:  1,
		MetricFactorSuccess:  3,
		MetricLoginCompleted: 1,
	}
	for id, want := range checks {
		if got := snap.Counters[id]; got != want {
			t.Fatalf("metric %d: expected %d, got %d", id, want, got)
		}
	}
}

func TestBuildRequiresCollaborators(t *testing.T) {
	_, rdb := newTestRedis(t)

	if _, err := New().WithRedis(rdb).Build(); err == nil {
		t.Fatal("expected error without identity verifier")
	}
	if _, err := New().WithIdentityVerifier(newFakeDirectory()).Build(); err == nil {
		t.Fatal("expected error without redis")
	}

	b := New().
		WithRedis(rdb).
		WithIdentityVerifier(newFakeDirectory()).
		WithStepPolicy(&fakePolicy{}).
		WithSecondFactorVerifier(&fakeVerifier{})
	if _, err := b.Build(); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, err := b.Build(); err == nil {
		t.Fatal("builder must not build twice")
	}
}

func TestNilEngineNotReady(t *testing.T) {
	var e *Engine
	if _, err := e.Login(context.Background(), aliceSubject, classIndiv); !errors.Is(err, ErrEngineNotReady) {
		t.Fatalf("expected ErrEngineNotReady, got %v", err)
	}
	if e.AuditDropped() != 0 {
		t.Fatal("nil engine reports no drops")
	}
}
