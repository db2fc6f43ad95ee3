package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	goStepAuth "github.com/MrEthical07/goStepAuth"
	"github.com/MrEthical07/goStepAuth/factor"
	"github.com/MrEthical07/goStepAuth/identity/memory"
	"github.com/MrEthical07/goStepAuth/policy"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

const (
	goodCode  = "424242"
	badCode   = "000000"
	loadClass = "individual"
)

func main() {
	var (
		identities  = flag.Int("identities", 2000, "number of identities to seed")
		concurrency = flag.Int("concurrency", 128, "number of concurrent workers")
		race        = flag.Int("race", 16, "concurrent failing submits per identity in the lockout phase")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, STEPAUTH_REDIS_ADDR, REDIS_ADDR or miniredis is used")
	)
	flag.Parse()

	if *identities <= 0 || *concurrency <= 0 || *race <= 0 {
		fmt.Fprintln(os.Stderr, "identities, concurrency, and race must be > 0")
		os.Exit(2)
	}

	ctx := context.Background()

	addr := *redisAddr
	if addr == "" {
		addr = os.Getenv("STEPAUTH_REDIS_ADDR")
	}
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}

	var (
		cleanup func()
		client  redis.UniversalClient
	)
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start miniredis: %v\n", err)
			os.Exit(1)
		}
		addr = mr.Addr()
		client = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: []string{addr},
		})
		cleanup = func() {
			_ = client.Close()
			mr.Close()
		}
		fmt.Printf("using miniredis at %s\n", addr)
	} else {
		client = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: []string{addr},
		})
		cleanup = func() { _ = client.Close() }
		fmt.Printf("using redis at %s\n", addr)
	}
	defer cleanup()

	dir := memory.New()
	for i := 0; i < *identities; i++ {
		dir.Put(memory.Entry{
			SubjectKey:   subjectFor(i),
			AccountClass: loadClass,
			AccountID:    fmt.Sprintf("acct-%d", i),
			Active:       true,
			Secret:       "seeded",
		})
	}

	steps, err := policy.NewStatic(policy.File{
		Default: &policy.Rule{Steps: []string{"EMAIL", "OTP"}, MaxAttemptsPerStep: 5},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "policy: %v\n", err)
		os.Exit(1)
	}

	var calls sync.Map // account id -> *atomic.Int64
	verifier := factor.NewRouter().Handle(goStepAuth.StepOTP, factor.VerifierFunc(
		func(_ context.Context, _ goStepAuth.StepKind, accountID, code string) (goStepAuth.Verdict, error) {
			c, _ := calls.LoadOrStore(accountID, new(atomic.Int64))
			c.(*atomic.Int64).Add(1)
			if code == goodCode {
				return goStepAuth.VerdictSuccess, nil
			}
			return goStepAuth.VerdictFailure, nil
		}))

	cfg := goStepAuth.DefaultConfig()
	cfg.AuthSession.LockWait = 10 * time.Second
	cfg.Attempts.ReservationWait = 10 * time.Second

	engine, err := goStepAuth.New().
		WithConfig(cfg).
		WithRedis(client).
		WithIdentityVerifier(dir).
		WithSecondFactorEnroller(dir).
		WithStepPolicy(steps).
		WithSecondFactorVerifier(verifier).
		Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine build: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	half := *identities / 2
	if half == 0 {
		half = 1
	}

	completeStats := runCompletePhase(ctx, engine, 0, half, *concurrency)
	lockStats, violations := runLockoutPhase(ctx, engine, &calls, half, *identities, *race, *concurrency, cfg.Lockout.Threshold)

	fmt.Println("---- results ----")
	printStats("complete", completeStats)
	printStats("lockout", lockStats)
	if violations > 0 {
		fmt.Fprintf(os.Stderr, "lockout violations: %d\n", violations)
		os.Exit(1)
	}
}

func subjectFor(i int) string {
	return fmt.Sprintf("user-%d@load.test", i)
}

// runCompletePhase drives identities [from, to) through a full login.
func runCompletePhase(ctx context.Context, engine *goStepAuth.Engine, from, to, concurrency int) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, to-from)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := from + int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= to {
					return
				}
				t0 := time.Now()
				ok := completeLogin(ctx, engine, subjectFor(i))
				d := time.Since(t0)
				if !ok {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	total := time.Since(start)
	return computeStats(total, latencies, failures)
}

func completeLogin(ctx context.Context, engine *goStepAuth.Engine, subject string) bool {
	res, err := engine.Login(ctx, subject, loadClass)
	if err != nil || res.Status != goStepAuth.StatusInProgress {
		return false
	}
	res, err = engine.SubmitFactor(ctx, res.Handle, goStepAuth.StepOTP, goodCode)
	return err == nil && res.Status == goStepAuth.StatusCompleted && res.Token != nil
}

// runLockoutPhase races `race` wrong submissions per identity on one handle
// and checks that the verifier never saw more than threshold of them and
// that every blocked result carried the same unlock time.
func runLockoutPhase(ctx context.Context, engine *goStepAuth.Engine, calls *sync.Map, from, to, race, concurrency int, threshold uint32) (phaseStats, int64) {
	var (
		wg         sync.WaitGroup
		cursor     int64
		failures   int64
		violations int64
		latencies  = make([]time.Duration, 0, (to-from)*race)
		mu         sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := from + int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= to {
					return
				}
				res, err := engine.Login(ctx, subjectFor(i), loadClass)
				if err != nil || res.Status != goStepAuth.StatusInProgress {
					atomic.AddInt64(&failures, 1)
					continue
				}

				var (
					inner    sync.WaitGroup
					unlockMu sync.Mutex
					unlocks  = map[int64]struct{}{}
				)
				for r := 0; r < race; r++ {
					inner.Add(1)
					go func() {
						defer inner.Done()
						t0 := time.Now()
						out, err := engine.SubmitFactor(ctx, res.Handle, goStepAuth.StepOTP, badCode)
						d := time.Since(t0)
						if err != nil {
							atomic.AddInt64(&failures, 1)
						} else if out.Status == goStepAuth.StatusBlocked {
							unlockMu.Lock()
							unlocks[out.UnlockAt.UnixMilli()] = struct{}{}
							unlockMu.Unlock()
						}
						mu.Lock()
						latencies = append(latencies, d)
						mu.Unlock()
					}()
				}
				inner.Wait()

				if len(unlocks) > 1 {
					atomic.AddInt64(&violations, 1)
				}
				if c, ok := calls.Load(fmt.Sprintf("acct-%d", i)); ok && c.(*atomic.Int64).Load() > int64(threshold) {
					atomic.AddInt64(&violations, 1)
				}
			}
		}()
	}
	wg.Wait()
	total := time.Since(start)
	return computeStats(total, latencies, failures), violations
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}
