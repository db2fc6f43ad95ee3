package lease

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrBusy is returned when the lease stays held past the wait budget.
	ErrBusy = errors.New("lease busy")
	// ErrBackend wraps Redis failures.
	ErrBackend = errors.New("lease backend unavailable")
)

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

var releaseLua = redis.NewScript(releaseScript)

const retryInterval = 5 * time.Millisecond

// Locker hands out exclusive per-key leases stored in Redis. A lease
// expires on its own after TTL so a crashed holder cannot wedge a key.
type Locker struct {
	redis  redis.UniversalClient
	prefix string
	ttl    time.Duration
	wait   time.Duration
}

// NewLocker creates a Locker. prefix namespaces lease keys.
func NewLocker(client redis.UniversalClient, prefix string, ttl, wait time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &Locker{redis: client, prefix: prefix, ttl: ttl, wait: wait}
}

// Lease is a held lock. Release is safe to call more than once.
type Lease struct {
	locker *Locker
	key    string
	token  string
}

// Acquire blocks until the lease for id is obtained, the wait budget runs
// out (ErrBusy), or ctx is done.
func (l *Locker) Acquire(ctx context.Context, id string) (*Lease, error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	key := l.prefix + ":" + id
	deadline := time.Now().Add(l.wait)

	for {
		ok, err := l.redis.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBackend, err)
		}
		if ok {
			return &Lease{locker: l, key: key, token: token}, nil
		}
		if !time.Now().Before(deadline) {
			return nil, ErrBusy
		}

		timer := time.NewTimer(retryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// Release drops the lease if it is still ours. Cancellation of ctx is
// ignored so a caller that went away still frees the key.
func (le *Lease) Release(ctx context.Context) error {
	if le == nil || le.token == "" {
		return nil
	}
	ctx = context.WithoutCancel(ctx)
	token := le.token
	le.token = ""
	if err := releaseLua.Run(ctx, le.locker.redis, []string{le.key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return nil
}

func newToken() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}
