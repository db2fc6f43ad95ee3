package session

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRedisUnavailable wraps Redis failures.
var ErrRedisUnavailable = errors.New("redis unavailable")

// ErrTokenNotFound is returned when no record matches the token.
var ErrTokenNotFound = errors.New("session token not found")

// ErrTokenExpired is returned when the record exists but has lapsed.
var ErrTokenExpired = errors.New("session token expired")

// ErrTokenCorrupt is returned when a stored record cannot be parsed.
var ErrTokenCorrupt = errors.New("session token record corrupt")

const (
	extendStatusNotFound int64 = 0
	extendStatusExpired  int64 = 1
	extendStatusMismatch int64 = 2
	extendStatusExtended int64 = 3
)

const extendScript = `
local vals = redis.call("HMGET", KEYS[1], "sh", "exp", "cap")
if not vals[1] then
  return {0}
end
if vals[1] ~= ARGV[1] then
  return {2}
end

local exp = tonumber(vals[2])
local cap = tonumber(vals[3]) or 0
local now = tonumber(ARGV[2])
if not exp or exp <= now then
  redis.call("DEL", KEYS[1])
  return {1}
end

local nxt = now + tonumber(ARGV[3])
if cap > 0 and nxt > cap then
  nxt = cap
end
if nxt > exp then
  redis.call("HSET", KEYS[1], "exp", nxt)
  redis.call("PEXPIRE", KEYS[1], nxt - now)
  exp = nxt
end
return {3, exp}
`

var extendLua = redis.NewScript(extendScript)

const deleteScript = `
local sh = redis.call("HGET", KEYS[1], "sh")
if not sh or sh ~= ARGV[1] then
  return 0
end
return redis.call("DEL", KEYS[1])
`

var deleteLua = redis.NewScript(deleteScript)

// Store is the Redis persistence for session tokens.
type Store struct {
	redis  redis.UniversalClient
	prefix string
}

// NewStore creates a Store. prefix sets the key namespace.
func NewStore(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "ast"
	}
	return &Store{redis: client, prefix: prefix}
}

func (s *Store) key(id string) string {
	return s.prefix + ":" + id
}

// Save writes a new token record with a TTL matching its expiry.
func (s *Store) Save(ctx context.Context, t *Token, now time.Time) error {
	ttl := t.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return ErrTokenExpired
	}
	key := s.key(t.ID)

	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"sub", t.SubjectKey,
			"cls", t.AccountClass,
			"aid", t.AccountID,
			"sh", hex.EncodeToString(t.SecretHash[:]),
			"iat", t.IssuedAt.UnixMilli(),
			"exp", t.ExpiresAt.UnixMilli(),
			"cap", unixMilliOrZero(t.MaxExpiresAt),
		)
		pipe.PExpire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Get loads a token and checks the secret hash and expiry.
func (s *Store) Get(ctx context.Context, id string, secretHash [32]byte, now time.Time) (*Token, error) {
	vals, err := s.redis.HMGet(ctx, s.key(id), "sub", "cls", "aid", "sh", "iat", "exp", "cap").Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if vals[3] == nil {
		return nil, ErrTokenNotFound
	}

	t, err := decodeToken(id, vals)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(t.SecretHash[:], secretHash[:]) != 1 {
		return nil, ErrTokenNotFound
	}
	if !now.Before(t.ExpiresAt) {
		return nil, ErrTokenExpired
	}
	return t, nil
}

// Extend moves expiry to min(now+idle, cap) if that is later than the
// current expiry, and returns the resulting expiry. It never shortens.
func (s *Store) Extend(ctx context.Context, id string, secretHash [32]byte, now time.Time, idle time.Duration) (time.Time, error) {
	res, err := extendLua.Run(ctx, s.redis,
		[]string{s.key(id)},
		hex.EncodeToString(secretHash[:]),
		now.UnixMilli(),
		idle.Milliseconds(),
	).Slice()
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(res) == 0 {
		return time.Time{}, ErrTokenCorrupt
	}
	status, _ := res[0].(int64)
	switch status {
	case extendStatusExtended:
		if len(res) < 2 {
			return time.Time{}, ErrTokenCorrupt
		}
		exp, _ := res[1].(int64)
		return time.UnixMilli(exp), nil
	case extendStatusExpired:
		return time.Time{}, ErrTokenExpired
	case extendStatusNotFound, extendStatusMismatch:
		return time.Time{}, ErrTokenNotFound
	default:
		return time.Time{}, ErrTokenCorrupt
	}
}

// Delete removes the token if the secret matches. Deleting a missing
// token is not an error.
func (s *Store) Delete(ctx context.Context, id string, secretHash [32]byte) (bool, error) {
	n, err := deleteLua.Run(ctx, s.redis, []string{s.key(id)}, hex.EncodeToString(secretHash[:])).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return n > 0, nil
}

func decodeToken(id string, vals []interface{}) (*Token, error) {
	if len(vals) != 7 {
		return nil, ErrTokenCorrupt
	}
	strs := make([]string, len(vals))
	for i, v := range vals {
		if v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			return nil, ErrTokenCorrupt
		}
		strs[i] = s
	}

	t := &Token{
		ID:           id,
		SubjectKey:   strs[0],
		AccountClass: strs[1],
		AccountID:    strs[2],
	}
	raw, err := hex.DecodeString(strs[3])
	if err != nil || len(raw) != len(t.SecretHash) {
		return nil, ErrTokenCorrupt
	}
	copy(t.SecretHash[:], raw)

	times := []*time.Time{&t.IssuedAt, &t.ExpiresAt, &t.MaxExpiresAt}
	for i, dst := range times {
		s := strs[4+i]
		if s == "" {
			continue
		}
		ms, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, ErrTokenCorrupt
		}
		if ms > 0 {
			*dst = time.UnixMilli(ms)
		}
	}
	return t, nil
}

func unixMilliOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
