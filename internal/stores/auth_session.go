package stores

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/MrEthical07/goStepAuth/internal/lease"
	"github.com/redis/go-redis/v9"
)

const (
	authSessionRecordVersion1 = 1
	maxAuthSessionSteps       = 16
)

var (
	ErrAuthSessionNotFound = errors.New("auth session not found")
	ErrAuthSessionExpired  = errors.New("auth session expired")
	ErrAuthSessionBusy     = errors.New("auth session busy")
	ErrAuthSessionBackend  = errors.New("auth session backend unavailable")
	ErrAuthSessionCorrupt  = errors.New("auth session record corrupt")
)

// AuthSession is the persisted state of one login flow.
type AuthSession struct {
	Handle                 string
	SubjectKey             string
	AccountClass           string
	AccountID              string
	Contact                string
	Steps                  []uint8
	Index                  uint32
	AttemptsThisStep       uint32
	MaxAttempts            uint32
	FirstTime              bool
	SecondFactorConfigured bool
	Terminal               uint8
	UnlockAt               int64
	CreatedAt              int64
	ExpiresAt              int64
}

// AuthSessionStore persists AuthSession records.
type AuthSessionStore struct {
	redis  redis.UniversalClient
	prefix string
	locks  *lease.Locker
}

// NewAuthSessionStore creates a store. lockTTL bounds how long a crashed
// request can hold a handle; lockWait bounds how long a racing request
// queues behind the holder.
func NewAuthSessionStore(redisClient redis.UniversalClient, prefix string, lockTTL, lockWait time.Duration) *AuthSessionStore {
	if prefix == "" {
		prefix = "aas"
	}
	return &AuthSessionStore{
		redis:  redisClient,
		prefix: prefix,
		locks:  lease.NewLocker(redisClient, prefix+"l", lockTTL, lockWait),
	}
}

func (s *AuthSessionStore) key(handle string) string {
	return s.prefix + ":" + handle
}

// Lock serializes work on one handle. The returned func releases it.
func (s *AuthSessionStore) Lock(ctx context.Context, handle string) (func(context.Context), error) {
	le, err := s.locks.Acquire(ctx, handle)
	if err != nil {
		if errors.Is(err, lease.ErrBusy) {
			return nil, ErrAuthSessionBusy
		}
		return nil, fmt.Errorf("%w: %v", ErrAuthSessionBackend, err)
	}
	return func(ctx context.Context) { _ = le.Release(ctx) }, nil
}

// Save writes the record with the given TTL.
func (s *AuthSessionStore) Save(ctx context.Context, record *AuthSession, ttl time.Duration) error {
	encoded, err := encodeAuthSession(record)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.key(record.Handle), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrAuthSessionBackend, err)
	}
	return nil
}

// Get loads a record. Records past ExpiresAt are removed and reported as
// expired even if Redis has not evicted them yet.
func (s *AuthSessionStore) Get(ctx context.Context, handle string, now time.Time) (*AuthSession, error) {
	data, err := s.redis.Get(ctx, s.key(handle)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrAuthSessionNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrAuthSessionBackend, err)
	}

	record, err := decodeAuthSession(data)
	if err != nil {
		return nil, err
	}
	record.Handle = handle
	if now.Unix() >= record.ExpiresAt {
		_, _ = s.redis.Del(ctx, s.key(handle)).Result()
		return nil, ErrAuthSessionExpired
	}
	return record, nil
}

// Delete removes a record. Missing records are not an error.
func (s *AuthSessionStore) Delete(ctx context.Context, handle string) (bool, error) {
	n, err := s.redis.Del(ctx, s.key(handle)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrAuthSessionBackend, err)
	}
	return n > 0, nil
}

func encodeAuthSession(record *AuthSession) ([]byte, error) {
	if len(record.Steps) == 0 || len(record.Steps) > maxAuthSessionSteps {
		return nil, errors.New("auth session step list length invalid")
	}

	var buf bytes.Buffer
	buf.WriteByte(authSessionRecordVersion1)

	var flags uint8
	if record.FirstTime {
		flags |= 1
	}
	if record.SecondFactorConfigured {
		flags |= 2
	}
	buf.WriteByte(flags)
	buf.WriteByte(record.Terminal)

	for _, v := range []interface{}{
		record.Index,
		record.AttemptsThisStep,
		record.MaxAttempts,
		record.UnlockAt,
		record.CreatedAt,
		record.ExpiresAt,
	} {
		if err := binary.Write(&buf, binary.BigEndian, v); err != nil {
			return nil, err
		}
	}

	buf.WriteByte(uint8(len(record.Steps)))
	buf.Write(record.Steps)

	for _, s := range []string{record.SubjectKey, record.AccountClass, record.AccountID, record.Contact} {
		if len(s) > 65535 {
			return nil, errors.New("auth session field length exceeded")
		}
		if err := binary.Write(&buf, binary.BigEndian, uint16(len(s))); err != nil {
			return nil, err
		}
		buf.WriteString(s)
	}

	return buf.Bytes(), nil
}

func decodeAuthSession(data []byte) (*AuthSession, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, ErrAuthSessionCorrupt
	}
	if version != authSessionRecordVersion1 {
		return nil, fmt.Errorf("%w: version %d", ErrAuthSessionCorrupt, version)
	}

	record := &AuthSession{}
	flags, err := reader.ReadByte()
	if err != nil {
		return nil, ErrAuthSessionCorrupt
	}
	record.FirstTime = flags&1 != 0
	record.SecondFactorConfigured = flags&2 != 0
	if record.Terminal, err = reader.ReadByte(); err != nil {
		return nil, ErrAuthSessionCorrupt
	}

	for _, v := range []interface{}{
		&record.Index,
		&record.AttemptsThisStep,
		&record.MaxAttempts,
		&record.UnlockAt,
		&record.CreatedAt,
		&record.ExpiresAt,
	} {
		if err := binary.Read(reader, binary.BigEndian, v); err != nil {
			return nil, ErrAuthSessionCorrupt
		}
	}

	stepCount, err := reader.ReadByte()
	if err != nil || stepCount == 0 || stepCount > maxAuthSessionSteps {
		return nil, ErrAuthSessionCorrupt
	}
	record.Steps = make([]uint8, stepCount)
	if _, err := io.ReadFull(reader, record.Steps); err != nil {
		return nil, ErrAuthSessionCorrupt
	}

	fields := []*string{&record.SubjectKey, &record.AccountClass, &record.AccountID, &record.Contact}
	for _, f := range fields {
		var n uint16
		if err := binary.Read(reader, binary.BigEndian, &n); err != nil {
			return nil, ErrAuthSessionCorrupt
		}
		b := make([]byte, n)
		if _, err := io.ReadFull(reader, b); err != nil {
			return nil, ErrAuthSessionCorrupt
		}
		*f = string(b)
	}

	return record, nil
}
