package session

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/goStepAuth/internal"
)

// ErrTokenMalformed is returned for values that are not session tokens.
var ErrTokenMalformed = errors.New("session token malformed")

// IssuerConfig holds token lifetime policy.
type IssuerConfig struct {
	IdleTimeout time.Duration
	// MaxLifetime caps expiry at IssuedAt+MaxLifetime. Zero disables the cap.
	MaxLifetime time.Duration
}

// Issuer applies lifetime policy on top of a Store.
type Issuer struct {
	store *Store
	cfg   IssuerConfig
}

// NewIssuer creates an Issuer.
func NewIssuer(store *Store, cfg IssuerConfig) *Issuer {
	return &Issuer{store: store, cfg: cfg}
}

// Issue mints a token expiring at now+IdleTimeout, capped by MaxLifetime.
func (i *Issuer) Issue(ctx context.Context, subjectKey, accountClass, accountID string, now time.Time) (*Issued, error) {
	id, err := internal.NewTokenID()
	if err != nil {
		return nil, err
	}
	secret, err := internal.NewSessionSecret()
	if err != nil {
		return nil, err
	}

	t := Token{
		ID:           id.String(),
		SubjectKey:   subjectKey,
		AccountClass: accountClass,
		AccountID:    accountID,
		SecretHash:   internal.HashSessionSecret(secret),
		IssuedAt:     now,
		ExpiresAt:    now.Add(i.cfg.IdleTimeout),
	}
	if i.cfg.MaxLifetime > 0 {
		t.MaxExpiresAt = now.Add(i.cfg.MaxLifetime)
		if t.ExpiresAt.After(t.MaxExpiresAt) {
			t.ExpiresAt = t.MaxExpiresAt
		}
	}

	if err := i.store.Save(ctx, &t, now); err != nil {
		return nil, err
	}
	return &Issued{Opaque: internal.EncodeSessionToken(id, secret), Token: t}, nil
}

// Refresh extends expiry on activity and returns the updated record.
// Concurrent refreshes are safe; expiry only moves forward.
func (i *Issuer) Refresh(ctx context.Context, opaque string, now time.Time) (*Token, error) {
	id, hash, err := parseOpaque(opaque)
	if err != nil {
		return nil, err
	}
	t, err := i.store.Get(ctx, id, hash, now)
	if err != nil {
		return nil, err
	}
	exp, err := i.store.Extend(ctx, id, hash, now, i.cfg.IdleTimeout)
	if err != nil {
		return nil, err
	}
	t.ExpiresAt = exp
	return t, nil
}

// Validate returns the record without touching expiry.
func (i *Issuer) Validate(ctx context.Context, opaque string, now time.Time) (*Token, error) {
	id, hash, err := parseOpaque(opaque)
	if err != nil {
		return nil, err
	}
	return i.store.Get(ctx, id, hash, now)
}

// Invalidate deletes the token. It is idempotent: unknown or already
// deleted tokens return nil.
func (i *Issuer) Invalidate(ctx context.Context, opaque string) error {
	id, hash, err := parseOpaque(opaque)
	if err != nil {
		return err
	}
	_, err = i.store.Delete(ctx, id, hash)
	return err
}

func parseOpaque(opaque string) (string, [32]byte, error) {
	id, secret, err := internal.DecodeSessionToken(opaque)
	if err != nil {
		return "", [32]byte{}, ErrTokenMalformed
	}
	return id.String(), internal.HashSessionSecret(secret), nil
}
