// Package memory is an in-process IdentityVerifier backed by a map. It
// also stores enrolled second-factor secrets, so one Directory can serve
// as identity source, enroller and TOTP secret source.
package memory

import (
	"context"
	"fmt"
	"sync"

	goStepAuth "github.com/MrEthical07/goStepAuth"
	"github.com/MrEthical07/goStepAuth/factor/totp"
	"github.com/MrEthical07/goStepAuth/lockout"
)

// Entry is one account as seeded into the directory.
type Entry struct {
	SubjectKey   string `yaml:"subject" validate:"required,email"`
	AccountClass string `yaml:"class" validate:"required"`
	AccountID    string `yaml:"account_id" validate:"required"`
	Contact      string `yaml:"contact"`
	Active       bool   `yaml:"active"`
	Secret       string `yaml:"secret"`
}

type record struct {
	account goStepAuth.Account
	secret  []byte
}

// Directory is safe for concurrent use.
type Directory struct {
	mu        sync.RWMutex
	byKey     map[string]string
	byAccount map[string]*record
}

var (
	_ goStepAuth.IdentityVerifier     = (*Directory)(nil)
	_ goStepAuth.SecondFactorEnroller = (*Directory)(nil)
	_ totp.SecretSource               = (*Directory)(nil)
)

// New returns a Directory seeded with entries.
func New(entries ...Entry) *Directory {
	d := &Directory{
		byKey:     map[string]string{},
		byAccount: map[string]*record{},
	}
	for _, e := range entries {
		d.Put(e)
	}
	return d
}

func indexKey(subject, class string) string {
	return lockout.Key{SubjectKey: lockout.NormalizeSubject(subject), AccountClass: class}.String()
}

// Put adds or replaces an account.
func (d *Directory) Put(e Entry) {
	rec := &record{
		account: goStepAuth.Account{
			ID:                     e.AccountID,
			Contact:                e.Contact,
			Active:                 e.Active,
			SecondFactorConfigured: e.Secret != "",
		},
	}
	if e.Secret != "" {
		rec.secret = []byte(e.Secret)
	}

	d.mu.Lock()
	d.byKey[indexKey(e.SubjectKey, e.AccountClass)] = e.AccountID
	d.byAccount[e.AccountID] = rec
	d.mu.Unlock()
}

// SetActive toggles an account. Unknown ids are ignored.
func (d *Directory) SetActive(accountID string, active bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rec, ok := d.byAccount[accountID]; ok {
		rec.account.Active = active
	}
}

func (d *Directory) Resolve(_ context.Context, ident goStepAuth.Identity) (goStepAuth.Account, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	id, ok := d.byKey[indexKey(ident.SubjectKey, ident.AccountClass)]
	if !ok {
		return goStepAuth.Account{}, goStepAuth.ErrIdentityNotFound
	}
	return d.byAccount[id].account, nil
}

// EnrollSecondFactor stores secret and marks the account configured.
func (d *Directory) EnrollSecondFactor(_ context.Context, accountID string, secret []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.byAccount[accountID]
	if !ok {
		return fmt.Errorf("%w: account %s", goStepAuth.ErrIdentityNotFound, accountID)
	}
	rec.secret = append([]byte(nil), secret...)
	rec.account.SecondFactorConfigured = true
	return nil
}

// SecondFactorSecret returns a copy of the enrolled secret.
func (d *Directory) SecondFactorSecret(_ context.Context, accountID string) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rec, ok := d.byAccount[accountID]
	if !ok || len(rec.secret) == 0 {
		return nil, totp.ErrNoSecret
	}
	return append([]byte(nil), rec.secret...), nil
}
