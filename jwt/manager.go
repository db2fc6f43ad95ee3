package jwt

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SigningMethod names a supported signing algorithm.
type SigningMethod string

const (
	MethodEd25519 SigningMethod = "ed25519"
	MethodHS256   SigningMethod = "hs256"
)

const maxLeeway = 2 * time.Minute

var (
	errNoSigningKey = errors.New("assertion manager has no signing key")
	errUnknownKid   = errors.New("unknown kid")
)

// Config defines signing keys and validation rules for assertions.
//
// VerifyKeys, when set, replaces PublicKey for verification and selects the
// key by the token's kid header. KeyID is stamped on every signed token.
type Config struct {
	TTL           time.Duration
	SigningMethod SigningMethod
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
	KeyID         string
	VerifyKeys    map[string][]byte
}

// Manager signs and parses assertions. It is safe for concurrent use.
type Manager struct {
	ttl      time.Duration
	method   jwt.SigningMethod
	issuer   string
	audience string
	kid      string

	signKey   any
	verifyKey any
	byKid     map[string]any
	parser    []jwt.ParserOption
}

// AssertionClaims carries the identity behind one session token.
type AssertionClaims struct {
	SID          string `json:"sid"`
	AccountClass string `json:"cls"`
	AccountID    string `json:"aid"`
	jwt.RegisteredClaims
}

// NewManager validates cfg, decodes every key once and returns a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.TTL <= 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	if cfg.Leeway < 0 || cfg.Leeway > maxLeeway {
		return nil, errors.New("invalid leeway configuration")
	}

	m := &Manager{
		ttl:      cfg.TTL,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		kid:      strings.TrimSpace(cfg.KeyID),
	}

	var err error
	switch cfg.SigningMethod {
	case MethodHS256:
		if len(cfg.PrivateKey) == 0 {
			return nil, errors.New("hs256 requires private key")
		}
		m.method = jwt.SigningMethodHS256
		m.signKey = cfg.PrivateKey
		m.verifyKey = cfg.PrivateKey
	case MethodEd25519:
		m.method = jwt.SigningMethodEdDSA
		if len(cfg.PrivateKey) > 0 {
			if m.signKey, err = edPrivateKey(cfg.PrivateKey); err != nil {
				return nil, err
			}
		}
		if len(cfg.PublicKey) > 0 {
			if m.verifyKey, err = edPublicKey(cfg.PublicKey); err != nil {
				return nil, err
			}
		}
		if len(cfg.VerifyKeys) == 0 && m.verifyKey == nil {
			return nil, errors.New("ed25519 requires public key or verify key set")
		}
	default:
		return nil, errors.New("unsupported signing method")
	}

	if len(cfg.VerifyKeys) > 0 {
		m.byKid = make(map[string]any, len(cfg.VerifyKeys))
		for kid, raw := range cfg.VerifyKeys {
			if strings.TrimSpace(kid) == "" {
				return nil, errors.New("verify key map contains empty kid")
			}
			key, err := m.decodeVerifyKey(raw)
			if err != nil {
				return nil, fmt.Errorf("verify key for kid %q: %w", kid, err)
			}
			m.byKid[kid] = key
		}
		if m.kid != "" {
			if _, ok := m.byKid[m.kid]; !ok {
				return nil, errors.New("KeyID is not present in VerifyKeys")
			}
		}
	}

	m.parser = []jwt.ParserOption{
		jwt.WithValidMethods([]string{m.method.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	}
	if cfg.Leeway > 0 {
		m.parser = append(m.parser, jwt.WithLeeway(cfg.Leeway))
	}
	if cfg.Issuer != "" {
		m.parser = append(m.parser, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		m.parser = append(m.parser, jwt.WithAudience(cfg.Audience))
	}
	return m, nil
}

func (m *Manager) decodeVerifyKey(raw []byte) (any, error) {
	if m.method == jwt.SigningMethodHS256 {
		return raw, nil
	}
	return edPublicKey(raw)
}

// Create signs an assertion for session token sid. The expiry is
// now+TTL, pulled in to notAfter when that is earlier.
func (m *Manager) Create(sid, subject, accountClass, accountID string, now, notAfter time.Time) (string, time.Time, error) {
	if m.signKey == nil {
		return "", time.Time{}, errNoSigningKey
	}
	exp := now.Add(m.ttl)
	if !notAfter.IsZero() && notAfter.Before(exp) {
		exp = notAfter
	}

	claims := AssertionClaims{
		SID:          sid,
		AccountClass: accountClass,
		AccountID:    accountID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    m.issuer,
		},
	}
	if m.audience != "" {
		claims.Audience = jwt.ClaimStrings{m.audience}
	}

	token := jwt.NewWithClaims(m.method, claims)
	if m.kid != "" {
		token.Header["kid"] = m.kid
	}
	signed, err := token.SignedString(m.signKey)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Parse verifies signature, algorithm, issuer, audience and expiry
// against now.
func (m *Manager) Parse(tokenStr string, now time.Time) (*AssertionClaims, error) {
	opts := append([]jwt.ParserOption{jwt.WithTimeFunc(func() time.Time { return now })}, m.parser...)
	token, err := jwt.NewParser(opts...).ParseWithClaims(tokenStr, &AssertionClaims{}, m.keyFor)
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*AssertionClaims)
	if !ok || !token.Valid || claims.SID == "" {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

func (m *Manager) keyFor(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	if m.byKid != nil {
		key, ok := m.byKid[kid]
		if !ok {
			return nil, errUnknownKid
		}
		return key, nil
	}
	if m.kid != "" && kid != m.kid {
		return nil, errUnknownKid
	}
	return m.verifyKey, nil
}

func edPrivateKey(raw []byte) (ed25519.PrivateKey, error) {
	if len(raw) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(raw), nil
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(raw)
	if err != nil {
		return nil, errors.New("invalid ed25519 private key")
	}
	key, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("invalid ed25519 private key type")
	}
	return key, nil
}

func edPublicKey(raw []byte) (ed25519.PublicKey, error) {
	if len(raw) == ed25519.PublicKeySize {
		return ed25519.PublicKey(raw), nil
	}
	parsed, err := jwt.ParseEdPublicKeyFromPEM(raw)
	if err != nil {
		return nil, errors.New("invalid ed25519 public key")
	}
	key, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("invalid ed25519 public key type")
	}
	return key, nil
}
