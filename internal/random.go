package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
)

// TokenID identifies a session token record.
type TokenID [16]byte

const (
	sessionTokenRawSize = 48
	sessionSecretSize   = 32
)

// NewTokenID returns a random id.
func NewTokenID() (TokenID, error) {
	var id TokenID
	_, err := rand.Read(id[:])
	return id, err
}

func (t TokenID) String() string {
	// base64url, no padding, compact
	return base64.RawURLEncoding.EncodeToString(t[:])
}

// NewSessionSecret returns the random half of an opaque session token.
func NewSessionSecret() ([sessionSecretSize]byte, error) {
	var secret [sessionSecretSize]byte
	_, err := rand.Read(secret[:])
	return secret, err
}

// HashSessionSecret is what gets stored server side.
func HashSessionSecret(secret [sessionSecretSize]byte) [32]byte {
	return sha256.Sum256(secret[:])
}

// EncodeSessionToken packs id||secret into the opaque value handed to the
// caller.
func EncodeSessionToken(id TokenID, secret [sessionSecretSize]byte) string {
	var raw [sessionTokenRawSize]byte
	copy(raw[:len(id)], id[:])
	copy(raw[len(id):], secret[:])

	return base64.RawURLEncoding.EncodeToString(raw[:])
}

// DecodeSessionToken reverses EncodeSessionToken.
func DecodeSessionToken(token string) (TokenID, [sessionSecretSize]byte, error) {
	var id TokenID
	var secret [sessionSecretSize]byte

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return id, secret, err
	}
	if len(raw) != sessionTokenRawSize {
		return id, secret, errors.New("invalid session token size")
	}

	copy(id[:], raw[:len(id)])
	copy(secret[:], raw[len(id):])

	return id, secret, nil
}
