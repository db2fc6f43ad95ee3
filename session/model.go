package session

import "time"

// Token is the server-side view of an issued session token.
type Token struct {
	ID           string
	SubjectKey   string
	AccountClass string
	AccountID    string
	SecretHash   [32]byte
	IssuedAt     time.Time
	ExpiresAt    time.Time
	// MaxExpiresAt is zero when no absolute lifetime is configured.
	MaxExpiresAt time.Time
}

// Issued is what a caller receives: the opaque value plus its record.
type Issued struct {
	Opaque string
	Token  Token
}
