// Package stores provides the Redis-backed store for in-flight login
// sessions (AuthSession records).
//
// # Design
//
// Each record is a versioned, binary-encoded blob in Redis with a short
// TTL that is refreshed on every save. Requests that mutate a session
// first take a per-handle lease so concurrent submissions against one
// handle serialize and never observe a torn record.
//
// # Architecture boundaries
//
// This package owns persistence and per-handle serialization. It does NOT
// decide step transitions or lockout. Those belong to internal/flows.
//
// # What this package must NOT do
//
//   - Import goStepAuth.
//   - Persist submitted codes or second-factor secrets.
package stores
