// Package lockout defines the per-identity attempt record, the progressive
// backoff policy, and the store contract that gates every verification.
//
// A Store is the single source of truth for lockout decisions. Lock
// expiry is an absolute wall-clock timestamp so a restart or a second
// process never forgets an active cooldown.
package lockout
