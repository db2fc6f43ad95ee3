// Package session mints and maintains post-authentication session tokens.
//
// A token is an opaque base64url value packing a random id and a random
// secret. Redis keeps one hash per token holding the identity, the secret
// hash, the sliding expiry and the absolute cap. Refresh runs as a single
// Lua script so concurrent refreshes only ever move expiry forward.
//
// # Architecture boundaries
//
// This package owns the [Store] (Redis operations) and the [Issuer]
// (expiry policy). It does NOT decide when a login is complete; the
// Engine calls [Issuer.Issue] only from a COMPLETED transition.
//
// # What this package must NOT do
//
//   - Import goStepAuth or jwt.
//   - Persist the plaintext secret half of a token.
package session
