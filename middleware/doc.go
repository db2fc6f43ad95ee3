// Package middleware exposes HTTP guards for routes that require a
// completed login.
//
// # Guards
//
//   - [RequireSession] validates the opaque session token against the store.
//   - [RequireAssertion] verifies the signed assertion only, with no Redis call.
//
// Both read the Authorization bearer value and inject a [Principal] into
// the request context. All decisions are delegated to the Engine.
package middleware
