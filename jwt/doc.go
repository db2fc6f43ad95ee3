// Package jwt mints and verifies short-lived signed session assertions.
//
// An assertion is a JWT bound to one opaque session token (by its id) so
// downstream services can check a login without a Redis round-trip. Its
// expiry never outlives the session token it was minted for.
package jwt
