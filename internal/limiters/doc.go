// Package limiters provides the Redis-backed attempt store that enforces
// per-identity failure budgets and progressive lockout.
//
// # Architecture boundaries
//
// The store owns the "ala" key namespace for records and "alar" for
// per-identity reservations. Lock arithmetic comes from lockout.Policy;
// this package only persists and serializes.
//
// # What this package must NOT do
//
//   - Import goStepAuth or any flow package.
//   - Decide session consequences of a lock. Flow functions do that.
package limiters
