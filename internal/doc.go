// Package internal holds helpers private to goStepAuth: session token ids,
// secrets and their opaque encoding.
//
// # Sub-packages
//
//   - audit: async event dispatch (Dispatcher + Sink implementations)
//   - flows: step machine and the login orchestration functions
//   - lease: Redis-backed per-key mutual exclusion
//   - limiters: Redis attempt store with progressive lockout
//   - metrics: lock-free counters and latency histograms
//   - stores: in-flight auth session records
//
// # What this package must NOT do
//
//   - Export types that appear in the public goStepAuth API.
//   - Be imported by any package outside the goStepAuth module.
package internal
