// Package goStepAuth is a multi-step login orchestrator. It resolves an
// identity, walks the caller through the step list a policy requires
// (one-time codes, SMS codes, first-time second-factor enrollment), applies
// progressive lockout per identity and issues an opaque session token once
// every step has passed.
//
// Engine methods are safe for concurrent use after [Builder.Build].
//
// # Architecture boundaries
//
// This package is the public surface: [Engine], [Builder], [Config] and the
// value types. Step sequencing lives in internal/flows, Redis persistence in
// internal/stores and internal/limiters, and token lifetime in session.
//
// # Outcomes versus errors
//
// Wrong codes, lockouts, step mismatches and collaborator outages are
// ordinary outcomes reported through [Result]. Only storage failures and
// misconfiguration come back as a non-nil error.
package goStepAuth
