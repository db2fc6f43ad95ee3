// Package flows holds the step machine and the orchestration functions
// behind Login, SubmitFactor, CompleteSecondFactorSetup and Reset.
//
// RunLogin, RunSubmitFactor, RunCompleteSecondFactorSetup and RunReset take an
// [AuthDeps] struct of collaborator functions and return an [AuthOutcome].
// [PlanSteps] and [Advance] decide transitions and know nothing about storage.
//
// # Architecture boundaries
//
// Flows decide what happens on a submission: which step is next, whether
// a failure is charged, when to block and when to issue. They do NOT own
// the Redis clients, the attempt store or the session issuer. The Engine
// wires those in through AuthDeps.
//
// # What this package must NOT do
//
//   - Hold mutable state between calls.
//   - Import goStepAuth (to avoid import cycles).
//   - Perform I/O directly. All I/O goes through AuthDeps.
package flows
