// Package policy provides a static StepPolicyProvider driven by per
// account-class rules, typically loaded from a YAML file.
//
// A rule change takes effect for the next Login only; sessions already in
// flight keep the step list frozen when they started.
package policy
