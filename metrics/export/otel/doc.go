// Package otel binds goStepAuth metric snapshots to OpenTelemetry observable
// instruments. Callers own the MeterProvider and pass in a Meter.
package otel
