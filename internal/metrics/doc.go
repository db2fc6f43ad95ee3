// Package metrics counts login outcomes and times SubmitFactor.
//
// Each [MetricID] owns one cache-line-padded counter, bumped with
// sync/atomic, so the write path never locks or allocates. The optional
// latency histogram has eight fixed buckets from 5ms to +Inf.
//
// Exporters under metrics/export read [Snapshot] values; nothing here
// touches the network or a global registry, and the package must not
// import goStepAuth.
package metrics
