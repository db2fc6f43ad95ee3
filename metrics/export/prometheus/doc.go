// Package prometheus renders goStepAuth counters and the SubmitFactor latency
// histogram in Prometheus text exposition format.
//
// The exporter reads snapshots on demand and never registers anything in a
// global registry. Mount [Exporter.Handler] on whatever mux serves /metrics.
package prometheus
