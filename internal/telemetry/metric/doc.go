// Package metric provides Prometheus metrics for ksefsync.
//
//   - prometheus.go: application registry and HTTP handler
//   - collector.go: collector reporting live sync run state
//
// Metrics cover part uploads, remote retries by class, poll attempts,
// export task outcomes, merged and duplicate records, and remote call
// latency. A Registry is optional everywhere: methods on a nil *Registry
// are no-ops.
package metric
