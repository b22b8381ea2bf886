// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Connection state and state transitions
//   - Reconnect attempts and give-ups
//   - Offline queue length, overflow drops and flushed emits
//   - Round-trip latency
package metrics
