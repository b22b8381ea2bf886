// Package connection implements the Connection Manager.
//
// The Connection Manager:
//   - Owns one transport at a time and recreates it when the credential changes
//   - Reconnects with exponential backoff and gives up after MaxRetries
//   - Fetches tokens and recovers from unauthorized sessions
//   - Routes outbound emits and inbound events through the middleware pipeline
//   - Queues emits while offline and flushes them in order on connect
//   - Samples round-trip latency while connected
//
// Transitions are serialized under one lock. Hooks, transport calls and
// queue flushes run after the lock is released, so hooks may call back into
// the Manager.
package connection
