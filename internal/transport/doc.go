// Package transport defines the contract between the connection manager and
// a real-time transport client.
//
// Lifecycle notifications that a socket client would publish as named events
// (connect, disconnect, unauthorized, connect_error) are delivered through
// the typed Listener interface instead. The concrete WebSocket client lives
// in the ws subpackage.
package transport
