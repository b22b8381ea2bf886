package transport

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotConnected is returned by Emit when there is no live connection.
var ErrNotConnected = errors.New("not connected")

// ReasonClientDisconnect is the disconnect reason reported when the caller
// closed the connection.
const ReasonClientDisconnect = "io client disconnect"

// AckFunc receives the acknowledgment payload for an emitted event.
type AckFunc func(payload json.RawMessage)

// Transport is a single real-time connection.
type Transport interface {
	// Connect starts connecting. The outcome is reported to the Listener.
	Connect(ctx context.Context) error

	// Disconnect closes the connection. The Listener receives OnDisconnect
	// with ReasonClientDisconnect.
	Disconnect() error

	// Emit writes an event. ack, if non-nil, runs when the peer acknowledges.
	Emit(event string, payload json.RawMessage, ack AckFunc) error

	// Connected returns current connection state.
	Connected() bool
}

// Listener receives lifecycle notifications and inbound events from a
// Transport. Methods may be called from any goroutine.
type Listener interface {
	OnConnect()
	OnDisconnect(reason string)
	OnUnauthorized()
	OnConnectError(err error)
	OnMessage(event string, payload json.RawMessage)
}

// Factory creates transports authenticated with a token.
type Factory interface {
	New(token string, l Listener) Transport
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(token string, l Listener) Transport

// New calls f(token, l).
func (f FactoryFunc) New(token string, l Listener) Transport {
	return f(token, l)
}
