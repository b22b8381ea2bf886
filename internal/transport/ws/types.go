package ws

import (
	"encoding/json"
	"time"

	"github.com/bytedance/sonic"
)

// Frame types.
const (
	FrameEvent = "event"
	FrameAck   = "ack"
)

// EventUnauthorized is sent by the server when it revokes the session.
const EventUnauthorized = "unauthorized"

// Disconnect reasons reported to the listener.
const (
	ReasonServerDisconnect = "io server disconnect"
	ReasonTransportClose   = "transport close"
	ReasonTransportError   = "transport error"
	ReasonPingTimeout      = "ping timeout"
)

// Frame is the JSON envelope carried in every text message.
//
// Events carry an ID only when the sender expects an ack; the ack frame
// echoes that ID.
type Frame struct {
	Type  string          `json:"type"`            // "event" or "ack"
	Event string          `json:"event,omitempty"` // Event name (events only)
	ID    uint64          `json:"id,omitempty"`    // Ack correlation ID
	Data  json.RawMessage `json:"data,omitempty"`  // Event payload or ack payload
}

// EncodeFrame serializes a frame for the wire.
func EncodeFrame(f Frame) ([]byte, error) {
	return sonic.Marshal(&f)
}

// DecodeFrame parses a frame from the wire.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := sonic.Unmarshal(data, &f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Config configures a WebSocket client.
type Config struct {
	URL              string        // WebSocket URL (e.g., wss://rt.example.com/socket)
	Token            string        // Bearer token sent in the Authorization header
	HandshakeTimeout time.Duration // Dial + upgrade timeout
	PingInterval     time.Duration // Keepalive ping interval
	PingTimeout      time.Duration // Max time without ping/pong before considering connection stale
	WriteTimeout     time.Duration // Write deadline for sends
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		PingTimeout:      60 * time.Second,
		WriteTimeout:     5 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.PingInterval == 0 {
		c.PingInterval = def.PingInterval
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = def.PingTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = def.WriteTimeout
	}
}
