package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/sockline/internal/transport"
)

// client implements transport.Transport over a gorilla WebSocket.
type client struct {
	cfg      Config
	listener transport.Listener
	logger   *slog.Logger

	// Write serialization
	writeMu sync.Mutex

	// State
	mu         sync.Mutex
	conn       *websocket.Conn
	done       chan struct{} // closed when the current conn is torn down
	connected  bool
	connecting bool
	closing    bool // caller-initiated disconnect in progress
	abort      bool // Disconnect called while dialing
	lastPingAt time.Time

	// Ack correlation
	pending map[uint64]transport.AckFunc
	nextID  uint64
}

// NewClient creates a new WebSocket transport.
func NewClient(cfg Config, l transport.Listener, logger *slog.Logger) transport.Transport {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()

	return &client{
		cfg:      cfg,
		listener: l,
		logger:   logger,
	}
}

// Connect dials in the background. Success is reported with OnConnect,
// a 401/403 handshake with OnUnauthorized and any other failure with
// OnConnectError.
func (c *client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected || c.connecting {
		c.mu.Unlock()
		return nil
	}
	c.connecting = true
	c.closing = false
	c.abort = false
	c.mu.Unlock()

	go c.dial(ctx)
	return nil
}

func (c *client) dial(ctx context.Context) {
	header := http.Header{}
	header.Set("Accept", "application/json")
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		c.mu.Lock()
		c.connecting = false
		aborted := c.abort
		c.mu.Unlock()

		if aborted {
			return
		}
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			c.logger.Warn("websocket handshake rejected", "url", c.cfg.URL, "status", resp.StatusCode)
			c.listener.OnUnauthorized()
			return
		}
		c.listener.OnConnectError(err)
		return
	}

	c.mu.Lock()
	c.connecting = false
	if c.abort {
		c.mu.Unlock()
		conn.Close()
		return
	}
	done := make(chan struct{})
	c.conn = conn
	c.done = done
	c.connected = true
	c.lastPingAt = time.Now()
	c.pending = make(map[uint64]transport.AckFunc)
	c.mu.Unlock()

	// Server sends ping, we respond with pong
	conn.SetPingHandler(func(data string) error {
		c.touch()
		return conn.WriteControl(
			websocket.PongMessage,
			[]byte(data),
			time.Now().Add(time.Second),
		)
	})

	// Server responds to our ping
	conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	c.logger.Debug("websocket connected", "url", c.cfg.URL)
	c.listener.OnConnect()

	go c.readLoop(conn)
	go c.heartbeatLoop(conn, done)
}

// Disconnect closes the current connection, if any.
func (c *client) Disconnect() error {
	c.mu.Lock()
	if c.connecting {
		c.abort = true
	}
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.mu.Unlock()

	c.writeMu.Lock()
	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()

	c.teardown(conn, transport.ReasonClientDisconnect)
	return nil
}

// Emit writes an event frame. When ack is set the frame carries an ID and
// ack runs once the matching ack frame arrives.
func (c *client) Emit(event string, payload json.RawMessage, ack transport.AckFunc) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return transport.ErrNotConnected
	}
	conn := c.conn
	frame := Frame{Type: FrameEvent, Event: event, Data: payload}
	if ack != nil {
		c.nextID++
		frame.ID = c.nextID
		c.pending[frame.ID] = ack
	}
	c.mu.Unlock()

	data, err := EncodeFrame(frame)
	if err != nil {
		c.dropAck(frame.ID)
		return fmt.Errorf("encode frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.dropAck(frame.ID)
		return err
	}
	return nil
}

// Connected returns the current connection state.
func (c *client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// readLoop reads frames until the connection fails or is closed.
func (c *client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.teardown(conn, disconnectReason(err))
			return
		}

		frame, err := DecodeFrame(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}

		switch frame.Type {
		case FrameAck:
			c.resolveAck(frame.ID, frame.Data)
		case FrameEvent:
			if frame.Event == EventUnauthorized {
				c.listener.OnUnauthorized()
				continue
			}
			c.listener.OnMessage(frame.Event, frame.Data)
		default:
			c.logger.Debug("ignoring frame", "type", frame.Type)
		}
	}
}

// heartbeatLoop monitors for stale connections.
func (c *client) heartbeatLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
				c.logger.Debug("failed to send ping", "error", err)
			}

			c.mu.Lock()
			lastPing := c.lastPingAt
			c.mu.Unlock()

			if time.Since(lastPing) > c.cfg.PingTimeout {
				c.logger.Warn("no ping received, connection stale",
					"last_ping", lastPing,
					"timeout", c.cfg.PingTimeout,
				)
				c.teardown(conn, ReasonPingTimeout)
				return
			}
		}
	}
}

// teardown releases conn and reports the disconnect exactly once per
// connection.
func (c *client) teardown(conn *websocket.Conn, reason string) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	if c.closing {
		reason = transport.ReasonClientDisconnect
	}
	c.conn = nil
	c.connected = false
	c.closing = false
	c.pending = nil
	close(c.done)
	c.mu.Unlock()

	conn.Close()

	c.logger.Debug("websocket disconnected", "url", c.cfg.URL, "reason", reason)
	c.listener.OnDisconnect(reason)
}

func (c *client) touch() {
	c.mu.Lock()
	c.lastPingAt = time.Now()
	c.mu.Unlock()
}

func (c *client) resolveAck(id uint64, data json.RawMessage) {
	c.mu.Lock()
	ack, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if ok {
		ack(data)
	}
}

func (c *client) dropAck(id uint64) {
	if id == 0 {
		return
	}
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func disconnectReason(err error) string {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		if closeErr.Code == websocket.CloseNormalClosure {
			return ReasonServerDisconnect
		}
		return ReasonTransportClose
	}
	return ReasonTransportError
}

// Factory builds clients that share a base config.
type Factory struct {
	cfg    Config
	logger *slog.Logger
}

// NewFactory creates a transport.Factory for WebSocket clients.
func NewFactory(cfg Config, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{cfg: cfg, logger: logger}
}

// New creates a client authenticated with token.
func (f *Factory) New(token string, l transport.Listener) transport.Transport {
	cfg := f.cfg
	cfg.Token = token
	return NewClient(cfg, l, f.logger)
}
