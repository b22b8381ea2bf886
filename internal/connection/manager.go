package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/rickgao/sockline/internal/latency"
	"github.com/rickgao/sockline/internal/middleware"
	"github.com/rickgao/sockline/internal/queue"
	"github.com/rickgao/sockline/internal/store"
	"github.com/rickgao/sockline/internal/transport"
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock sets the clock driving retry timers and latency probes.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithStore sets the store used to persist the offline queue.
func WithStore(s store.Store) Option {
	return func(m *Manager) { m.store = s }
}

// WithTokenProvider sets the source of credentials fetched on Start and
// Reauthenticate.
func WithTokenProvider(p TokenProvider) Option {
	return func(m *Manager) { m.tokenProvider = p }
}

// WithUnauthorizedHandler sets the recovery path for rejected credentials.
func WithUnauthorizedHandler(h UnauthorizedHandler) Option {
	return func(m *Manager) { m.unauthorizedHandler = h }
}

// WithHooks sets lifecycle hooks.
func WithHooks(h Hooks) Option {
	return func(m *Manager) { m.hooks = h }
}

// Handler receives an inbound event payload after the on middleware chain.
type Handler func(payload json.RawMessage)

type handlerEntry struct {
	id uint64
	fn Handler
}

// Manager keeps one logical session alive across transport failures.
type Manager struct {
	cfg                 Config
	factory             transport.Factory
	clock               clock.Clock
	logger              *slog.Logger
	store               store.Store
	tokenProvider       TokenProvider
	unauthorizedHandler UnauthorizedHandler
	hooks               Hooks

	pipeline *middleware.Pipeline
	queue    *queue.Queue
	latency  *latency.Tracker
	flushed  atomic.Int64

	restoreOnce sync.Once

	// State, guarded by mu
	mu             sync.Mutex
	state          State
	started        bool
	manualStop     bool
	token          string // Current credential
	transportToken string // Credential the current transport was built with
	transport      transport.Transport
	generation     uint64 // Incremented whenever the transport is replaced or dropped
	epoch          uint64 // Incremented on Stop; late token results compare against it
	attempt        int
	gaveUp         bool
	retryTimer     *clock.Timer
	retrySeq       uint64
	runCtx         context.Context
	cancel         context.CancelFunc

	handlersMu  sync.RWMutex
	handlers    map[string][]handlerEntry
	nextHandler uint64
}

// NewManager creates a Connection Manager. Nothing connects until Start.
func NewManager(cfg Config, factory transport.Factory, opts ...Option) (*Manager, error) {
	if factory == nil {
		return nil, ErrNilFactory
	}
	cfg.applyDefaults()

	m := &Manager{
		cfg:      cfg,
		factory:  factory,
		clock:    clock.New(),
		pipeline: middleware.New(),
		handlers: make(map[string][]handlerEntry),
		runCtx:   context.Background(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	base := m.logger
	m.logger = base.With("component", "connection")

	var st store.Store
	if cfg.PersistQueue {
		st = m.store
		if st == nil {
			st = store.NewMemory()
		}
	}
	m.queue = queue.New(queue.Config{
		MaxSize: cfg.MaxQueueSize,
		Key:     cfg.QueueKey,
		TTL:     cfg.QueueTTL,
	}, st,
		queue.WithClock(m.clock),
		queue.WithLogger(base),
		queue.WithOverflowHandler(m.reportOverflow),
	)

	m.latency = latency.New(latency.Config{
		Interval:    cfg.LatencyInterval,
		HistorySize: cfg.LatencyHistory,
	}, latency.WithClock(m.clock), latency.WithLogger(base))

	return m, nil
}

// effects are side effects collected under the lock and run after it is
// released, in order.
type effects []func()

func (fx *effects) add(fn func()) { *fx = append(*fx, fn) }

func (fx effects) run() {
	for _, fn := range fx {
		fn()
	}
}

// Start restores the persisted queue on first use and begins acquiring a
// token. With a TokenProvider the token is fetched in the background;
// without one the manager connects with a token already set through
// SetAuthToken, or waits for one.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.manualStop = false
	m.runCtx, m.cancel = context.WithCancel(ctx)
	runCtx := m.runCtx
	epoch := m.epoch
	provider := m.tokenProvider
	m.mu.Unlock()

	m.restoreQueue(ctx)

	if provider != nil {
		go m.fetchToken(runCtx, epoch, provider)
		return nil
	}

	var fx effects
	m.mu.Lock()
	if m.epoch == epoch && m.token != "" && m.state == StateIdle {
		m.setupLocked(StateConnecting, &fx)
	}
	m.mu.Unlock()
	fx.run()

	return nil
}

// Stop tears the session down to Idle. Timers are cancelled, the transport
// is disconnected and token fetches still in flight are discarded. The
// offline queue is kept, and persisted when persistence is on.
func (m *Manager) Stop(ctx context.Context) error {
	var fx effects

	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	m.manualStop = true
	m.epoch++
	if m.cancel != nil {
		m.cancel()
	}
	m.cancelRetryLocked()
	m.dropTransportLocked(&fx)
	m.attempt = 0
	m.setStateLocked(StateIdle, &fx)
	m.mu.Unlock()

	fx.run()

	if m.cfg.PersistQueue && m.queue.Len() > 0 {
		m.queue.Persist(ctx)
	}
	m.logger.Info("connection manager stopped")
	return nil
}

// SetAuthToken replaces the credential. Empty tokens are ignored. When the
// manager is started and not connected or connecting, a transport is built
// with the new token right away. Otherwise the token is used for the next
// connection.
func (m *Manager) SetAuthToken(token string) {
	if token == "" {
		return
	}

	var fx effects
	m.mu.Lock()
	m.token = token
	if m.started {
		switch m.state {
		case StateIdle, StateDisconnected, StateUnauthorized, StateFailed:
			m.attempt = 0
			m.gaveUp = false
			m.setupLocked(StateConnecting, &fx)
		}
	}
	m.mu.Unlock()
	fx.run()
}

// Reauthenticate fetches a new token from the TokenProvider. When it differs
// from the current one the transport is replaced.
func (m *Manager) Reauthenticate(ctx context.Context) error {
	if m.tokenProvider == nil {
		return ErrNoTokenProvider
	}

	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return ErrNotStarted
	}
	epoch := m.epoch
	m.mu.Unlock()

	token, err := m.tokenProvider(ctx)
	if err != nil {
		return fmt.Errorf("fetch token: %w", err)
	}
	if token == "" {
		return ErrEmptyToken
	}

	var fx effects
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return ErrStopped
	}
	if token == m.transportToken && m.transport != nil {
		m.token = token
		m.mu.Unlock()
		return nil
	}
	m.token = token
	m.attempt = 0
	m.gaveUp = false
	m.setupLocked(StateConnecting, &fx)
	m.mu.Unlock()

	fx.run()
	m.logger.Info("reauthenticated")
	return nil
}

// Reconnect drops the current transport and connects a fresh one with the
// current token. The retry counter is reset.
func (m *Manager) Reconnect() {
	var fx effects
	m.mu.Lock()
	if m.started && m.token != "" {
		m.attempt = 0
		m.gaveUp = false
		m.setupLocked(StateConnecting, &fx)
	}
	m.mu.Unlock()
	fx.run()
}

// EmitWithQueue sends event through the emit middleware chain when
// connected. When offline the original message is queued and flushed on the
// next connect.
func (m *Manager) EmitWithQueue(event string, payload json.RawMessage, ack transport.AckFunc) {
	item := queue.QueuedEmit{Event: event, Payload: payload, Ack: ack}

	if m.liveTransport() == nil {
		m.enqueue(item)
		return
	}
	m.send(item)
}

// Emit sends event through the emit middleware chain. It returns
// transport.ErrNotConnected without queueing when offline.
func (m *Manager) Emit(event string, payload json.RawMessage, ack transport.AckFunc) error {
	if m.liveTransport() == nil {
		return transport.ErrNotConnected
	}

	var err error
	m.pipeline.RunEmit(event, payload, func(ev string, data json.RawMessage) {
		tr := m.liveTransport()
		if tr == nil {
			err = transport.ErrNotConnected
			return
		}
		err = tr.Emit(ev, data, ack)
	})
	return err
}

// send runs item through the emit chain. If the transport is gone by the
// final stage, the original item is queued.
func (m *Manager) send(item queue.QueuedEmit) {
	m.pipeline.RunEmit(item.Event, item.Payload, func(ev string, data json.RawMessage) {
		tr := m.liveTransport()
		if tr == nil {
			m.enqueue(item)
			return
		}
		if err := tr.Emit(ev, data, item.Ack); err != nil {
			m.logger.Warn("emit failed, queueing", "event", item.Event, "error", err)
			m.enqueue(item)
		}
	})
}

func (m *Manager) enqueue(item queue.QueuedEmit) {
	m.queue.Enqueue(item)
	if m.cfg.PersistQueue {
		// The snapshot from a previous run must be merged before it is overwritten
		m.restoreQueue(context.Background())
		m.queue.Persist(context.Background())
	}
}

// restoreQueue loads the persisted queue once per Manager, ahead of anything
// queued so far.
func (m *Manager) restoreQueue(ctx context.Context) {
	if !m.cfg.PersistQueue {
		return
	}
	m.restoreOnce.Do(func() {
		if n := len(m.queue.Restore(ctx)); n > 0 {
			m.logger.Info("restored queued emits", "count", n)
		}
	})
}

func (m *Manager) reportOverflow(dropped queue.QueuedEmit) {
	if m.hooks.OnQueueOverflow != nil {
		m.hooks.OnQueueOverflow(dropped)
	}
}

// On registers handler for inbound event. Handlers survive transport
// re-creation. The returned function removes the handler.
func (m *Manager) On(event string, handler Handler) (off func()) {
	m.handlersMu.Lock()
	m.nextHandler++
	id := m.nextHandler
	m.handlers[event] = append(m.handlers[event], handlerEntry{id: id, fn: handler})
	m.handlersMu.Unlock()

	return func() {
		m.handlersMu.Lock()
		defer m.handlersMu.Unlock()
		entries := m.handlers[event]
		for i, e := range entries {
			if e.id == id {
				m.handlers[event] = append(entries[:i:i], entries[i+1:]...)
				break
			}
		}
		if len(m.handlers[event]) == 0 {
			delete(m.handlers, event)
		}
	}
}

// AddMiddleware registers an interceptor pair and returns its ID.
func (m *Manager) AddMiddleware(entry middleware.Entry) string {
	return m.pipeline.Add(entry)
}

// AddEmitMiddleware registers an outbound interceptor and returns its ID.
func (m *Manager) AddEmitMiddleware(mw middleware.EmitMiddleware) string {
	return m.pipeline.AddEmit(mw)
}

// AddOnMiddleware registers an inbound interceptor and returns its ID.
func (m *Manager) AddOnMiddleware(mw middleware.OnMiddleware) string {
	return m.pipeline.AddOn(mw)
}

// RemoveMiddleware removes the interceptor pair with id, if present.
func (m *Manager) RemoveMiddleware(id string) {
	m.pipeline.Remove(id)
}

// OnLatencyUpdate registers cb for every latency sample.
func (m *Manager) OnLatencyUpdate(cb func(time.Duration)) (unsubscribe func()) {
	return m.latency.Subscribe(cb)
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected reports whether the manager has a live transport.
func (m *Manager) Connected() bool {
	return m.liveTransport() != nil
}

// Stats returns a snapshot of the manager.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	state := m.state
	attempt := m.attempt
	m.mu.Unlock()

	latest, _ := m.latency.Latest()
	return Stats{
		State:          state,
		Connected:      m.Connected(),
		QueueLen:       m.queue.Len(),
		Flushed:        m.flushed.Load(),
		RetryAttempt:   attempt,
		Latency:        latest,
		LatencyHistory: m.latency.History(),
	}
}

// liveTransport returns the transport if the manager is connected.
func (m *Manager) liveTransport() transport.Transport {
	m.mu.Lock()
	tr := m.transport
	live := m.state == StateConnected && tr != nil
	m.mu.Unlock()

	if !live || !tr.Connected() {
		return nil
	}
	return tr
}

// fetchToken runs the TokenProvider and connects with its result, unless the
// manager was stopped meanwhile.
func (m *Manager) fetchToken(ctx context.Context, epoch uint64, provider TokenProvider) {
	token, err := provider(ctx)

	var fx effects
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		m.logger.Debug("discarding token fetched after stop")
		return
	}
	if err != nil || token == "" {
		m.mu.Unlock()
		if err == nil {
			err = ErrEmptyToken
		}
		m.logger.Warn("token fetch failed", "error", err)
		return
	}
	m.token = token
	if m.state == StateIdle {
		m.setupLocked(StateConnecting, &fx)
	}
	m.mu.Unlock()
	fx.run()
}

// setupLocked replaces the transport with one built from the current token
// and starts connecting it. Must be called with lock held.
func (m *Manager) setupLocked(state State, fx *effects) {
	m.cancelRetryLocked()
	m.dropTransportLocked(fx)

	m.generation++
	gen := m.generation
	m.transportToken = m.token
	tr := m.factory.New(m.token, &listener{m: m, gen: gen})
	m.transport = tr
	m.setStateLocked(state, fx)

	ctx := m.runCtx
	fx.add(func() {
		if err := tr.Connect(ctx); err != nil {
			m.handleConnectError(gen, err)
		}
	})
}

// dropTransportLocked detaches the current transport and queues its
// disconnect. Must be called with lock held.
func (m *Manager) dropTransportLocked(fx *effects) {
	old := m.transport
	m.transport = nil
	m.generation++
	fx.add(m.latency.Stop)
	if old != nil {
		fx.add(func() {
			if err := old.Disconnect(); err != nil {
				m.logger.Debug("disconnect failed", "error", err)
			}
		})
	}
}

func (m *Manager) setStateLocked(to State, fx *effects) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	m.logger.Debug("state change", "from", from.String(), "to", to.String())
	if m.hooks.OnStateChange != nil {
		hook := m.hooks.OnStateChange
		fx.add(func() { hook(from, to) })
	}
}

func (m *Manager) cancelRetryLocked() {
	m.retrySeq++
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

// scheduleRetryLocked moves to Reconnecting with a backoff timer, or to
// Failed once retries are exhausted. Must be called with lock held.
func (m *Manager) scheduleRetryLocked(fx *effects) {
	if m.manualStop {
		return
	}

	if m.attempt >= m.cfg.MaxRetries {
		m.setStateLocked(StateFailed, fx)
		if !m.gaveUp {
			m.gaveUp = true
			m.logger.Warn("giving up reconnecting", "attempts", m.attempt)
			if m.hooks.OnGiveUp != nil {
				fx.add(m.hooks.OnGiveUp)
			}
		}
		return
	}

	delay := m.cfg.backoff().Next(m.attempt)
	next := m.attempt + 1
	m.setStateLocked(StateReconnecting, fx)
	m.cancelRetryLocked()
	seq := m.retrySeq

	m.logger.Info("scheduling reconnect", "attempt", next, "delay", delay)
	if m.hooks.OnRetry != nil {
		hook := m.hooks.OnRetry
		fx.add(func() { hook(next, delay) })
	}
	fx.add(func() { m.armRetry(seq, delay) })
}

func (m *Manager) armRetry(seq uint64, delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq != m.retrySeq || m.state != StateReconnecting {
		return
	}
	m.retryTimer = m.clock.AfterFunc(delay, func() { m.retry(seq) })
}

// retry runs when a backoff timer fires.
func (m *Manager) retry(seq uint64) {
	var fx effects

	m.mu.Lock()
	if seq != m.retrySeq || m.state != StateReconnecting || m.manualStop {
		m.mu.Unlock()
		return
	}
	m.retryTimer = nil
	m.attempt++
	m.logger.Info("attempting reconnection", "attempt", m.attempt)

	if m.transport == nil || m.token != m.transportToken {
		m.setupLocked(StateReconnecting, &fx)
	} else {
		tr := m.transport
		gen := m.generation
		ctx := m.runCtx
		fx.add(func() {
			if err := tr.Connect(ctx); err != nil {
				m.handleConnectError(gen, err)
			}
		})
	}
	m.mu.Unlock()
	fx.run()
}

func (m *Manager) handleConnect(gen uint64) {
	var fx effects

	m.mu.Lock()
	if gen != m.generation || m.transport == nil {
		m.mu.Unlock()
		return
	}
	m.attempt = 0
	m.gaveUp = false
	m.cancelRetryLocked()
	m.setStateLocked(StateConnected, &fx)
	tr := m.transport
	m.mu.Unlock()

	m.logger.Info("connected")
	fx.run()

	m.latency.Start(func(ack func()) error {
		return tr.Emit(LatencyEvent, nil, func(json.RawMessage) { ack() })
	})
	// Dropped while starting
	m.mu.Lock()
	current := gen == m.generation && m.state == StateConnected
	m.mu.Unlock()
	if !current {
		m.latency.Stop()
		return
	}
	m.flush()
}

// flush replays the queue in enqueue order. Entries queued during the replay
// wait for the next connect.
func (m *Manager) flush() {
	items := m.queue.Drain()
	if m.cfg.PersistQueue {
		m.queue.Clear(context.Background())
	}
	if len(items) == 0 {
		return
	}

	for _, item := range items {
		m.send(item)
	}
	m.flushed.Add(int64(len(items)))

	if m.cfg.PersistQueue && m.queue.Len() > 0 {
		m.queue.Persist(context.Background())
	}
	m.logger.Info("flushed offline queue", "count", len(items), "requeued", m.queue.Len())
	if m.hooks.OnFlush != nil {
		m.hooks.OnFlush(len(items))
	}
}

func (m *Manager) handleDisconnect(gen uint64, reason string) {
	var fx effects

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	fx.add(m.latency.Stop)
	m.setStateLocked(StateDisconnected, &fx)
	if reason == transport.ReasonClientDisconnect {
		m.logger.Info("disconnected by client")
	} else {
		m.logger.Warn("disconnected", "reason", reason)
		m.scheduleRetryLocked(&fx)
	}
	m.mu.Unlock()
	fx.run()
}

func (m *Manager) handleConnectError(gen uint64, err error) {
	var fx effects

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	switch m.state {
	case StateConnecting, StateReconnecting, StateConnected:
	default:
		m.mu.Unlock()
		return
	}
	m.logger.Warn("connect failed", "attempt", m.attempt, "error", err)
	fx.add(m.latency.Stop)
	m.setStateLocked(StateDisconnected, &fx)
	m.scheduleRetryLocked(&fx)
	m.mu.Unlock()
	fx.run()
}

func (m *Manager) handleUnauthorized(gen uint64) {
	var fx effects

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	m.cancelRetryLocked()
	m.setStateLocked(StateUnauthorized, &fx)

	// A newer token arrived while this transport was in use
	if m.token != m.transportToken {
		m.logger.Info("credential rejected, retrying with newer token")
		m.setupLocked(StateConnecting, &fx)
		m.mu.Unlock()
		fx.run()
		return
	}

	m.dropTransportLocked(&fx)
	handler := m.unauthorizedHandler
	if handler == nil {
		m.logger.Warn("credential rejected, no unauthorized handler")
		m.mu.Unlock()
		fx.run()
		return
	}

	epoch := m.epoch
	ctx := m.runCtx
	m.mu.Unlock()
	fx.run()

	m.logger.Info("credential rejected, requesting new token")
	go m.recoverAuth(ctx, epoch, handler)
}

func (m *Manager) recoverAuth(ctx context.Context, epoch uint64, handler UnauthorizedHandler) {
	token, err := handler(ctx)

	var fx effects
	m.mu.Lock()
	if m.epoch != epoch || m.state != StateUnauthorized {
		m.mu.Unlock()
		return
	}
	if err != nil || token == "" {
		m.mu.Unlock()
		if err == nil {
			err = ErrEmptyToken
		}
		m.logger.Error("unauthorized recovery failed", "error", err)
		return
	}
	m.token = token
	m.attempt = 0
	m.setupLocked(StateConnecting, &fx)
	m.mu.Unlock()
	fx.run()
}

func (m *Manager) handleMessage(gen uint64, event string, payload json.RawMessage) {
	m.mu.Lock()
	stale := gen != m.generation
	m.mu.Unlock()
	if stale {
		return
	}

	m.handlersMu.RLock()
	entries := m.handlers[event]
	handlers := make([]Handler, len(entries))
	for i, e := range entries {
		handlers[i] = e.fn
	}
	m.handlersMu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	m.pipeline.RunOn(event, payload, func(data json.RawMessage) {
		for _, h := range handlers {
			h(data)
		}
	})
}

// listener binds transport notifications to the generation that created the
// transport, so a replaced transport cannot affect the manager.
type listener struct {
	m   *Manager
	gen uint64
}

func (l *listener) OnConnect()                 { l.m.handleConnect(l.gen) }
func (l *listener) OnDisconnect(reason string) { l.m.handleDisconnect(l.gen, reason) }
func (l *listener) OnUnauthorized()            { l.m.handleUnauthorized(l.gen) }
func (l *listener) OnConnectError(err error)   { l.m.handleConnectError(l.gen, err) }
func (l *listener) OnMessage(event string, payload json.RawMessage) {
	l.m.handleMessage(l.gen, event, payload)
}
