package connection

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/sockline/internal/middleware"
	"github.com/rickgao/sockline/internal/queue"
	"github.com/rickgao/sockline/internal/store"
	"github.com/rickgao/sockline/internal/transport"
)

const (
	waitFor = time.Second
	tick    = 5 * time.Millisecond
)

type emitted struct {
	event   string
	payload string
	ack     transport.AckFunc
}

// fakeTransport records calls and lets tests drive listener notifications.
type fakeTransport struct {
	token    string
	listener transport.Listener

	mu          sync.Mutex
	connected   bool
	connects    int
	disconnects int
	emits       []emitted
}

func (f *fakeTransport) Connect(context.Context) error {
	f.mu.Lock()
	f.connects++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	f.connected = false
	f.disconnects++
	f.mu.Unlock()
	f.listener.OnDisconnect(transport.ReasonClientDisconnect)
	return nil
}

func (f *fakeTransport) Emit(event string, payload json.RawMessage, ack transport.AckFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return transport.ErrNotConnected
	}
	f.emits = append(f.emits, emitted{event: event, payload: string(payload), ack: ack})
	return nil
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

// connect simulates a successful handshake.
func (f *fakeTransport) connect() {
	f.setConnected(true)
	f.listener.OnConnect()
}

// drop simulates the server or network closing the connection.
func (f *fakeTransport) drop(reason string) {
	f.setConnected(false)
	f.listener.OnDisconnect(reason)
}

func (f *fakeTransport) failConnect() {
	f.listener.OnConnectError(errors.New("dial refused"))
}

func (f *fakeTransport) reject() {
	f.setConnected(false)
	f.listener.OnUnauthorized()
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeTransport) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

func (f *fakeTransport) sent() []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]emitted, len(f.emits))
	copy(out, f.emits)
	return out
}

func (f *fakeTransport) sentEvents() []string {
	var events []string
	for _, e := range f.sent() {
		if e.event != LatencyEvent {
			events = append(events, e.event)
		}
	}
	return events
}

type fakeFactory struct {
	mu      sync.Mutex
	created []*fakeTransport
}

func (f *fakeFactory) New(token string, l transport.Listener) transport.Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	tr := &fakeTransport{token: token, listener: l}
	f.created = append(f.created, tr)
	return tr
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeFactory) last() *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

type retryCall struct {
	attempt int
	delay   time.Duration
}

// recorder collects hook notifications.
type recorder struct {
	mu       sync.Mutex
	retries  []retryCall
	giveUps  int
	overflow []string
	states   []State
	flushes  []int
}

func (r *recorder) hooks() Hooks {
	return Hooks{
		OnRetry: func(attempt int, delay time.Duration) {
			r.mu.Lock()
			r.retries = append(r.retries, retryCall{attempt, delay})
			r.mu.Unlock()
		},
		OnGiveUp: func() {
			r.mu.Lock()
			r.giveUps++
			r.mu.Unlock()
		},
		OnQueueOverflow: func(dropped queue.QueuedEmit) {
			r.mu.Lock()
			r.overflow = append(r.overflow, dropped.Event)
			r.mu.Unlock()
		},
		OnStateChange: func(_, to State) {
			r.mu.Lock()
			r.states = append(r.states, to)
			r.mu.Unlock()
		},
		OnFlush: func(count int) {
			r.mu.Lock()
			r.flushes = append(r.flushes, count)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) snapshotRetries() []retryCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]retryCall(nil), r.retries...)
}

func (r *recorder) giveUpCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.giveUps
}

type harness struct {
	m       *Manager
	factory *fakeFactory
	clock   *clock.Mock
	rec     *recorder
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		factory: &fakeFactory{},
		clock:   clock.NewMock(),
		rec:     &recorder{},
	}
	opts = append([]Option{WithClock(h.clock), WithHooks(h.rec.hooks())}, opts...)

	m, err := NewManager(cfg, h.factory, opts...)
	require.NoError(t, err)
	h.m = m
	t.Cleanup(func() { m.Stop(context.Background()) })
	return h
}

// startConnected starts with a static token and completes the handshake.
func (h *harness) startConnected(t *testing.T, token string) *fakeTransport {
	t.Helper()
	h.m.SetAuthToken(token)
	require.NoError(t, h.m.Start(context.Background()))
	tr := h.factory.last()
	require.NotNil(t, tr)
	tr.connect()
	require.Equal(t, StateConnected, h.m.State())
	return tr
}

func raw(s string) json.RawMessage { return json.RawMessage(s) }

func TestNewManager_RequiresFactory(t *testing.T) {
	_, err := NewManager(Config{}, nil)
	assert.ErrorIs(t, err, ErrNilFactory)
}

func TestManager_ConnectWithStaticToken(t *testing.T) {
	h := newHarness(t, Config{})

	h.m.SetAuthToken("static")
	assert.Equal(t, 0, h.factory.count(), "no transport before Start")

	require.NoError(t, h.m.Start(context.Background()))
	tr := h.factory.last()
	require.NotNil(t, tr)
	assert.Equal(t, "static", tr.token)
	assert.Equal(t, 1, tr.connectCount())
	assert.Equal(t, StateConnecting, h.m.State())
	assert.False(t, h.m.Connected())

	tr.connect()
	assert.Equal(t, StateConnected, h.m.State())
	assert.True(t, h.m.Connected())
	assert.Equal(t, []State{StateConnecting, StateConnected}, h.rec.states)
}

func TestManager_StartWithoutTokenWaits(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.m.Start(context.Background()))

	assert.Equal(t, 0, h.factory.count())
	assert.Equal(t, StateIdle, h.m.State())

	h.m.SetAuthToken("")
	assert.Equal(t, 0, h.factory.count(), "empty token is ignored")

	h.m.SetAuthToken("late")
	require.Equal(t, 1, h.factory.count())
	assert.Equal(t, "late", h.factory.last().token)
}

func TestManager_TokenProvider(t *testing.T) {
	h := newHarness(t, Config{}, WithTokenProvider(func(context.Context) (string, error) {
		return "fetched", nil
	}))
	require.NoError(t, h.m.Start(context.Background()))

	require.Eventually(t, func() bool { return h.factory.count() == 1 }, waitFor, tick)
	assert.Equal(t, "fetched", h.factory.last().token)
	assert.Equal(t, StateConnecting, h.m.State())
}

func TestManager_TokenResolvedAfterStop(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, Config{}, WithTokenProvider(func(context.Context) (string, error) {
		<-release
		return "too-late", nil
	}))

	require.NoError(t, h.m.Start(context.Background()))
	require.NoError(t, h.m.Stop(context.Background()))
	close(release)

	assert.Never(t, func() bool { return h.factory.count() > 0 }, 100*time.Millisecond, tick)
	assert.Equal(t, StateIdle, h.m.State())
}

func TestManager_TokenFetchFailureStaysIdle(t *testing.T) {
	called := make(chan struct{})
	h := newHarness(t, Config{}, WithTokenProvider(func(context.Context) (string, error) {
		defer close(called)
		return "", errors.New("auth service down")
	}))
	require.NoError(t, h.m.Start(context.Background()))

	<-called
	assert.Never(t, func() bool { return h.factory.count() > 0 }, 50*time.Millisecond, tick)
	assert.Equal(t, StateIdle, h.m.State())
}

func TestManager_RetryBackoffAndGiveUp(t *testing.T) {
	h := newHarness(t, Config{
		MaxRetries:    3,
		InitialDelay:  1000 * time.Millisecond,
		MaxDelay:      5000 * time.Millisecond,
		BackoffFactor: 2,
	})
	h.m.SetAuthToken("t")
	require.NoError(t, h.m.Start(context.Background()))
	tr := h.factory.last()

	delays := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, delay := range delays {
		tr.failConnect()
		require.Equal(t, StateReconnecting, h.m.State())
		require.Len(t, h.rec.snapshotRetries(), i+1)

		h.clock.Add(delay)
		want := i + 2
		require.Eventually(t, func() bool { return tr.connectCount() == want }, waitFor, tick)
	}

	tr.failConnect()
	assert.Equal(t, StateFailed, h.m.State())
	assert.Equal(t, 1, h.rec.giveUpCount())
	assert.Equal(t, []retryCall{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
	}, h.rec.snapshotRetries())

	// No further automatic attempts
	h.clock.Add(time.Minute)
	assert.Never(t, func() bool { return tr.connectCount() > 4 }, 50*time.Millisecond, tick)
	assert.Equal(t, 1, h.factory.count())
	assert.Equal(t, 1, h.rec.giveUpCount())
}

func TestManager_RetryDelayCapped(t *testing.T) {
	h := newHarness(t, Config{
		MaxRetries:    10,
		InitialDelay:  time.Second,
		MaxDelay:      3 * time.Second,
		BackoffFactor: 4,
	})
	h.m.SetAuthToken("t")
	require.NoError(t, h.m.Start(context.Background()))
	tr := h.factory.last()

	tr.failConnect()
	h.clock.Add(time.Second)
	require.Eventually(t, func() bool { return tr.connectCount() == 2 }, waitFor, tick)
	tr.failConnect()

	retries := h.rec.snapshotRetries()
	require.Len(t, retries, 2)
	assert.Equal(t, 3*time.Second, retries[1].delay)
}

func TestManager_DropRetriesAndResetsAttempt(t *testing.T) {
	h := newHarness(t, Config{InitialDelay: time.Second})
	tr := h.startConnected(t, "t")

	tr.drop("transport close")
	assert.Equal(t, StateReconnecting, h.m.State())
	assert.False(t, h.m.Connected())

	h.clock.Add(time.Second)
	require.Eventually(t, func() bool { return tr.connectCount() == 2 }, waitFor, tick)
	assert.Equal(t, 1, h.m.Stats().RetryAttempt)

	tr.connect()
	assert.Equal(t, StateConnected, h.m.State())
	assert.Equal(t, 0, h.m.Stats().RetryAttempt)

	// The retry counter starts over after a successful connect
	tr.drop("ping timeout")
	retries := h.rec.snapshotRetries()
	require.Len(t, retries, 2)
	assert.Equal(t, retryCall{1, time.Second}, retries[1])
}

func TestManager_ConnectErrorCountsAsAttempt(t *testing.T) {
	h := newHarness(t, Config{MaxRetries: 1})
	h.m.SetAuthToken("t")
	require.NoError(t, h.m.Start(context.Background()))
	tr := h.factory.last()

	tr.failConnect()
	h.clock.Add(time.Second)
	require.Eventually(t, func() bool { return tr.connectCount() == 2 }, waitFor, tick)

	tr.failConnect()
	assert.Equal(t, StateFailed, h.m.State())
	assert.Equal(t, 1, h.rec.giveUpCount())
}

func TestManager_TokenChangeRebuildsTransportOnRetry(t *testing.T) {
	h := newHarness(t, Config{})
	tr := h.startConnected(t, "old")

	h.m.SetAuthToken("new")
	assert.Equal(t, 1, h.factory.count(), "connected manager keeps its transport")

	tr.drop("transport error")
	h.clock.Add(time.Second)

	require.Eventually(t, func() bool { return h.factory.count() == 2 }, waitFor, tick)
	next := h.factory.last()
	assert.Equal(t, "new", next.token)
	assert.Equal(t, 1, next.connectCount())
	assert.Equal(t, 1, tr.connectCount())
}

func TestManager_StopCancelsRetry(t *testing.T) {
	h := newHarness(t, Config{})
	h.m.SetAuthToken("t")
	require.NoError(t, h.m.Start(context.Background()))
	tr := h.factory.last()

	tr.failConnect()
	require.Equal(t, StateReconnecting, h.m.State())

	require.NoError(t, h.m.Stop(context.Background()))
	assert.Equal(t, StateIdle, h.m.State())
	assert.Equal(t, 1, tr.disconnectCount())

	h.clock.Add(time.Minute)
	assert.Never(t, func() bool { return tr.connectCount() > 1 }, 50*time.Millisecond, tick)
}

func TestManager_StopAndRestart(t *testing.T) {
	h := newHarness(t, Config{})
	tr := h.startConnected(t, "t")

	require.NoError(t, h.m.Stop(context.Background()))
	assert.Equal(t, StateIdle, h.m.State())
	assert.Equal(t, 1, tr.disconnectCount())

	// Stop twice is a no-op
	require.NoError(t, h.m.Stop(context.Background()))

	require.NoError(t, h.m.Start(context.Background()))
	require.Equal(t, 2, h.factory.count())
	h.factory.last().connect()
	assert.Equal(t, StateConnected, h.m.State())
}

func TestManager_OfflineQueueFlushesInOrder(t *testing.T) {
	h := newHarness(t, Config{})
	h.m.SetAuthToken("t")
	require.NoError(t, h.m.Start(context.Background()))

	acked := make(chan struct{}, 1)
	h.m.EmitWithQueue("a", raw(`1`), nil)
	h.m.EmitWithQueue("b", raw(`2`), func(json.RawMessage) { acked <- struct{}{} })
	h.m.EmitWithQueue("c", raw(`3`), nil)
	assert.Equal(t, 3, h.m.Stats().QueueLen)

	tr := h.factory.last()
	tr.connect()

	assert.Equal(t, []string{"a", "b", "c"}, tr.sentEvents())
	assert.Equal(t, 0, h.m.Stats().QueueLen)
	assert.Equal(t, int64(3), h.m.Stats().Flushed)
	assert.Equal(t, []int{3}, h.rec.flushes)

	// Acks survive queueing in memory
	tr.sent()[1].ack(raw(`"ok"`))
	select {
	case <-acked:
	default:
		t.Fatal("ack for queued emit was not wired")
	}
}

func TestManager_QueueOverflow(t *testing.T) {
	h := newHarness(t, Config{MaxQueueSize: 2})
	h.m.SetAuthToken("t")
	require.NoError(t, h.m.Start(context.Background()))

	h.m.EmitWithQueue("A", raw(`1`), nil)
	h.m.EmitWithQueue("B", raw(`2`), nil)
	h.m.EmitWithQueue("C", raw(`3`), nil)

	assert.Equal(t, []string{"A"}, h.rec.overflow)
	assert.Equal(t, 2, h.m.Stats().QueueLen)

	tr := h.factory.last()
	tr.connect()
	assert.Equal(t, []string{"B", "C"}, tr.sentEvents())
}

func TestManager_QueueHoldsOriginalPayload(t *testing.T) {
	h := newHarness(t, Config{})
	h.m.AddEmitMiddleware(func(event string, payload json.RawMessage, next middleware.EmitNext) {
		next(event, raw(`{"wrapped":`+string(payload)+`}`))
	})
	h.m.SetAuthToken("t")
	require.NoError(t, h.m.Start(context.Background()))

	h.m.EmitWithQueue("chat", raw(`"hi"`), nil)
	snapshot := h.m.queue.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, `"hi"`, string(snapshot[0].Payload))

	tr := h.factory.last()
	tr.connect()

	sent := tr.sent()
	require.Len(t, sent, 1)
	assert.JSONEq(t, `{"wrapped":"hi"}`, sent[0].payload)
}

func TestManager_FlushRequeuesWhenTransportDrops(t *testing.T) {
	st := store.NewMemory()
	h := newHarness(t, Config{PersistQueue: true}, WithStore(st))
	h.m.SetAuthToken("t")
	require.NoError(t, h.m.Start(context.Background()))
	tr := h.factory.last()

	h.m.AddEmitMiddleware(func(event string, payload json.RawMessage, next middleware.EmitNext) {
		next(event, payload)
		if event == "first" {
			// Connection lost mid-flush without a disconnect notification yet
			tr.setConnected(false)
		}
	})

	h.m.EmitWithQueue("first", raw(`1`), nil)
	h.m.EmitWithQueue("second", raw(`2`), nil)

	tr.connect()

	assert.Equal(t, []string{"first"}, tr.sentEvents())
	snapshot := h.m.queue.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, "second", snapshot[0].Event)

	persisted, err := st.Get(context.Background(), queue.DefaultKey)
	require.NoError(t, err)
	assert.Contains(t, persisted, `"second"`)
	assert.NotContains(t, persisted, `"first"`)
}

func TestManager_PersistAndRestore(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	h := newHarness(t, Config{PersistQueue: true}, WithStore(st))

	seed := queue.New(queue.Config{}, st, queue.WithClock(h.clock))
	seed.Enqueue(queue.QueuedEmit{Event: "saved", Payload: raw(`{"n":1}`)})
	seed.Persist(ctx)

	require.NoError(t, h.m.Start(ctx))
	assert.Equal(t, 1, h.m.Stats().QueueLen)

	// Restart does not restore a second time
	require.NoError(t, h.m.Stop(ctx))
	require.NoError(t, h.m.Start(ctx))
	assert.Equal(t, 1, h.m.Stats().QueueLen)

	h.m.SetAuthToken("t")
	tr := h.factory.last()
	tr.connect()

	sent := tr.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "saved", sent[0].event)
	assert.JSONEq(t, `{"n":1}`, sent[0].payload)

	_, err := st.Get(ctx, queue.DefaultKey)
	assert.ErrorIs(t, err, store.ErrNotFound, "persisted snapshot cleared on connect")
}

func TestManager_EmitBeforeStartKeepsPersisted(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	h := newHarness(t, Config{PersistQueue: true}, WithStore(st))

	seed := queue.New(queue.Config{}, st, queue.WithClock(h.clock))
	seed.Enqueue(queue.QueuedEmit{Event: "A"})
	seed.Enqueue(queue.QueuedEmit{Event: "B"})
	seed.Persist(ctx)

	h.m.EmitWithQueue("C", raw(`3`), nil)

	persisted, err := st.Get(ctx, queue.DefaultKey)
	require.NoError(t, err)
	assert.Contains(t, persisted, `"A"`)

	require.NoError(t, h.m.Start(ctx))
	var got []string
	for _, item := range h.m.queue.Snapshot() {
		got = append(got, item.Event)
	}
	assert.Equal(t, []string{"A", "B", "C"}, got)
}

func TestManager_RestoreOverflowReported(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	h := newHarness(t, Config{PersistQueue: true, MaxQueueSize: 2}, WithStore(st))

	seed := queue.New(queue.Config{MaxSize: 3}, st, queue.WithClock(h.clock))
	for _, ev := range []string{"A", "B", "C"} {
		seed.Enqueue(queue.QueuedEmit{Event: ev})
	}
	seed.Persist(ctx)

	require.NoError(t, h.m.Start(ctx))
	assert.Equal(t, []string{"A"}, h.rec.overflow)
	assert.Equal(t, 2, h.m.Stats().QueueLen)
}

func TestManager_PersistOnEnqueue(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	h := newHarness(t, Config{PersistQueue: true, QueueKey: "custom"}, WithStore(st))
	require.NoError(t, h.m.Start(ctx))

	h.m.EmitWithQueue("offline", raw(`true`), func(json.RawMessage) {})

	persisted, err := st.Get(ctx, "custom")
	require.NoError(t, err)
	assert.Contains(t, persisted, `"offline"`)
	assert.NotContains(t, persisted, "ack")
}

func TestManager_EmitLiveOnly(t *testing.T) {
	h := newHarness(t, Config{})
	h.m.SetAuthToken("t")
	require.NoError(t, h.m.Start(context.Background()))

	err := h.m.Emit("chat", raw(`1`), nil)
	assert.ErrorIs(t, err, transport.ErrNotConnected)
	assert.Equal(t, 0, h.m.Stats().QueueLen)

	tr := h.factory.last()
	tr.connect()
	require.NoError(t, h.m.Emit("chat", raw(`2`), nil))
	assert.Equal(t, []string{"chat"}, tr.sentEvents())
}

func TestManager_EmitWithQueueWhenConnected(t *testing.T) {
	h := newHarness(t, Config{})
	tr := h.startConnected(t, "t")

	var seen []string
	id := h.m.AddEmitMiddleware(func(event string, payload json.RawMessage, next middleware.EmitNext) {
		seen = append(seen, event)
		next(event, payload)
	})

	h.m.EmitWithQueue("one", raw(`1`), nil)
	h.m.RemoveMiddleware(id)
	h.m.RemoveMiddleware("unknown")
	h.m.EmitWithQueue("two", raw(`2`), nil)

	assert.Equal(t, []string{"one"}, seen)
	assert.Equal(t, []string{"one", "two"}, tr.sentEvents())
	assert.Equal(t, 0, h.m.Stats().QueueLen)
}

func TestManager_InboundHandlers(t *testing.T) {
	h := newHarness(t, Config{})
	tr := h.startConnected(t, "t")

	h.m.AddOnMiddleware(func(event string, payload json.RawMessage, next middleware.OnNext) {
		next(raw(strings.ToUpper(string(payload))))
	})

	var got []string
	off := h.m.On("news", func(payload json.RawMessage) { got = append(got, string(payload)) })
	h.m.On("other", func(json.RawMessage) { t.Fatal("wrong handler") })

	tr.listener.OnMessage("news", raw(`"abc"`))
	tr.listener.OnMessage("unhandled", raw(`1`))
	assert.Equal(t, []string{`"ABC"`}, got)

	// Handlers survive transport re-creation
	h.m.Reconnect()
	next := h.factory.last()
	require.NotSame(t, tr, next)
	next.connect()
	next.listener.OnMessage("news", raw(`"def"`))
	assert.Equal(t, []string{`"ABC"`, `"DEF"`}, got)

	off()
	next.listener.OnMessage("news", raw(`"ghi"`))
	assert.Len(t, got, 2)
}

func TestManager_StaleTransportIgnored(t *testing.T) {
	h := newHarness(t, Config{})
	old := h.startConnected(t, "t")

	var got int
	h.m.On("news", func(json.RawMessage) { got++ })

	h.m.Reconnect()
	require.Equal(t, 2, h.factory.count())
	assert.Equal(t, 1, old.disconnectCount())
	assert.Equal(t, StateConnecting, h.m.State())

	old.listener.OnConnect()
	old.listener.OnMessage("news", raw(`1`))
	old.listener.OnDisconnect("transport close")
	old.listener.OnConnectError(errors.New("late"))
	old.listener.OnUnauthorized()

	assert.Equal(t, StateConnecting, h.m.State())
	assert.Equal(t, 0, got)
	assert.Empty(t, h.rec.snapshotRetries())
}

func TestManager_UnauthorizedWithoutHandler(t *testing.T) {
	h := newHarness(t, Config{})
	tr := h.startConnected(t, "t")

	tr.reject()
	assert.Equal(t, StateUnauthorized, h.m.State())
	assert.Equal(t, 1, tr.disconnectCount())

	h.clock.Add(time.Minute)
	assert.Never(t, func() bool { return h.factory.count() > 1 || tr.connectCount() > 1 }, 50*time.Millisecond, tick)
	assert.Empty(t, h.rec.snapshotRetries())

	// A new token recovers the session
	h.m.SetAuthToken("renewed")
	require.Equal(t, 2, h.factory.count())
	assert.Equal(t, "renewed", h.factory.last().token)
	assert.Equal(t, StateConnecting, h.m.State())
}

func TestManager_UnauthorizedWithHandler(t *testing.T) {
	h := newHarness(t, Config{}, WithUnauthorizedHandler(func(context.Context) (string, error) {
		return "fresh", nil
	}))
	tr := h.startConnected(t, "expired")

	tr.reject()

	require.Eventually(t, func() bool { return h.factory.count() == 2 }, waitFor, tick)
	next := h.factory.last()
	assert.Equal(t, "fresh", next.token)
	assert.Equal(t, 1, next.connectCount())
	assert.Equal(t, 1, tr.disconnectCount())

	next.connect()
	assert.Equal(t, StateConnected, h.m.State())
}

func TestManager_UnauthorizedHandlerFails(t *testing.T) {
	called := make(chan struct{})
	h := newHarness(t, Config{}, WithUnauthorizedHandler(func(context.Context) (string, error) {
		defer close(called)
		return "", errors.New("refresh token revoked")
	}))
	tr := h.startConnected(t, "expired")

	tr.reject()
	<-called

	assert.Never(t, func() bool { return h.factory.count() > 1 }, 50*time.Millisecond, tick)
	assert.Equal(t, StateUnauthorized, h.m.State())
	assert.Equal(t, 1, tr.disconnectCount())
}

func TestManager_UnauthorizedUsesNewerToken(t *testing.T) {
	h := newHarness(t, Config{})
	h.m.SetAuthToken("stale")
	require.NoError(t, h.m.Start(context.Background()))
	tr := h.factory.last()

	h.m.SetAuthToken("current")
	tr.reject()

	require.Equal(t, 2, h.factory.count())
	assert.Equal(t, "current", h.factory.last().token)
}

func TestManager_Reauthenticate(t *testing.T) {
	var mu sync.Mutex
	tokens := []string{"t1", "t2", "t2"}
	h := newHarness(t, Config{}, WithTokenProvider(func(context.Context) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		tok := tokens[0]
		tokens = tokens[1:]
		return tok, nil
	}))

	err := h.m.Reauthenticate(context.Background())
	assert.ErrorIs(t, err, ErrNotStarted)

	require.NoError(t, h.m.Start(context.Background()))
	require.Eventually(t, func() bool { return h.factory.count() == 1 }, waitFor, tick)
	h.factory.last().connect()

	require.NoError(t, h.m.Reauthenticate(context.Background()))
	require.Equal(t, 2, h.factory.count())
	assert.Equal(t, "t2", h.factory.last().token)

	// Same token keeps the transport
	require.NoError(t, h.m.Reauthenticate(context.Background()))
	assert.Equal(t, 2, h.factory.count())
}

func TestManager_ReauthenticateWithoutProvider(t *testing.T) {
	h := newHarness(t, Config{})
	assert.ErrorIs(t, h.m.Reauthenticate(context.Background()), ErrNoTokenProvider)
}

func TestManager_ReconnectResetsRetries(t *testing.T) {
	h := newHarness(t, Config{MaxRetries: 1})
	h.m.SetAuthToken("t")
	require.NoError(t, h.m.Start(context.Background()))
	tr := h.factory.last()

	tr.failConnect()
	h.clock.Add(time.Second)
	require.Eventually(t, func() bool { return tr.connectCount() == 2 }, waitFor, tick)
	tr.failConnect()
	require.Equal(t, StateFailed, h.m.State())

	h.m.Reconnect()
	assert.Equal(t, StateConnecting, h.m.State())
	assert.Equal(t, 0, h.m.Stats().RetryAttempt)
	h.factory.last().connect()
	assert.Equal(t, StateConnected, h.m.State())
}

func TestManager_LatencyProbe(t *testing.T) {
	h := newHarness(t, Config{LatencyInterval: 5 * time.Second})

	var probedThroughPipeline bool
	h.m.AddEmitMiddleware(func(event string, payload json.RawMessage, next middleware.EmitNext) {
		if event == LatencyEvent {
			probedThroughPipeline = true
		}
		next(event, payload)
	})

	samples := make(chan time.Duration, 1)
	h.m.OnLatencyUpdate(func(d time.Duration) { samples <- d })

	tr := h.startConnected(t, "t")
	h.clock.Add(5 * time.Second)

	var probe emitted
	require.Eventually(t, func() bool {
		for _, e := range tr.sent() {
			if e.event == LatencyEvent {
				probe = e
				return true
			}
		}
		return false
	}, waitFor, tick)
	require.NotNil(t, probe.ack)

	h.clock.Add(30 * time.Millisecond)
	probe.ack(nil)

	select {
	case d := <-samples:
		assert.Equal(t, 30*time.Millisecond, d)
	case <-time.After(waitFor):
		t.Fatal("no latency sample")
	}
	assert.Equal(t, 30*time.Millisecond, h.m.Stats().Latency)
	assert.Equal(t, []time.Duration{30 * time.Millisecond}, h.m.Stats().LatencyHistory)
	assert.False(t, probedThroughPipeline)
}

func TestManager_LatencyStopsOnDisconnect(t *testing.T) {
	h := newHarness(t, Config{LatencyInterval: time.Second, InitialDelay: time.Hour, MaxDelay: time.Hour})
	tr := h.startConnected(t, "t")

	tr.drop("transport close")
	h.clock.Add(3 * time.Second)

	assert.Never(t, func() bool {
		for _, e := range tr.sent() {
			if e.event == LatencyEvent {
				return true
			}
		}
		return false
	}, 50*time.Millisecond, tick)
}

func TestMergeHooks(t *testing.T) {
	var calls []string
	a := Hooks{
		OnRetry:  func(int, time.Duration) { calls = append(calls, "a.retry") },
		OnGiveUp: func() { calls = append(calls, "a.giveup") },
	}
	b := Hooks{
		OnRetry:         func(int, time.Duration) { calls = append(calls, "b.retry") },
		OnFlush:         func(int) { calls = append(calls, "b.flush") },
		OnStateChange:   func(State, State) { calls = append(calls, "b.state") },
		OnQueueOverflow: func(queue.QueuedEmit) { calls = append(calls, "b.overflow") },
	}

	merged := MergeHooks(a, b)
	merged.OnRetry(1, time.Second)
	merged.OnGiveUp()
	merged.OnFlush(2)
	merged.OnStateChange(StateIdle, StateConnecting)
	merged.OnQueueOverflow(queue.QueuedEmit{})

	assert.Equal(t, []string{"a.retry", "b.retry", "a.giveup", "b.flush", "b.state", "b.overflow"}, calls)

	empty := MergeHooks()
	assert.Nil(t, empty.OnRetry)
}
