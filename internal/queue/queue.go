// Package queue buffers outbound emits while the connection is down.
//
// The queue is bounded: at capacity the oldest entry is evicted to make room.
// Its contents can be persisted to a store.Store and restored later, with
// entries older than the TTL discarded on restore.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bytedance/sonic"

	"github.com/rickgao/sockline/internal/store"
	"github.com/rickgao/sockline/internal/transport"
)

// Defaults
const (
	DefaultMaxSize = 100
	DefaultKey     = "sockline.queue"
	DefaultTTL     = 15 * time.Minute
)

// QueuedEmit is an emit deferred until the next connect. Payload is the
// caller's original payload, before any middleware ran.
type QueuedEmit struct {
	Event      string
	Payload    json.RawMessage
	EnqueuedAt time.Time
	Ack        transport.AckFunc // Never persisted
}

// record is the persisted form of a QueuedEmit.
type record struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"` // Unix milliseconds
}

// Config configures a Queue. Zero values take defaults.
type Config struct {
	MaxSize int
	Key     string
	TTL     time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxSize <= 0 {
		c.MaxSize = DefaultMaxSize
	}
	if c.Key == "" {
		c.Key = DefaultKey
	}
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock sets the clock used to stamp and expire entries.
func WithClock(c clock.Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithOverflowHandler registers fn to receive entries evicted at capacity.
func WithOverflowHandler(fn func(QueuedEmit)) Option {
	return func(q *Queue) { q.onOverflow = fn }
}

// Queue is a bounded FIFO of QueuedEmit, safe for concurrent use.
type Queue struct {
	cfg        Config
	store      store.Store
	clock      clock.Clock
	logger     *slog.Logger
	onOverflow func(QueuedEmit)

	mu   sync.Mutex
	ring *ring[QueuedEmit]
}

// New creates a queue. st may be nil, in which case Persist, Restore and
// Clear do nothing.
func New(cfg Config, st store.Store, opts ...Option) *Queue {
	cfg.applyDefaults()

	q := &Queue{
		cfg:   cfg,
		store: st,
		clock: clock.New(),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	q.logger = q.logger.With("component", "queue")
	q.ring = newRing[QueuedEmit](cfg.MaxSize)
	return q
}

// Enqueue appends item, stamping EnqueuedAt if unset. At capacity the oldest
// entry is evicted first and returned with dropped set.
func (q *Queue) Enqueue(item QueuedEmit) (evicted QueuedEmit, dropped bool) {
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = q.clock.Now()
	}

	q.mu.Lock()
	evicted, dropped = q.ring.push(item)
	q.mu.Unlock()

	if dropped {
		q.logger.Warn("queue full, dropped oldest emit",
			"event", evicted.Event,
			"max_size", q.cfg.MaxSize,
		)
		if q.onOverflow != nil {
			q.onOverflow(evicted)
		}
	}
	return evicted, dropped
}

// Drain removes and returns every queued entry in enqueue order.
func (q *Queue) Drain() []QueuedEmit {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ring.drain()
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ring.len()
}

// Cap returns the maximum number of entries.
func (q *Queue) Cap() int {
	return q.cfg.MaxSize
}

// Snapshot returns a copy of the queued entries in enqueue order.
func (q *Queue) Snapshot() []QueuedEmit {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ring.items()
}

// Persist writes the current contents to the store. Acks are not persisted.
// Failures are logged, not returned.
func (q *Queue) Persist(ctx context.Context) {
	if q.store == nil {
		return
	}

	items := q.Snapshot()
	records := make([]record, len(items))
	for i, item := range items {
		records[i] = record{
			Event:     item.Event,
			Data:      item.Payload,
			Timestamp: item.EnqueuedAt.UnixMilli(),
		}
	}

	data, err := sonic.Marshal(records)
	if err != nil {
		q.logger.Error("failed to encode queue", "error", err)
		return
	}
	if err := q.store.Set(ctx, q.cfg.Key, string(data)); err != nil {
		q.logger.Error("failed to persist queue", "key", q.cfg.Key, "error", err)
	}
}

// Restore loads persisted entries younger than the TTL and places them ahead
// of anything already queued. It returns the restored entries.
func (q *Queue) Restore(ctx context.Context) []QueuedEmit {
	if q.store == nil {
		return nil
	}

	data, err := q.store.Get(ctx, q.cfg.Key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			q.logger.Warn("failed to load queue", "key", q.cfg.Key, "error", err)
		}
		return nil
	}
	if data == "" {
		return nil
	}

	var records []record
	if err := sonic.UnmarshalString(data, &records); err != nil {
		q.logger.Warn("failed to decode persisted queue", "key", q.cfg.Key, "error", err)
		return nil
	}

	now := q.clock.Now()
	restored := make([]QueuedEmit, 0, len(records))
	for _, r := range records {
		ts := time.UnixMilli(r.Timestamp)
		if now.Sub(ts) >= q.cfg.TTL {
			continue
		}
		restored = append(restored, QueuedEmit{
			Event:      r.Event,
			Payload:    r.Data,
			EnqueuedAt: ts,
		})
	}

	var evicted []QueuedEmit
	q.mu.Lock()
	existing := q.ring.drain()
	for _, item := range append(restored, existing...) {
		if old, dropped := q.ring.push(item); dropped {
			evicted = append(evicted, old)
		}
	}
	q.mu.Unlock()

	for _, item := range evicted {
		q.logger.Warn("queue full, dropped oldest emit", "event", item.Event, "max_size", q.cfg.MaxSize)
		if q.onOverflow != nil {
			q.onOverflow(item)
		}
	}

	if expired := len(records) - len(restored); expired > 0 {
		q.logger.Info("discarded expired queued emits", "count", expired)
	}
	q.logger.Debug("restored queue", "count", len(restored))
	return restored
}

// Clear removes the persisted copy. The in-memory contents are untouched.
func (q *Queue) Clear(ctx context.Context) {
	if q.store == nil {
		return
	}
	if err := q.store.Remove(ctx, q.cfg.Key); err != nil {
		q.logger.Error("failed to clear persisted queue", "key", q.cfg.Key, "error", err)
	}
}
