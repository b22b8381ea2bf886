// Package latency samples round-trip time over a live connection.
//
// A Tracker sends a probe on a fixed interval and measures the time until
// the peer acknowledges it. Samples are whole milliseconds, never below 1ms.
package latency

import (
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Defaults
const (
	DefaultInterval    = 5 * time.Second
	DefaultHistorySize = 100
)

// Prober sends one probe. ack must be called when the peer acknowledges it.
type Prober func(ack func()) error

// Config configures a Tracker. Zero values take defaults; a negative
// HistorySize keeps every sample.
type Config struct {
	Interval    time.Duration
	HistorySize int
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.HistorySize == 0 {
		c.HistorySize = DefaultHistorySize
	}
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock sets the clock driving the probe interval and measurements.
func WithClock(c clock.Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// Tracker measures latency, safe for concurrent use.
type Tracker struct {
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger

	mu        sync.Mutex
	run       uint64 // incremented on every Start and Stop
	stop      chan struct{}
	ticker    *clock.Ticker
	latest    time.Duration
	hasSample bool
	history   []time.Duration
	subs      []subscriber
	nextSub   uint64
}

// New creates an idle tracker.
func New(cfg Config, opts ...Option) *Tracker {
	cfg.applyDefaults()

	t := &Tracker{
		cfg:   cfg,
		clock: clock.New(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	t.logger = t.logger.With("component", "latency")
	return t
}

// Start begins probing every Interval, replacing any previous run.
func (t *Tracker) Start(probe Prober) {
	t.mu.Lock()
	t.stopLocked()
	t.run++
	run := t.run
	stop := make(chan struct{})
	t.stop = stop
	ticker := t.clock.Ticker(t.cfg.Interval)
	t.ticker = ticker
	t.mu.Unlock()

	go t.loop(run, probe, ticker, stop)
}

// Stop ends the current run. Acks still in flight are ignored.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
	t.run++
}

func (t *Tracker) stopLocked() {
	if t.stop != nil {
		close(t.stop)
		t.stop = nil
	}
	if t.ticker != nil {
		t.ticker.Stop()
		t.ticker = nil
	}
}

func (t *Tracker) loop(run uint64, probe Prober, ticker *clock.Ticker, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !t.current(run) {
				return
			}
			start := t.clock.Now()
			var once sync.Once
			err := probe(func() {
				once.Do(func() { t.record(run, t.clock.Since(start)) })
			})
			if err != nil {
				t.logger.Debug("latency probe failed", "error", err)
			}
		}
	}
}

func (t *Tracker) record(run uint64, elapsed time.Duration) {
	sample := elapsed.Truncate(time.Millisecond)
	if sample < time.Millisecond {
		sample = time.Millisecond
	}

	t.mu.Lock()
	if run != t.run {
		t.mu.Unlock()
		return
	}
	t.latest = sample
	t.hasSample = true
	t.history = append(t.history, sample)
	if t.cfg.HistorySize > 0 && len(t.history) > t.cfg.HistorySize {
		t.history = t.history[len(t.history)-t.cfg.HistorySize:]
	}
	subs := make([]subscriber, len(t.subs))
	copy(subs, t.subs)
	t.mu.Unlock()

	for _, s := range subs {
		s.fn(sample)
	}
}

func (t *Tracker) current(run uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.run == run
}

// Latest returns the most recent sample, if any.
func (t *Tracker) Latest() (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.latest, t.hasSample
}

// History returns a copy of recorded samples, oldest first.
func (t *Tracker) History() []time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]time.Duration, len(t.history))
	copy(out, t.history)
	return out
}

// Subscribe registers cb to receive every new sample. The returned function
// removes it.
func (t *Tracker) Subscribe(cb func(time.Duration)) (unsubscribe func()) {
	t.mu.Lock()
	t.nextSub++
	id := t.nextSub
	t.subs = append(t.subs, subscriber{id: id, fn: cb})
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, s := range t.subs {
			if s.id == id {
				t.subs = append(t.subs[:i:i], t.subs[i+1:]...)
				return
			}
		}
	}
}

type subscriber struct {
	id uint64
	fn func(time.Duration)
}
