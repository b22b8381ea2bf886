package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/rickgao/sockline/internal/connection"
	"github.com/rickgao/sockline/internal/queue"
)

const namespace = "sockline"

var allStates = []connection.State{
	connection.StateIdle,
	connection.StateConnecting,
	connection.StateConnected,
	connection.StateDisconnected,
	connection.StateReconnecting,
	connection.StateUnauthorized,
	connection.StateFailed,
}

// StatsSource is read when metrics are scraped.
type StatsSource interface {
	Stats() connection.Stats
}

// Collector holds the connection metrics and the registry they live in.
type Collector struct {
	registry *prometheus.Registry
	source   atomic.Pointer[StatsSource]

	state         *prometheus.GaugeVec
	transitions   *prometheus.CounterVec
	retries       prometheus.Counter
	giveUps       prometheus.Counter
	overflows     *prometheus.CounterVec
	flushedEmits  prometheus.Counter
	flushes       prometheus.Counter
	latency       prometheus.Histogram
	latencyLatest prometheus.Gauge
}

// New creates a Collector with its own registry, including the Go runtime
// and process collectors.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Current connection state (1 for the active state, 0 otherwise)",
		}, []string{"state"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Connection state transitions by target state",
		}, []string{"to"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts scheduled",
		}),
		giveUps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_giveups_total",
			Help:      "Times the manager stopped retrying",
		}),
		overflows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_overflow_total",
			Help:      "Queued emits dropped because the queue was full",
		}, []string{"event"}),
		flushedEmits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_flushed_emits_total",
			Help:      "Queued emits replayed on connect",
		}),
		flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_flushes_total",
			Help:      "Queue flushes that replayed at least one emit",
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "latency_seconds",
			Help:      "Round-trip latency of ping-latency probes",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		latencyLatest: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "latency_latest_seconds",
			Help:      "Most recent round-trip latency sample",
		}),
	}

	queueLen := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_length",
		Help:      "Emits waiting in the offline queue",
	}, func() float64 {
		src := c.source.Load()
		if src == nil {
			return 0
		}
		return float64((*src).Stats().QueueLen)
	})

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.state,
		c.transitions,
		c.retries,
		c.giveUps,
		c.overflows,
		c.flushedEmits,
		c.flushes,
		c.latency,
		c.latencyLatest,
		queueLen,
	)

	c.setState(connection.StateIdle)
	return c
}

// Registry returns the registry backing the Collector.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Watch sets the source read for scrape-time gauges.
func (c *Collector) Watch(src StatsSource) {
	c.source.Store(&src)
}

// Hooks returns connection hooks that feed the Collector.
func (c *Collector) Hooks() connection.Hooks {
	return connection.Hooks{
		OnRetry: func(int, time.Duration) {
			c.retries.Inc()
		},
		OnGiveUp: func() {
			c.giveUps.Inc()
		},
		OnQueueOverflow: func(dropped queue.QueuedEmit) {
			c.overflows.WithLabelValues(dropped.Event).Inc()
		},
		OnStateChange: func(_, to connection.State) {
			c.transitions.WithLabelValues(to.String()).Inc()
			c.setState(to)
		},
		OnFlush: func(count int) {
			c.flushes.Inc()
			c.flushedEmits.Add(float64(count))
		},
	}
}

// ObserveLatency records a latency sample.
func (c *Collector) ObserveLatency(d time.Duration) {
	c.latency.Observe(d.Seconds())
	c.latencyLatest.Set(d.Seconds())
}

func (c *Collector) setState(current connection.State) {
	for _, s := range allStates {
		v := 0.0
		if s == current {
			v = 1
		}
		c.state.WithLabelValues(s.String()).Set(v)
	}
}
