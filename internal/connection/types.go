package connection

import (
	"context"
	"errors"
	"time"

	"github.com/rickgao/sockline/internal/queue"
)

// Errors
var (
	ErrNoTokenProvider = errors.New("no token provider configured")
	ErrEmptyToken      = errors.New("token provider returned empty token")
	ErrNotStarted      = errors.New("manager not started")
	ErrStopped         = errors.New("manager stopped")
	ErrNilFactory      = errors.New("transport factory is required")
)

// LatencyEvent is the event emitted to measure round-trip time. The peer
// must acknowledge it.
const LatencyEvent = "ping-latency"

// State is the lifecycle state of the managed connection.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateReconnecting
	StateUnauthorized
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateReconnecting:
		return "reconnecting"
	case StateUnauthorized:
		return "unauthorized"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// TokenProvider fetches a credential for a new transport.
type TokenProvider func(ctx context.Context) (string, error)

// UnauthorizedHandler obtains a fresh credential after the server rejected
// the current one.
type UnauthorizedHandler func(ctx context.Context) (string, error)

// Hooks receive lifecycle notifications. Every field is optional. Hooks run
// outside the manager lock.
type Hooks struct {
	OnRetry         func(attempt int, delay time.Duration) // 1-based attempt about to be scheduled
	OnGiveUp        func()
	OnQueueOverflow func(dropped queue.QueuedEmit)
	OnStateChange   func(from, to State)
	OnFlush         func(count int)
}

// MergeHooks combines hook sets; each notification fans out in argument order.
func MergeHooks(hooks ...Hooks) Hooks {
	var merged Hooks
	for _, h := range hooks {
		h := h
		if h.OnRetry != nil {
			prev := merged.OnRetry
			merged.OnRetry = func(attempt int, delay time.Duration) {
				if prev != nil {
					prev(attempt, delay)
				}
				h.OnRetry(attempt, delay)
			}
		}
		if h.OnGiveUp != nil {
			prev := merged.OnGiveUp
			merged.OnGiveUp = func() {
				if prev != nil {
					prev()
				}
				h.OnGiveUp()
			}
		}
		if h.OnQueueOverflow != nil {
			prev := merged.OnQueueOverflow
			merged.OnQueueOverflow = func(dropped queue.QueuedEmit) {
				if prev != nil {
					prev(dropped)
				}
				h.OnQueueOverflow(dropped)
			}
		}
		if h.OnStateChange != nil {
			prev := merged.OnStateChange
			merged.OnStateChange = func(from, to State) {
				if prev != nil {
					prev(from, to)
				}
				h.OnStateChange(from, to)
			}
		}
		if h.OnFlush != nil {
			prev := merged.OnFlush
			merged.OnFlush = func(count int) {
				if prev != nil {
					prev(count)
				}
				h.OnFlush(count)
			}
		}
	}
	return merged
}

// Config configures the Connection Manager. Zero values take defaults.
type Config struct {
	MaxRetries      int           // Failed attempts before giving up; negative disables retries
	InitialDelay    time.Duration // Delay before the first retry
	MaxDelay        time.Duration // Upper bound on any retry delay
	BackoffFactor   float64       // Delay multiplier per attempt; below 1 takes the default
	MaxQueueSize    int           // Offline queue capacity
	PersistQueue    bool          // Persist the offline queue to the store
	QueueKey        string        // Store key for the persisted queue
	QueueTTL        time.Duration // Persisted entries older than this are dropped on restore
	LatencyInterval time.Duration // Time between latency probes
	LatencyHistory  int           // Samples kept; negative keeps all
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:      5,
		InitialDelay:    1 * time.Second,
		MaxDelay:        30 * time.Second,
		BackoffFactor:   2,
		MaxQueueSize:    queue.DefaultMaxSize,
		QueueKey:        queue.DefaultKey,
		QueueTTL:        queue.DefaultTTL,
		LatencyInterval: 5 * time.Second,
		LatencyHistory:  100,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.MaxRetries == 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = def.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = def.MaxDelay
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = def.BackoffFactor
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = def.MaxQueueSize
	}
	if c.QueueKey == "" {
		c.QueueKey = def.QueueKey
	}
	if c.QueueTTL <= 0 {
		c.QueueTTL = def.QueueTTL
	}
	if c.LatencyInterval <= 0 {
		c.LatencyInterval = def.LatencyInterval
	}
	if c.LatencyHistory == 0 {
		c.LatencyHistory = def.LatencyHistory
	}
}

// Stats is a point-in-time view of the manager.
type Stats struct {
	State          State
	Connected      bool
	QueueLen       int
	Flushed        int64 // Queued emits replayed on connect, cumulative
	RetryAttempt   int
	Latency        time.Duration // Zero until the first sample
	LatencyHistory []time.Duration
}
