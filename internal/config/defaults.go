package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultPingInterval     = 30 * time.Second
	DefaultPingTimeout      = 60 * time.Second
	DefaultWriteTimeout     = 5 * time.Second
	DefaultMaxRetries       = 5
	DefaultInitialDelay     = 1 * time.Second
	DefaultMaxDelay         = 30 * time.Second
	DefaultBackoffFactor    = 2.0
	DefaultQueueMaxSize     = 100
	DefaultQueueKey         = "sockline.queue"
	DefaultQueueTTL         = 15 * time.Minute
	DefaultStoreDriver      = "memory"
	DefaultLatencyInterval  = 5 * time.Second
	DefaultLatencyHistory   = 100
	DefaultDBPort           = 5432
	DefaultDBSSLMode        = "prefer"
	DefaultMaxConns         = 4
	DefaultMinConns         = 1
	DefaultMetricsPort      = 9090
	DefaultMetricsPath      = "/metrics"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"
)

// ApplyDefaults fills zero-valued optional fields.
func (c *Config) ApplyDefaults() {
	// Server defaults
	if c.Server.HandshakeTimeout == 0 {
		c.Server.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Server.PingInterval == 0 {
		c.Server.PingInterval = DefaultPingInterval
	}
	if c.Server.PingTimeout == 0 {
		c.Server.PingTimeout = DefaultPingTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = DefaultWriteTimeout
	}

	// Reconnect defaults
	if c.Reconnect.MaxRetries == 0 {
		c.Reconnect.MaxRetries = DefaultMaxRetries
	}
	if c.Reconnect.InitialDelay == 0 {
		c.Reconnect.InitialDelay = DefaultInitialDelay
	}
	if c.Reconnect.MaxDelay == 0 {
		c.Reconnect.MaxDelay = DefaultMaxDelay
	}
	if c.Reconnect.BackoffFactor == 0 {
		c.Reconnect.BackoffFactor = DefaultBackoffFactor
	}

	// Queue defaults
	if c.Queue.MaxSize == 0 {
		c.Queue.MaxSize = DefaultQueueMaxSize
	}
	if c.Queue.Key == "" {
		c.Queue.Key = DefaultQueueKey
	}
	if c.Queue.TTL == 0 {
		c.Queue.TTL = DefaultQueueTTL
	}
	if c.Queue.Store.Driver == "" {
		c.Queue.Store.Driver = DefaultStoreDriver
	}
	applyDBDefaults(&c.Queue.Store.Postgres)

	// Latency defaults
	if c.Latency.Interval == 0 {
		c.Latency.Interval = DefaultLatencyInterval
	}
	if c.Latency.HistorySize == 0 {
		c.Latency.HistorySize = DefaultLatencyHistory
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
