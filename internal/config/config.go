package config

import "time"

// Config is the root configuration for the sockline client.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Auth       AuthConfig       `yaml:"auth"`
	Reconnect  ReconnectConfig  `yaml:"reconnect"`
	Queue      QueueConfig      `yaml:"queue"`
	Latency    LatencyConfig    `yaml:"latency"`
	Encryption EncryptionConfig `yaml:"encryption"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Log        LogConfig        `yaml:"log"`
}

// ServerConfig holds the real-time endpoint settings.
type ServerConfig struct {
	URL              string        `yaml:"url"` // ws:// or wss:// endpoint
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	PingTimeout      time.Duration `yaml:"ping_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
}

// AuthConfig selects the token source. The first non-empty source wins:
// token, token_file, then key_id with private_key_path.
type AuthConfig struct {
	Token          string `yaml:"token"`
	TokenFile      string `yaml:"token_file"`
	KeyID          string `yaml:"key_id"`           // Key ID embedded in signed tokens
	PrivateKeyPath string `yaml:"private_key_path"` // Path to RSA private key PEM file
}

// ReconnectConfig holds the retry policy.
type ReconnectConfig struct {
	MaxRetries    int           `yaml:"max_retries"`
	InitialDelay  time.Duration `yaml:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
}

// QueueConfig holds offline queue settings.
type QueueConfig struct {
	MaxSize int           `yaml:"max_size"`
	Persist bool          `yaml:"persist"`
	Key     string        `yaml:"key"`
	TTL     time.Duration `yaml:"ttl"`
	Store   StoreConfig   `yaml:"store"`
}

// StoreConfig selects the durability backend for the persisted queue.
type StoreConfig struct {
	Driver   string       `yaml:"driver"` // memory, badger or postgres
	Badger   BadgerConfig `yaml:"badger"`
	Postgres DBConfig     `yaml:"postgres"`
}

// BadgerConfig holds embedded key-value store settings.
type BadgerConfig struct {
	Dir      string `yaml:"dir"`
	InMemory bool   `yaml:"in_memory"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// LatencyConfig holds latency sampling settings.
type LatencyConfig struct {
	Interval    time.Duration `yaml:"interval"`
	HistorySize int           `yaml:"history_size"`
}

// EncryptionConfig holds payload encryption settings.
type EncryptionConfig struct {
	Enabled       bool     `yaml:"enabled"`
	SecretKey     string   `yaml:"secret_key"`
	EncryptEvents []string `yaml:"encrypt_events"`
	DecryptEvents []string `yaml:"decrypt_events"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}
