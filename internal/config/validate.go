package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return errors.New("server.url is required")
	}
	if !strings.HasPrefix(c.Server.URL, "ws://") && !strings.HasPrefix(c.Server.URL, "wss://") {
		return fmt.Errorf("server.url must use ws:// or wss://, got %q", c.Server.URL)
	}

	if c.Auth.Token == "" && c.Auth.TokenFile == "" && c.Auth.KeyID == "" {
		return errors.New("auth requires one of token, token_file or key_id")
	}
	if c.Auth.Token == "" && c.Auth.TokenFile == "" && c.Auth.PrivateKeyPath == "" {
		return errors.New("auth.private_key_path is required with auth.key_id")
	}

	if c.Reconnect.MaxRetries < 0 {
		return errors.New("reconnect.max_retries must be >= 0")
	}
	if c.Reconnect.BackoffFactor < 1 {
		return fmt.Errorf("reconnect.backoff_factor must be >= 1, got %g", c.Reconnect.BackoffFactor)
	}
	if c.Reconnect.InitialDelay > c.Reconnect.MaxDelay {
		return fmt.Errorf("reconnect.initial_delay (%s) cannot exceed max_delay (%s)",
			c.Reconnect.InitialDelay, c.Reconnect.MaxDelay)
	}

	if c.Queue.MaxSize < 1 {
		return errors.New("queue.max_size must be >= 1")
	}
	if err := c.Queue.Store.validate("queue.store"); err != nil {
		return err
	}

	if c.Latency.Interval <= 0 {
		return errors.New("latency.interval must be > 0")
	}

	if c.Encryption.Enabled && c.Encryption.SecretKey == "" {
		return errors.New("encryption.secret_key is required when encryption is enabled")
	}

	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	return nil
}

func (s *StoreConfig) validate(prefix string) error {
	switch s.Driver {
	case "memory":
		return nil
	case "badger":
		if s.Badger.Dir == "" && !s.Badger.InMemory {
			return fmt.Errorf("%s.badger.dir is required unless in_memory is set", prefix)
		}
		return nil
	case "postgres":
		return s.Postgres.validate(prefix + ".postgres")
	default:
		return fmt.Errorf("%s.driver must be memory, badger or postgres, got %q", prefix, s.Driver)
	}
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
