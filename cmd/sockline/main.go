package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/sockline/internal/config"
	"github.com/rickgao/sockline/internal/connection"
	"github.com/rickgao/sockline/internal/encryption"
	"github.com/rickgao/sockline/internal/metrics"
	"github.com/rickgao/sockline/internal/middleware"
	"github.com/rickgao/sockline/internal/queue"
	"github.com/rickgao/sockline/internal/transport/ws"
	"github.com/rickgao/sockline/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/sockline.yaml", "path to config file")
	listen := flag.String("listen", "echo", "comma-separated inbound events to print")
	flag.Parse()

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(os.Stderr, cfg.Log)
	slog.SetDefault(logger)

	logger.Info("starting sockline",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
		"url", cfg.Server.URL,
	)

	if err := run(cfg, splitEvents(*listen), logger); err != nil {
		logger.Error("sockline failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, listen []string, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	tokens, err := newTokenSource(cfg.Auth)
	if err != nil {
		return fmt.Errorf("token source: %w", err)
	}

	st, closeStore, err := openStore(ctx, cfg.Queue, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeStore()

	hooks := []connection.Hooks{lifecycleHooks(logger)}
	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.New()
		hooks = append(hooks, collector.Hooks())
	}

	opts := []connection.Option{
		connection.WithLogger(logger),
		connection.WithTokenProvider(tokens.provider),
		connection.WithHooks(connection.MergeHooks(hooks...)),
	}
	if st != nil {
		opts = append(opts, connection.WithStore(st))
	}
	if tokens.refreshable {
		opts = append(opts, connection.WithUnauthorizedHandler(connection.UnauthorizedHandler(tokens.provider)))
	}

	factory := ws.NewFactory(ws.Config{
		URL:              cfg.Server.URL,
		HandshakeTimeout: cfg.Server.HandshakeTimeout,
		PingInterval:     cfg.Server.PingInterval,
		PingTimeout:      cfg.Server.PingTimeout,
		WriteTimeout:     cfg.Server.WriteTimeout,
	}, logger)

	manager, err := connection.NewManager(managerConfig(cfg), factory, opts...)
	if err != nil {
		return fmt.Errorf("create connection manager: %w", err)
	}

	if cfg.Log.Level == "debug" {
		manager.AddMiddleware(middleware.Logging(logger))
	}
	if cfg.Encryption.Enabled {
		entry, err := encryption.Plugin(encryption.Options{
			SecretKey:     cfg.Encryption.SecretKey,
			EncryptEvents: cfg.Encryption.EncryptEvents,
			DecryptEvents: cfg.Encryption.DecryptEvents,
			Logger:        logger,
		})
		if err != nil {
			return err
		}
		manager.AddMiddleware(entry)
	}

	for _, event := range listen {
		event := event
		manager.On(event, func(payload json.RawMessage) {
			fmt.Fprintf(os.Stdout, "%s %s\n", event, payload)
		})
	}

	g, gctx := errgroup.WithContext(ctx)

	if collector != nil {
		collector.Watch(manager)
		manager.OnLatencyUpdate(collector.ObserveLatency)

		server := metrics.NewServer(collector.Registry(), cfg.Metrics.Port, cfg.Metrics.Path,
			healthCheck(manager), logger)
		g.Go(func() error { return server.Run(gctx) })
	}

	if err := manager.Start(gctx); err != nil {
		return fmt.Errorf("start connection manager: %w", err)
	}

	lines := make(chan string)
	go scanLines(os.Stdin, lines)

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					logger.Info("input closed")
					<-gctx.Done()
					return nil
				}
				send(manager, line, logger)
			}
		}
	})

	<-gctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := manager.Stop(shutdownCtx); err != nil {
		logger.Warn("stop connection manager", "error", err)
	}

	stats := manager.Stats()
	logger.Info("sockline stopped",
		"queued", stats.QueueLen,
		"flushed", stats.Flushed,
	)

	return g.Wait()
}

func managerConfig(cfg *config.Config) connection.Config {
	return connection.Config{
		MaxRetries:      cfg.Reconnect.MaxRetries,
		InitialDelay:    cfg.Reconnect.InitialDelay,
		MaxDelay:        cfg.Reconnect.MaxDelay,
		BackoffFactor:   cfg.Reconnect.BackoffFactor,
		MaxQueueSize:    cfg.Queue.MaxSize,
		PersistQueue:    cfg.Queue.Persist,
		QueueKey:        cfg.Queue.Key,
		QueueTTL:        cfg.Queue.TTL,
		LatencyInterval: cfg.Latency.Interval,
		LatencyHistory:  cfg.Latency.HistorySize,
	}
}

// send parses an "event <json>" line and emits it, queueing while offline.
func send(m *connection.Manager, line string, logger *slog.Logger) {
	event, payload, err := parseLine(line)
	if err != nil {
		logger.Warn("ignoring input", "line", line, "error", err)
		return
	}
	if event == "" {
		return
	}

	m.EmitWithQueue(event, payload, func(ack json.RawMessage) {
		logger.Debug("ack", "event", event, "data", string(ack))
	})
}

var errInvalidPayload = errors.New("payload is not valid JSON")

// parseLine splits "event <json>". The payload is optional. Blank lines
// yield an empty event.
func parseLine(line string) (string, json.RawMessage, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", nil, nil
	}

	event, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return event, nil, nil
	}
	if !json.Valid([]byte(rest)) {
		return "", nil, errInvalidPayload
	}
	return event, json.RawMessage(rest), nil
}

func scanLines(r io.Reader, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

func splitEvents(s string) []string {
	var events []string
	for _, e := range strings.Split(s, ",") {
		if e = strings.TrimSpace(e); e != "" {
			events = append(events, e)
		}
	}
	return events
}

// newLogger builds the process logger from config.
func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func lifecycleHooks(logger *slog.Logger) connection.Hooks {
	return connection.Hooks{
		OnRetry: func(attempt int, delay time.Duration) {
			logger.Info("reconnect scheduled", "attempt", attempt, "delay", delay)
		},
		OnGiveUp: func() {
			logger.Error("reconnect attempts exhausted")
		},
		OnQueueOverflow: func(dropped queue.QueuedEmit) {
			logger.Warn("offline queue overflow", "event", dropped.Event)
		},
		OnStateChange: func(from, to connection.State) {
			logger.Info("connection state", "from", from.String(), "to", to.String())
		},
		OnFlush: func(count int) {
			logger.Info("offline queue flushed", "count", count)
		},
	}
}

func healthCheck(m *connection.Manager) metrics.HealthFunc {
	return func() error {
		switch s := m.State(); s {
		case connection.StateFailed, connection.StateUnauthorized:
			return fmt.Errorf("connection %s", s)
		}
		return nil
	}
}
