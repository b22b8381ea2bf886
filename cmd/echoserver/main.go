// Command echoserver is a reference real-time server for sockline. It checks
// the bearer token, acknowledges latency probes and echoes every other event
// back as "echo".
package main

import (
	"context"
	"crypto/rsa"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/sockline/internal/auth"
	"github.com/rickgao/sockline/internal/connection"
	"github.com/rickgao/sockline/internal/transport/ws"
)

// EchoEvent is the event name used for echoed payloads.
const EchoEvent = "echo"

func main() {
	addr := flag.String("addr", ":8081", "listen address")
	token := flag.String("token", "", "accepted bearer token (empty accepts any)")
	publicKey := flag.String("public-key", "", "RSA public key PEM for signed tokens")
	maxAge := flag.Duration("max-age", time.Minute, "maximum age of signed tokens")
	revokeAfter := flag.Duration("revoke-after", 0, "send unauthorized after this long (0 disables)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	var pub *rsa.PublicKey
	if *publicKey != "" {
		var err error
		pub, err = auth.LoadPublicKey(*publicKey)
		if err != nil {
			logger.Error("failed to load public key", "error", err)
			os.Exit(1)
		}
	}

	srv := &server{
		check:       tokenChecker(*token, pub, *maxAge),
		revokeAfter: *revokeAfter,
		logger:      logger,
	}

	httpServer := &http.Server{
		Addr:    *addr,
		Handler: srv,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	go func() {
		logger.Info("echo server listening", "addr", *addr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
	logger.Info("echo server stopped")
}

// tokenChecker accepts the static token, a signed token verified with pub,
// or anything when neither is configured.
func tokenChecker(static string, pub *rsa.PublicKey, maxAge time.Duration) func(string) bool {
	return func(token string) bool {
		if static == "" && pub == nil {
			return true
		}
		if static != "" && token == static {
			return true
		}
		if pub != nil {
			if _, err := auth.VerifyToken(pub, token, time.Now(), maxAge); err == nil {
				return true
			}
		}
		return false
	}
}

type server struct {
	check       func(token string) bool
	revokeAfter time.Duration
	logger      *slog.Logger
	upgrader    websocket.Upgrader
}

func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !s.check(token) {
		s.logger.Warn("rejected handshake", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	s.logger.Info("client connected", "remote", r.RemoteAddr)
	s.serve(conn)
	s.logger.Info("client disconnected", "remote", r.RemoteAddr)
}

func (s *server) serve(conn *websocket.Conn) {
	var writeMu sync.Mutex
	write := func(f ws.Frame) error {
		data, err := ws.EncodeFrame(f)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteMessage(websocket.TextMessage, data)
	}

	if s.revokeAfter > 0 {
		timer := time.AfterFunc(s.revokeAfter, func() {
			s.logger.Info("revoking session")
			write(ws.Frame{Type: ws.FrameEvent, Event: ws.EventUnauthorized})
		})
		defer timer.Stop()
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := ws.DecodeFrame(data)
		if err != nil || frame.Type != ws.FrameEvent {
			continue
		}

		if frame.ID != 0 {
			if err := write(ws.Frame{Type: ws.FrameAck, ID: frame.ID, Data: frame.Data}); err != nil {
				return
			}
		}
		if frame.Event == connection.LatencyEvent {
			continue
		}

		s.logger.Debug("echo", "event", frame.Event, "data", string(frame.Data))
		if err := write(ws.Frame{Type: ws.FrameEvent, Event: EchoEvent, Data: frame.Data}); err != nil {
			return
		}
	}
}
