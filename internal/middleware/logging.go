package middleware

import (
	"encoding/json"
	"log/slog"
)

// LogEmit returns an emit interceptor that logs every outbound event.
func LogEmit(logger *slog.Logger) EmitMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(event string, payload json.RawMessage, next EmitNext) {
		logger.Info("emit", "event", event, "data", string(payload))
		next(event, payload)
	}
}

// LogOn returns an on interceptor that logs every inbound event.
func LogOn(logger *slog.Logger) OnMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(event string, payload json.RawMessage, next OnNext) {
		logger.Info("on", "event", event, "data", string(payload))
		next(payload)
	}
}

// Logging returns an entry carrying both logging interceptors.
func Logging(logger *slog.Logger) Entry {
	return Entry{
		ID:   "logging",
		Emit: LogEmit(logger),
		On:   LogOn(logger),
	}
}
