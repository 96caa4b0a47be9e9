// Package logger provides structured logging setup for AegisCore.
package logger

import (
	"log/slog"
	"os"
	"strings"

	"github.com/halcyon-sec/aegiscore/internal/config"
)

// New creates a *slog.Logger from the given Logging config.
// Output is JSON to stdout with a "service" attribute on every record.
// When cfg.Async is set the handler is wrapped in an AsyncHandler and
// the returned Closer must be closed on shutdown to flush records.
func New(cfg config.Logging) (*slog.Logger, Closer) {
	level := parseLevel(cfg.Level)

	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})

	closer := Closer(nopCloser{})
	if cfg.Async {
		async := NewAsyncHandler(handler, 4096, 2)
		handler = async
		closer = async
	}

	return slog.New(handler).With("service", cfg.Service), closer
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
