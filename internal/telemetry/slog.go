package telemetry

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// logLevel backs the default logger so the level can change at runtime
// (config reload) without rebuilding the handler.
var logLevel = new(slog.LevelVar)

// ParseLevel maps "debug", "info", "warn"/"warning" and "error" (case-insensitive)
// to a slog.Level. Anything else is info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// SetupLogger installs the default slog logger.
//
// format: "json" → JSONHandler (production), anything else → TextHandler.
// level:  see ParseLevel.
func SetupLogger(format, level string) {
	slog.SetDefault(NewLogger(os.Stdout, format, level))
	slog.Info("logger initialised", "format", format, "level", logLevel.Level().String())
}

// NewLogger builds a logger writing to w that shares the runtime-adjustable level.
func NewLogger(w io.Writer, format, level string) *slog.Logger {
	logLevel.Set(ParseLevel(level))
	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel.Level() == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// SetLevel changes the level of every logger created by NewLogger or SetupLogger.
// Returns true when the level actually changed.
func SetLevel(level string) bool {
	next := ParseLevel(level)
	if logLevel.Level() == next {
		return false
	}
	logLevel.Set(next)
	return true
}
