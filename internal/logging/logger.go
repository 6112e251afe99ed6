// Package logging provides the structured logger used across the engine.
// Loggers carry session and rule correlation fields.
package logging

import (
	"log/slog"
	"os"
)

// Logger wraps slog.Logger so call sites can attach correlation fields
// without importing slog everywhere.
type Logger struct {
	*slog.Logger
}

// New creates a Logger with the specified level and format. format can be
// "json" or "text" (default is json).
func New(level slog.Level, format string) *Logger {
	opts := &slog.HandlerOptions{
		Level: level,
		// Add source location for errors and above
		AddSource: level <= slog.LevelError,
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return &Logger{Logger: slog.New(handler)}
}

// Default returns a logger backed by slog.Default.
func Default() *Logger {
	return &Logger{Logger: slog.Default()}
}

// With returns a new logger with the given attributes added.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// ForSession returns a logger carrying the session correlation id.
func (l *Logger) ForSession(sessionID string) *Logger {
	return l.With(slog.String("session_id", sessionID))
}

// ForRule returns a logger carrying session and rule correlation ids.
func (l *Logger) ForRule(sessionID, ruleID string) *Logger {
	return l.With(slog.String("session_id", sessionID), slog.String("rule_id", ruleID))
}

// ParseLevel converts a string log level to slog.Level. Valid values:
// "debug", "info", "warn", "error". Returns slog.LevelInfo for invalid
// values.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
