// Package logging builds the structured loggers used across the
// authentication core.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// levelEnvVar overrides the environment-derived log level. Accepted
// values: debug, info, warn, error.
const levelEnvVar = "AUTH_LOG_LEVEL"

// NewLogger builds the root logger for the given runtime environment.
// Production emits JSON at info level for log shippers; anything else
// emits human-readable text at debug level. AUTH_LOG_LEVEL forces the
// level either way. Every entry carries the service attribute so the
// core's logs are filterable when embedded in a larger application.
func NewLogger(env string) *slog.Logger {
	production := strings.EqualFold(env, "production")

	level := slog.LevelDebug
	if production {
		level = slog.LevelInfo
	}

	if v := os.Getenv(levelEnvVar); v != "" {
		level = ParseLevel(v, level)
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if production {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler).With(slog.String("service", "bowpiauth"))
}

// ParseLevel maps a level name to its slog level, falling back when the
// name is unknown.
func ParseLevel(name string, fallback slog.Level) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return fallback
	}
}

// For tags a logger with the component it belongs to, so entries from
// the session manager, the recovery engine, and the network observer
// stay distinguishable in aggregated output.
func For(base *slog.Logger, component string) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}

	return base.With(slog.String("component", component))
}
