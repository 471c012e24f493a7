// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Component names used as the "component" field.
const (
	ComponentBatch     = "batch"
	ComponentStore     = "media-store"
	ComponentRateLimit = "ratelimit"
	ComponentCLI       = "cli"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger and returns it.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(ParseLevel(string(cfg.Level)))

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.DateTime}
	}

	logger := zerolog.New(out).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// ParseLevel converts a level name to a zerolog.Level, falling back to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: per-request detail
//   - list/fetch/upload requests and their durations
//   - rate limit header updates while healthy
//   - retry backoff decisions
//
// Info: run milestones
//   - page completed, cursor advanced
//   - rate limit pause started/finished
//   - run summary
//
// Warn: degraded but continuing
//   - remote quota running low (throttling)
//   - retry attempts
//   - shared rate limit state unavailable (fallback to local state)
//
// Error: failures
//   - per-image failure (always with public_id and stage)
//   - listing failure (fatal to the run)
//   - configuration errors
//
// Context Fields:
//   - public_id: image identifier in the media store
//   - stage: fetch, transcode or upload
//   - cursor: pagination cursor
//   - page: page sequence number within the run
//   - quota_units: Quota Counter value
//   - status: HTTP status code
//   - error_class: client, server, rate_limit, network, not_found
