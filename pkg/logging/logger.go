// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"io"
	"os"
	"strings"

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

	// LevelDisabled turns logging off.
	LevelDisabled LogLevel = "disabled"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer

	// Fields are attached to every log line, e.g. the STAC API root.
	Fields map[string]string
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	logCtx := zerolog.New(output).With().Timestamp()
	for k, v := range cfg.Fields {
		logCtx = logCtx.Str(k, v)
	}
	logger := logCtx.Logger()

	// Set as global logger
	log.Logger = logger

	return logger
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
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
// Debug: Detailed information for debugging
//   - Cache operations (hit/miss, key, TTL)
//   - Page fetches (page index, next link method)
//   - Conditional requests and ETags
//
// Info: Normal operation events
//   - Search started/finished with item counts
//   - Requests that succeeded after retry
//   - Metrics server startup/shutdown
//
// Warn: Warning conditions that don't prevent operation
//   - Low rate limit budget, Retry-After blocks
//   - Retry attempts exhausted
//   - Cache errors (fallback to direct request)
//
// Error: Error conditions requiring attention
//   - Failed searches and page retrieval errors
//   - Inconsistent result sets
//   - Configuration errors
//
// Context Fields:
//   - component: emitting package (stac-client, search-pager, rate-limiter, cli)
//   - endpoint: request path, usually /search
//   - page: 0-based page index
//   - status: HTTP status code
//   - error_class: Error classification (client, server, rate_limit, network)
//   - remaining: advertised rate limit budget
//   - etag: ETag value for conditional requests
//   - ttl: Cache entry TTL
