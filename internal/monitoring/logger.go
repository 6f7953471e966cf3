// Package monitoring holds logger construction and Prometheus metrics for the
// BEER server.
package monitoring

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogFormat selects the logger output encoding.
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"
	LogFormatPretty LogFormat = "pretty"
)

// LoggerConfig holds logger configuration.
type LoggerConfig struct {
	Level  zerolog.Level
	Format LogFormat
}

// NewLogger creates the structured logger used throughout the server.
// JSON output by default (log-aggregator friendly), ConsoleWriter for local
// runs. Components derive sub-loggers with
// logger.With().Str("component", ...).Logger().
func NewLogger(config LoggerConfig) zerolog.Logger {
	var output io.Writer = os.Stdout
	if config.Format == LogFormatPretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	zerolog.SetGlobalLevel(config.Level)

	return zerolog.New(output).
		With().
		Timestamp().
		Str("service", "beer-server").
		Logger()
}

// InitGlobalLogger installs the configured logger as zerolog's global logger.
func InitGlobalLogger(config LoggerConfig) {
	log.Logger = NewLogger(config)
}

// RecoverPanic logs a recovered panic and lets the process continue. Used in
// defer blocks of every long-lived goroutine so a single connection cannot
// take the server down.
func RecoverPanic(logger zerolog.Logger, goroutineName string) {
	if r := recover(); r != nil {
		logger.Error().
			Str("goroutine", goroutineName).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack())).
			Msg("goroutine panic recovered")
	}
}
