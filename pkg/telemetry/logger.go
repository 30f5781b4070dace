// Package telemetry bundles the observability surface shared by the router,
// actors, and stores: structured logging, Prometheus metrics, and
// OpenTelemetry spans keyed to envelope traceparent headers.
package telemetry

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds the root logger. Levels follow zerolog names; unknown
// levels fall back to info. JSON output is for deployments, console for
// local runs.
func NewLogger(out io.Writer, level string, jsonOutput bool) zerolog.Logger {
	if out == nil {
		out = os.Stdout
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	if !jsonOutput {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// Component returns a child logger tagged with the component name.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}

// Nop returns a logger that discards everything, for tests and defaults.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
