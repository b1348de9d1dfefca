// Package log wraps zerolog to provide structured, component-scoped logging
// for collabdoc, the way cuemby-warren's pkg/log wraps it for Warren.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// global is the process-wide base logger, set by Init.
var global = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Config controls the base logger's level and format.
type Config struct {
	Level      string // debug|info|warn|error
	JSONOutput bool
	Output     io.Writer
}

// Init installs the process-wide base logger. Call once at startup.
func Init(cfg Config) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if !cfg.JSONOutput {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	global = zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// WithComponent returns a logger tagged with component=name, e.g. "session",
// "room_hub", "update_store", "rate_limiter".
func WithComponent(name string) zerolog.Logger {
	return global.With().Str("component", name).Logger()
}

// WithRoom returns a logger additionally tagged with the room id.
func WithRoom(name, roomID string) zerolog.Logger {
	return global.With().Str("component", name).Str("room_id", roomID).Logger()
}

// Global returns the process-wide base logger for callers that don't need a
// component tag (e.g. the CLI entrypoint).
func Global() zerolog.Logger { return global }
