// Package logging provides process-wide structured logging built on zerolog.
package logging

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config configures the global logger.
type Config struct {
	// Level is one of zerolog's level strings: "debug", "info", "warn",
	// "error", "fatal", or "disabled".
	Level string

	// Console selects a human-readable console writer instead of JSON.
	Console bool
}

var (
	initOnce sync.Once
	base     zerolog.Logger
)

// Init configures the global logger. Safe to call once at process startup;
// subsequent calls are no-ops.
func Init(cfg Config) {
	initOnce.Do(func() {
		level, err := zerolog.ParseLevel(cfg.Level)
		if err != nil {
			level = zerolog.InfoLevel
		}
		zerolog.SetGlobalLevel(level)

		var writer = os.Stderr
		if cfg.Console {
			base = zerolog.New(zerolog.ConsoleWriter{Out: writer, TimeFormat: time.RFC3339}).
				With().Timestamp().Logger()
			return
		}
		base = zerolog.New(writer).With().Timestamp().Logger()
	})
}

// WithComponent returns a logger scoped to the named component. If Init
// hasn't been called yet, a sane default (info level, JSON to stderr) is
// used so packages never need a nil check.
func WithComponent(name string) zerolog.Logger {
	initOnce.Do(func() {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
		base = zerolog.New(os.Stderr).With().Timestamp().Logger()
	})
	return base.With().Str("component", name).Logger()
}
