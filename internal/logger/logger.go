// Package logger configures the service-wide zerolog logger.
package logger

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config controls logger construction.
type Config struct {
	Level       string // debug | info | warn | error (default info)
	Environment string // "development" enables console output
	ServiceName string
	Version     string
}

// Logger wraps zerolog.Logger so call sites can use the fluent API directly.
type Logger struct {
	zerolog.Logger
}

// New builds the root logger. Production output is JSON on stdout; the
// development environment gets human-readable console output.
func New(cfg Config) *Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var out = zerolog.New(os.Stdout)
	if cfg.Environment == "development" {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	l := out.Level(level).With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Str("version", cfg.Version).
		Logger()

	return &Logger{Logger: l}
}
