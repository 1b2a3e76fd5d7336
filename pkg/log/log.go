// Package log holds the process-wide zerolog logger.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var log zerolog.Logger

// DefaultLevel is in effect until SetLevel is called
const DefaultLevel = zerolog.InfoLevel

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.SetGlobalLevel(DefaultLevel)
	SetConsoleWriter()
}

// Log returns the process logger
func Log() *zerolog.Logger {
	return &log
}

// SetWriter replaces the logger output with w
func SetWriter(w io.Writer) {
	log = zerolog.New(w).With().Timestamp().Logger()
}

// SetConsoleWriter logs human readable lines to stderr
func SetConsoleWriter() {
	SetWriter(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"})
}

// SetJSONWriter logs one JSON object per line to stderr
func SetJSONWriter() {
	SetWriter(os.Stderr)
}

// SetFormat selects the writer by name ("console" or "json")
func SetFormat(format string) error {
	switch strings.ToLower(format) {
	case "", "console":
		SetConsoleWriter()
	case "json":
		SetJSONWriter()
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	return nil
}

// SetLevel sets the global level by name
func SetLevel(level string) error {
	l, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if l == zerolog.NoLevel {
		l = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(l)
	return nil
}

// Debug starts a debug level event
func Debug() *zerolog.Event { return log.Debug() }

// Info starts an info level event
func Info() *zerolog.Event { return log.Info() }

// Warn starts a warning level event
func Warn() *zerolog.Event { return log.Warn() }

// Error starts an error level event carrying err
func Error(err error) *zerolog.Event { return log.Error().Err(err) }
