package log

import (
	"strings"

	"github.com/rs/zerolog"
)

// BadgerLogger adapts the process logger to badger's Logger interface.
// Badger is chatty at info level, so its info lines are logged at debug.
type BadgerLogger struct{}

func (BadgerLogger) Errorf(format string, args ...interface{}) {
	badgerEvent(zerolog.ErrorLevel).Msgf(trim(format), args...)
}

func (BadgerLogger) Warningf(format string, args ...interface{}) {
	badgerEvent(zerolog.WarnLevel).Msgf(trim(format), args...)
}

func (BadgerLogger) Infof(format string, args ...interface{}) {
	badgerEvent(zerolog.DebugLevel).Msgf(trim(format), args...)
}

func (BadgerLogger) Debugf(format string, args ...interface{}) {
	badgerEvent(zerolog.TraceLevel).Msgf(trim(format), args...)
}

func badgerEvent(level zerolog.Level) *zerolog.Event {
	return log.WithLevel(level).Str("component", "badger")
}

func trim(format string) string {
	return strings.TrimRight(format, "\n")
}
