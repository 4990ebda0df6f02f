package events

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger routes watermill logs into zerolog.
type Logger struct {
	fields watermill.LogFields
}

// NewLogger creates a watermill logger backed by the global zerolog logger.
func NewLogger() *Logger {
	return &Logger{}
}

func (l *Logger) event(e *zerolog.Event, fields watermill.LogFields) *zerolog.Event {
	return e.Str("component", "watermill").Fields(map[string]any(l.fields.Add(fields)))
}

func (l *Logger) Error(msg string, err error, fields watermill.LogFields) {
	l.event(log.Error().Err(err), fields).Msg(msg)
}

func (l *Logger) Info(msg string, fields watermill.LogFields) {
	l.event(log.Debug(), fields).Msg(msg)
}

func (l *Logger) Debug(msg string, fields watermill.LogFields) {
	l.event(log.Trace(), fields).Msg(msg)
}

func (l *Logger) Trace(msg string, fields watermill.LogFields) {
	l.event(log.Trace(), fields).Msg(msg)
}

func (l *Logger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &Logger{fields: l.fields.Add(fields)}
}
