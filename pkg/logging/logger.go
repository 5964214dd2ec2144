// Package logging defines the structured logger used across the billing engine.
// Components accept a Logger and fall back to NoopLogger when none is supplied.
package logging

import "time"

// Field represents a structured log field.
type Field struct {
	Key   string
	Value interface{}
}

// Logger defines the interface for structured logging.
type Logger interface {
	// Debug logs a debug message with fields.
	Debug(msg string, fields ...Field)

	// Info logs an info message with fields.
	Info(msg string, fields ...Field)

	// Warn logs a warning message with fields.
	Warn(msg string, fields ...Field)

	// Error logs an error message with fields.
	Error(msg string, fields ...Field)
}

// NoopLogger is a no-op implementation of the Logger interface.
type NoopLogger struct{}

func (n *NoopLogger) Debug(msg string, fields ...Field) {}
func (n *NoopLogger) Info(msg string, fields ...Field)  {}
func (n *NoopLogger) Warn(msg string, fields ...Field)  {}
func (n *NoopLogger) Error(msg string, fields ...Field) {}

// OrNoop returns l, or a NoopLogger when l is nil.
func OrNoop(l Logger) Logger {
	if l == nil {
		return &NoopLogger{}
	}
	return l
}

// Shorthand field constructors.

func Workspace(id string) Field { return Field{Key: "workspace_id", Value: id} }

func Meter(name string) Field { return Field{Key: "meter", Value: name} }

func EventType(t string) Field { return Field{Key: "event_type", Value: t} }

func Queue(name string) Field { return Field{Key: "queue", Value: name} }

func Err(err error) Field { return Field{Key: "error", Value: err} }

func Duration(d time.Duration) Field { return Field{Key: "duration", Value: d.String()} }

func F(key string, value interface{}) Field { return Field{Key: key, Value: value} }
