package logger

import (
	"go.uber.org/zap"
)

// Standard field names for consistent structured logging.
// Use these constants instead of raw strings.
const (
	// Identity
	FieldTaskID   = "task_id"
	FieldClientID = "client_id"

	// Components
	FieldComponent = "component"

	// Transport
	FieldURL         = "url"
	FieldMessageType = "message_type"
	FieldSizeBytes   = "size_bytes"
	FieldConnected   = "connected"

	// Reconnection
	FieldAttempt     = "attempt"
	FieldMaxAttempts = "max_attempts"
	FieldDelayMS     = "delay_ms"

	// Task state
	FieldStatus   = "status"
	FieldProgress = "progress"

	// Errors
	FieldError = "error"

	// Counts
	FieldCount = "count"
)

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
//
// Example:
//
//	m := &Manager{logger: logger.ComponentLogger("progress.manager")}
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

// ChildLogger creates a child logger with additional context.
//
// Example:
//
//	taskLogger := logger.ChildLogger(baseLogger, logger.FieldTaskID, id)
func ChildLogger(parent *zap.SugaredLogger, keysAndValues ...interface{}) *zap.SugaredLogger {
	return parent.With(keysAndValues...)
}
