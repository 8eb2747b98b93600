// Package log provides the structured logging interface used across expkit.
//
// The interface is slog-shaped so that call sites read the same no matter
// which backend is installed. The default backend is zerolog (see zerolog.go);
// tests swap in TestLogger to capture JSON lines in memory.
//
// Example usage:
//
//	logger := log.GetLoggerWithName("experiment").With(
//	    log.ExperimentNameKey, "baseline",
//	)
//	logger.Info("New experiment started",
//	    log.ExperimentIDKey, "1",
//	    log.ArtifactLocationKey, "./mlruns/1",
//	)
package log

import (
	"context"
)

// Logger defines a structured logging interface compatible with Go's log/slog.
//
// Fields are passed as alternating key/value pairs. Error additionally
// accepts an error value as its first field; implementations attach the
// error message and, when available, its stack trace.
type Logger interface {
	// Debug logs detailed diagnostic information, such as per-iteration
	// boosting progress.
	Debug(msg string, fields ...any)

	// Info logs general operational information about the workflow.
	//
	// Example:
	//   logger.Info("Run terminated", log.RunIDKey, runID, log.RunStatusKey, "FINISHED")
	Info(msg string, fields ...any)

	// Warn logs potentially problematic situations that do not stop the
	// workflow, e.g. an unknown hyperparameter.
	Warn(msg string, fields ...any)

	// Error logs an error condition. If the first field is an error it is
	// handled specially.
	//
	// Example:
	//   logger.Error("Failed to log artifact", err, log.ArtifactPathKey, "model")
	Error(msg string, fields ...any)

	// With returns a new Logger with the given fields pre-populated.
	With(fields ...any) Logger

	// Enabled reports whether the logger emits log records at the given level.
	Enabled(ctx context.Context, level Level) bool
}

// Level represents a logging level, compatible with slog.Level.
type Level int

// Standard logging levels, values are compatible with slog.Level.
const (
	LevelDebug Level = -4
	LevelInfo  Level = 0
	LevelWarn  Level = 4
	LevelError Level = 8
)

// String returns the string representation of the log level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts "debug", "info", "warn" or "error" to a Level.
func ParseLevel(s string) (Level, bool) {
	switch s {
	case "debug", "DEBUG":
		return LevelDebug, true
	case "info", "INFO":
		return LevelInfo, true
	case "warn", "WARN", "warning":
		return LevelWarn, true
	case "error", "ERROR":
		return LevelError, true
	default:
		return LevelInfo, false
	}
}

// LoggerProvider defines an interface for creating and configuring loggers.
type LoggerProvider interface {
	// GetLogger returns the default logger instance.
	GetLogger() Logger

	// GetLoggerWithName returns a logger with a specific component identifier.
	GetLoggerWithName(name string) Logger

	// SetLevel sets the minimum log level for all loggers created by this provider.
	SetLevel(level Level)
}
