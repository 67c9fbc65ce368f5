// Package logging builds the structured logger shared by every subsystem.
package logging

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// New creates a structured logger with text output on stdout.
// app: application name (e.g., "stevedore")
// level: one of "debug", "info", "warn", "error" (default: "info")
func New(app string, level string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}
	handler := slog.NewTextHandler(os.Stdout, opts)
	logger := slog.New(handler)

	// Add default attributes: app and pid
	return logger.With(
		slog.String("app", app),
		slog.Int("pid", os.Getpid()),
	)
}

// NewWithFile is like New but also appends JSON records to a rotated log
// file. When the TUI owns stdout, callers pass discardStdout to keep the
// terminal clean and log to the file only.
func NewWithFile(app, level, path string, discardStdout bool) *slog.Logger {
	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // MB
		MaxBackups: 3,
		Compress:   false,
	}

	var w io.Writer = rotator
	if !discardStdout {
		w = io.MultiWriter(os.Stdout, rotator)
	}

	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}
	logger := slog.New(slog.NewJSONHandler(w, opts))

	return logger.With(
		slog.String("app", app),
		slog.Int("pid", os.Getpid()),
	)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "info":
		return slog.LevelInfo
	default:
		return slog.LevelInfo
	}
}
