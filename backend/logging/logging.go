// Package logging sets up the application's structured log. Every record is
// one JSON object per line carrying app, version and pid, which is the
// format the log viewer reads back.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// LevelFatal sits above slog.LevelError and is written as "FATAL".
const LevelFatal = slog.Level(12)

// Options describes where and how to log
type Options struct {
	File    string
	Level   string
	App     string
	Version string
	Console io.Writer // nil means os.Stdout
}

// Setup opens the log file and returns a logger writing JSON to both the
// console and the file. The returned closer closes the file.
func Setup(opts Options) (*slog.Logger, io.Closer, error) {
	if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	logFile, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}

	console := opts.Console
	if console == nil {
		console = os.Stdout
	}

	level, err := ParseLevel(opts.Level)
	if err != nil {
		logFile.Close()
		return nil, nil, err
	}

	return New(io.MultiWriter(console, logFile), level, opts.App, opts.Version), logFile, nil
}

// New returns a JSON logger on w with the standard attributes attached.
func New(w io.Writer, level slog.Level, app, version string) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceLevel,
	})
	return slog.New(handler).With(
		slog.String("app", app),
		slog.String("version", version),
		slog.Int("pid", os.Getpid()),
	)
}

func replaceLevel(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey || len(groups) > 0 {
		return a
	}
	if level, ok := a.Value.Any().(slog.Level); ok && level >= LevelFatal {
		a.Value = slog.StringValue("FATAL")
	}
	return a
}

// ParseLevel accepts debug, info, warn, warning, error and fatal in any case.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	case "fatal":
		return LevelFatal, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Fatal logs msg at FATAL and exits.
func Fatal(logger *slog.Logger, msg string, args ...any) {
	logger.Log(context.Background(), LevelFatal, msg, args...)
	os.Exit(1)
}
