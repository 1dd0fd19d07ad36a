// Package logging provides structured logging setup with colored
// terminal output (via tint) and runtime-adjustable log levels.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// Level is the global atomic log level.
var Level = new(slog.LevelVar) // default: INFO

// Options configures Setup.
type Options struct {
	// File, when set, receives JSON logs instead of stderr so that the
	// console output is not interleaved with log records.
	File string
	// SessionID is attached to every record as "session_id".
	SessionID string
}

// Setup initializes the global slog logger. When logging to stderr and
// stderr is a TTY it uses tint for colored output; otherwise it writes
// JSON. The returned function closes the log file, if any.
func Setup(opts Options) (func(), error) {
	closer := func() {}

	var handler slog.Handler
	switch {
	case opts.File != "":
		f, err := openLogFile(opts.File)
		if err != nil {
			return closer, err
		}
		closer = func() { _ = f.Close() }
		handler = slog.NewJSONHandler(f, &slog.HandlerOptions{Level: Level})
	case isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()):
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      Level,
			TimeFormat: time.TimeOnly,
		})
	default:
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: Level,
		})
	}

	logger := slog.New(handler)
	if opts.SessionID != "" {
		logger = logger.With("session_id", opts.SessionID)
	}
	slog.SetDefault(logger)
	return closer, nil
}

func openLogFile(path string) (io.WriteCloser, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

// SetLevel changes the global log level.
func SetLevel(l slog.Level) {
	Level.Set(l)
}

// GetLevel returns the current global log level.
func GetLevel() slog.Level {
	return Level.Level()
}

// ParseLevel converts a string like "debug", "info", "warn", "error"
// to the corresponding slog.Level. It is case-insensitive.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	err := l.UnmarshalText([]byte(strings.ToUpper(s)))
	return l, err
}
