// Package logger provides the process-wide structured logger used by devlink.
// It wraps log/slog with level/format selection and a few shorthand helpers.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Logger is the global logger instance
var Logger *slog.Logger

var (
	mu     sync.Mutex
	out    io.Writer = os.Stdout
	level  string    = "info"
	format string    = "text"
)

func init() {
	Init("info", "text")
}

// ParseLevel maps "debug", "info", "warn"/"warning" and "error" to a slog level.
// Unknown values fall back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Init rebuilds the global logger.
// level: "debug", "info", "warn", "error"
// format: "text" or "json"
func Init(lvl, fmtName string) {
	mu.Lock()
	defer mu.Unlock()

	level, format = lvl, fmtName
	rebuild()
}

// SetOutput redirects log output, keeping the current level and format.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()

	out = w
	rebuild()
}

func rebuild() {
	logLevel := ParseLevel(level)

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// Info logs at INFO level
func Info(msg string, args ...any) {
	Logger.Info(msg, args...)
}

// Error logs at ERROR level
func Error(msg string, args ...any) {
	Logger.Error(msg, args...)
}

// Debug logs at DEBUG level
func Debug(msg string, args ...any) {
	Logger.Debug(msg, args...)
}

// Warn logs at WARN level
func Warn(msg string, args ...any) {
	Logger.Warn(msg, args...)
}

// With returns a logger with the given attributes
func With(args ...any) *slog.Logger {
	return Logger.With(args...)
}

// Channel returns a logger tagged with a channel name.
func Channel(name string) *slog.Logger {
	return Logger.With("channel", name)
}
