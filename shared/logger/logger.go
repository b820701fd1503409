package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// redacted replaces the value of sensitive attributes
const redacted = "[REDACTED]"

// sensitiveKeys are attribute names whose values never reach the output
var sensitiveKeys = map[string]struct{}{
	"credential":    {},
	"authorization": {},
	"password":      {},
	"token":         {},
}

// Config holds logger configuration
type Config struct {
	Level        string // debug, info, warn, error
	Format       string // json, console
	Output       string // stdout, stderr, or file path
	EnableSource bool   // Enable source code location
	TimeFormat   string // Time format for console output

	// writer overrides Output, used by tests
	writer io.Writer
}

// Logger wraps slog.Logger
type Logger struct {
	*slog.Logger
	closer io.Closer
}

// New creates a new logger instance
func New(config *Config) (*Logger, error) {
	level := parseLevel(config.Level)

	var (
		writer io.Writer
		closer io.Closer
	)
	switch {
	case config.writer != nil:
		writer = config.writer
	case config.Output == "stderr":
		writer = os.Stderr
	case config.Output == "stdout", config.Output == "":
		writer = os.Stdout
	default:
		f, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writer, closer = f, f
	}

	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level:       level,
		AddSource:   config.EnableSource,
		ReplaceAttr: redact,
	}

	switch config.Format {
	case "json":
		handler = slog.NewJSONHandler(writer, opts)
	case "console", "":
		// Use tint for colorful console output
		timeFormat := config.TimeFormat
		if timeFormat == "" {
			timeFormat = time.RFC3339
		}

		handler = tint.NewHandler(writer, &tint.Options{
			Level:       level,
			AddSource:   config.EnableSource,
			TimeFormat:  timeFormat,
			NoColor:     closer != nil,
			ReplaceAttr: redact,
		})
	default:
		handler = slog.NewJSONHandler(writer, opts)
	}

	logger := slog.New(handler)

	return &Logger{Logger: logger, closer: closer}, nil
}

// NewDefault creates a logger with default settings (console format, info level)
func NewDefault() *Logger {
	handler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:       slog.LevelInfo,
		TimeFormat:  time.TimeOnly,
		NoColor:     false,
		ReplaceAttr: redact,
	})

	return &Logger{Logger: slog.New(handler)}
}

// Close releases the log file, if any
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// redact masks sensitive attributes wherever they appear, including groups
func redact(_ []string, a slog.Attr) slog.Attr {
	if _, ok := sensitiveKeys[strings.ToLower(a.Key)]; ok {
		return slog.String(a.Key, redacted)
	}
	return a
}

// parseLevel converts string level to slog.Level
func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithGroup creates a new logger with a group namespace
func (l *Logger) WithGroup(name string) *Logger {
	return &Logger{Logger: l.Logger.WithGroup(name)}
}

// WithAttrs creates a new logger with additional attributes
func (l *Logger) WithAttrs(attrs ...slog.Attr) *Logger {
	return &Logger{Logger: l.Logger.With(attrsToAny(attrs)...)}
}

// With creates a new logger with additional key-value pairs
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// attrsToAny converts []slog.Attr to []any
func attrsToAny(attrs []slog.Attr) []any {
	result := make([]any, len(attrs))
	for i, attr := range attrs {
		result[i] = attr
	}
	return result
}
