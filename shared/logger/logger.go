package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lmittmann/tint"
	slogmulti "github.com/samber/slog-multi"
)

// Config holds logger configuration
type Config struct {
	Level        string // debug, info, warn, error
	Format       string // json, console
	Output       string // stdout, stderr, or file path
	EnableSource bool   // Enable source code location
	TimeFormat   string // Time format for console output

	// writer overrides the output stream in tests
	writer io.Writer
}

// Logger wraps slog.Logger
type Logger struct {
	*slog.Logger
	file *os.File
}

// New creates a new logger instance. A file Output keeps the configured
// format on stdout and also writes JSON lines to the file.
func New(config *Config) (*Logger, error) {
	level := parseLevel(config.Level)

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: config.EnableSource,
	}

	if config.writer != nil {
		return &Logger{Logger: slog.New(newHandler(config, config.writer, opts))}, nil
	}

	switch config.Output {
	case "stderr":
		return &Logger{Logger: slog.New(newHandler(config, os.Stderr, opts))}, nil
	case "stdout", "":
		return &Logger{Logger: slog.New(newHandler(config, os.Stdout, opts))}, nil
	}

	if err := os.MkdirAll(filepath.Dir(config.Output), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	handler := slogmulti.Fanout(
		newHandler(config, os.Stdout, opts),
		slog.NewJSONHandler(f, opts),
	)
	return &Logger{Logger: slog.New(handler), file: f}, nil
}

func newHandler(config *Config, writer io.Writer, opts *slog.HandlerOptions) slog.Handler {
	switch config.Format {
	case "json":
		return slog.NewJSONHandler(writer, opts)
	case "console", "":
		// Use tint for colorful console output
		timeFormat := config.TimeFormat
		if timeFormat == "" {
			timeFormat = time.RFC3339
		}

		return tint.NewHandler(writer, &tint.Options{
			Level:      opts.Level,
			AddSource:  opts.AddSource,
			TimeFormat: timeFormat,
			NoColor:    false, // Enable colors
		})
	default:
		return slog.NewJSONHandler(writer, opts)
	}
}

// Close releases the log file, if any
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
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
