// Package logging provides structured logging functionality for proccensus.
//
// Structured logs go to stderr (or a file) through log/slog. They are kept
// apart from the human-readable census lines the driver prints to stdout.
//
// Example usage:
//
//	logger, err := logging.NewLogger(cfg.Logging)
//	logger.Info("Process spawned", "pid", pid, "command", command)
//	logger.LogError(ctx, "Run aborted", err)
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bebsworthy/proccensus/internal/config"
	"github.com/bebsworthy/proccensus/internal/errors"
)

// RunIDKey is the context key for run IDs
type RunIDKey struct{}

// Logger wraps slog.Logger with proccensus-specific functionality
type Logger struct {
	*slog.Logger
	config config.LoggingConfig
	writer io.Writer
}

// NewLogger creates a new structured logger with the given configuration
func NewLogger(cfg config.LoggingConfig) (*Logger, error) {
	writer, err := createLogWriter(cfg.OutputFile)
	if err != nil {
		return nil, fmt.Errorf("failed to create log writer: %w", err)
	}
	return NewLoggerWithWriter(cfg, writer)
}

// NewLoggerWithWriter creates a logger that writes to w instead of the configured output
func NewLoggerWithWriter(cfg config.LoggingConfig, w io.Writer) (*Logger, error) {
	level, err := parseLogLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	// Verbose lowers the threshold to info so per-iteration events show up
	if cfg.Verbose && level > slog.LevelInfo {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					return slog.String(slog.TimeKey, t.Format(time.RFC3339))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "text", "":
		handler = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.Format)
	}

	return &Logger{
		Logger: slog.New(&RunIDHandler{Handler: handler}),
		config: cfg,
		writer: w,
	}, nil
}

// parseLogLevel converts string log level to slog.Level
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level: %s", level)
	}
}

// createLogWriter creates the appropriate writer for log output
func createLogWriter(outputFile string) (io.Writer, error) {
	if outputFile == "" {
		return os.Stderr, nil
	}

	dir := filepath.Dir(outputFile)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %q: %w", dir, err)
	}

	file, err := os.OpenFile(outputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %q: %w", outputFile, err)
	}

	return file, nil
}

// RunIDHandler wraps another handler to tag records with the run ID from the context
type RunIDHandler struct {
	slog.Handler
}

// Handle adds the run ID, if any, before delegating
func (h *RunIDHandler) Handle(ctx context.Context, r slog.Record) error {
	if runID := GetRunID(ctx); runID != "" {
		r.AddAttrs(slog.String("run_id", runID))
	}
	return h.Handler.Handle(ctx, r)
}

// WithAttrs returns a new handler with the given attributes
func (h *RunIDHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &RunIDHandler{Handler: h.Handler.WithAttrs(attrs)}
}

// WithGroup returns a new handler with the given group
func (h *RunIDHandler) WithGroup(name string) slog.Handler {
	return &RunIDHandler{Handler: h.Handler.WithGroup(name)}
}

// WithRunID adds a run ID to the context
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey{}, runID)
}

// GetRunID retrieves the run ID from the context
func GetRunID(ctx context.Context) string {
	if id, ok := ctx.Value(RunIDKey{}).(string); ok {
		return id
	}
	return ""
}

// NewRunID returns a run ID derived from the current time and pid
func NewRunID() string {
	return fmt.Sprintf("%d-%d", os.Getpid(), time.Now().UnixNano())
}

// ForDriver returns a logger for the loop driver. It shares the handler and
// output of l, so closing either closes both.
func (l *Logger) ForDriver(command string) *Logger {
	return &Logger{
		Logger: l.Logger.With(
			slog.String("component", "driver"),
			slog.String("service", "proccensus"),
			slog.String("command", command),
		),
		config: l.config,
		writer: l.writer,
	}
}

// Component returns a child logger tagged with a component name
func (l *Logger) Component(name string) *slog.Logger {
	return l.Logger.With(slog.String("component", name))
}

// LogTiming logs the duration of an operation
func (l *Logger) LogTiming(ctx context.Context, operation string, start time.Time, attrs ...slog.Attr) {
	allAttrs := []slog.Attr{
		slog.String("operation", operation),
		slog.Duration("duration", time.Since(start)),
	}
	allAttrs = append(allAttrs, attrs...)

	l.LogAttrs(ctx, slog.LevelDebug, "Operation completed", allAttrs...)
}

// LogError logs an error with its classification expanded into attributes
func (l *Logger) LogError(ctx context.Context, msg string, err error, attrs ...slog.Attr) {
	if err == nil {
		return
	}

	allAttrs := []slog.Attr{slog.String("error", err.Error())}
	allAttrs = append(allAttrs, errors.ClassifyError(err).LogAttrs()...)
	allAttrs = append(allAttrs, attrs...)

	l.LogAttrs(ctx, slog.LevelError, msg, allAttrs...)
}

// Close closes any file resources used by the logger
func (l *Logger) Close() error {
	if l.writer == os.Stderr || l.writer == os.Stdout {
		return nil
	}
	if closer, ok := l.writer.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

var defaultLogger *Logger

// SetDefault sets the default logger instance
func SetDefault(logger *Logger) {
	defaultLogger = logger
}

// Default returns the default logger instance
func Default() *Logger {
	if defaultLogger == nil {
		logger, _ := NewLogger(config.DefaultConfig().Logging)
		return logger
	}
	return defaultLogger
}
