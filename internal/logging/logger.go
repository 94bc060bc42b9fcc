// Package logging provides structured logging for the list server.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// Context keys for common fields
	listKey     contextKey = "list"
	filebaseKey contextKey = "filebase"
	queueKey    contextKey = "queue"
	senderKey   contextKey = "sender"
)

// Logger wraps slog with list-server-specific functionality.
type Logger struct {
	*slog.Logger
	out *reopenableWriter
}

// Config configures the logger.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string
	// Format is the output format (json, text).
	Format string
	// Output is the output destination (stdout, stderr, or file path).
	Output string
	// AddSource adds source code location to log entries.
	AddSource bool
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Level:     "info",
		Format:    "json",
		Output:    "stdout",
		AddSource: false,
	}
}

// reopenableWriter is an io.Writer whose file target can be reopened,
// supporting log rotation on SIGHUP. For stdout/stderr Reopen is a no-op.
type reopenableWriter struct {
	mu   sync.Mutex
	path string // empty for stdout/stderr
	w    io.Writer
	f    *os.File
}

func newReopenableWriter(output string) (*reopenableWriter, error) {
	switch output {
	case "stdout", "":
		return &reopenableWriter{w: os.Stdout}, nil
	case "stderr":
		return &reopenableWriter{w: os.Stderr}, nil
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, err
		}
		return &reopenableWriter{path: output, w: f, f: f}, nil
	}
}

func (r *reopenableWriter) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.w.Write(p)
}

// Reopen closes and reopens the underlying file.
func (r *reopenableWriter) Reopen() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.path == "" {
		return nil
	}
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	old := r.f
	r.f = f
	r.w = f
	if old != nil {
		old.Close()
	}
	return nil
}

// New creates a new Logger with the given configuration.
func New(cfg Config) (*Logger, error) {
	// Parse log level
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	output, err := newReopenableWriter(cfg.Output)
	if err != nil {
		return nil, err
	}

	// Create handler options
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Customize time format
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format(time.RFC3339Nano))
				}
			}
			return a
		},
	}

	// Create handler based on format
	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(output, opts)
	case "json", "":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewJSONHandler(output, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
		out:    output,
	}, nil
}

// Default returns a default logger.
func Default() *Logger {
	logger, _ := New(DefaultConfig())
	return logger
}

// Reopen reopens the log file, if logging to a file. Called on SIGHUP.
func (l *Logger) Reopen() error {
	if l.out == nil {
		return nil
	}
	return l.out.Reopen()
}

// WithList returns a new context with the list name.
func WithList(ctx context.Context, list string) context.Context {
	return context.WithValue(ctx, listKey, list)
}

// WithFilebase returns a new context with the queue entry filebase.
func WithFilebase(ctx context.Context, filebase string) context.Context {
	return context.WithValue(ctx, filebaseKey, filebase)
}

// WithQueue returns a new context with the queue name.
func WithQueue(ctx context.Context, queue string) context.Context {
	return context.WithValue(ctx, queueKey, queue)
}

// WithSender returns a new context with the envelope sender.
func WithSender(ctx context.Context, sender string) context.Context {
	return context.WithValue(ctx, senderKey, sender)
}

// extractContextAttrs extracts logging attributes from context.
func extractContextAttrs(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr

	if v := ctx.Value(listKey); v != nil {
		attrs = append(attrs, slog.String("list", v.(string)))
	}
	if v := ctx.Value(filebaseKey); v != nil {
		attrs = append(attrs, slog.String("filebase", v.(string)))
	}
	if v := ctx.Value(queueKey); v != nil {
		attrs = append(attrs, slog.String("queue", v.(string)))
	}
	if v := ctx.Value(senderKey); v != nil {
		attrs = append(attrs, slog.String("sender", v.(string)))
	}

	return attrs
}

// InfoContext logs an info message with context.
func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.Logger.InfoContext(ctx, msg, l.contextArgs(ctx, args)...)
}

// ErrorContext logs an error message with context.
func (l *Logger) ErrorContext(ctx context.Context, msg string, err error, args ...any) {
	allArgs := make([]any, 0, len(args)+2)
	if err != nil {
		allArgs = append(allArgs, "error", err.Error())
	}
	allArgs = append(allArgs, args...)
	l.Logger.ErrorContext(ctx, msg, l.contextArgs(ctx, allArgs)...)
}

// WarnContext logs a warning message with context.
func (l *Logger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.Logger.WarnContext(ctx, msg, l.contextArgs(ctx, args)...)
}

// DebugContext logs a debug message with context.
func (l *Logger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.Logger.DebugContext(ctx, msg, l.contextArgs(ctx, args)...)
}

func (l *Logger) contextArgs(ctx context.Context, args []any) []any {
	attrs := extractContextAttrs(ctx)
	allArgs := make([]any, 0, len(attrs)*2+len(args))
	for _, attr := range attrs {
		allArgs = append(allArgs, attr.Key, attr.Value.Any())
	}
	return append(allArgs, args...)
}

// WithError returns a logger with the error attached.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return &Logger{Logger: l.Logger.With("error", err.Error()), out: l.out}
}

// WithFields returns a logger with additional fields.
func (l *Logger) WithFields(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), out: l.out}
}

// Master returns a logger configured for the master supervisor.
func (l *Logger) Master() *Logger {
	return &Logger{Logger: l.Logger.With("component", "master"), out: l.out}
}

// Runner returns a logger configured for a named queue runner.
func (l *Logger) Runner(name string) *Logger {
	return &Logger{Logger: l.Logger.With("component", "runner", "runner", name), out: l.out}
}

// Lock returns a logger configured for lock operations.
func (l *Logger) Lock() *Logger {
	return &Logger{Logger: l.Logger.With("component", "lock"), out: l.out}
}

// Bounce returns a logger configured for bounce processing.
func (l *Logger) Bounce() *Logger {
	return &Logger{Logger: l.Logger.With("component", "bounce"), out: l.out}
}

// Moderation returns a logger configured for moderation sweeps.
func (l *Logger) Moderation() *Logger {
	return &Logger{Logger: l.Logger.With("component", "moderation"), out: l.out}
}

// Delivery returns a logger configured for outbound delivery.
func (l *Logger) Delivery() *Logger {
	return &Logger{Logger: l.Logger.With("component", "delivery"), out: l.out}
}

// Tasks returns a logger configured for periodic tasks.
func (l *Logger) Tasks() *Logger {
	return &Logger{Logger: l.Logger.With("component", "tasks"), out: l.out}
}
