package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
)

// Logger is the structured logging interface used across the service.
// Every method takes the request context so that fields stored with
// WithLogField (cluster, object key, trace ids) end up on the record.
type Logger interface {
	Debug(ctx context.Context, message string)
	Debugf(ctx context.Context, format string, args ...interface{})
	Info(ctx context.Context, message string)
	Infof(ctx context.Context, format string, args ...interface{})
	Warn(ctx context.Context, message string)
	Warnf(ctx context.Context, format string, args ...interface{})
	Error(ctx context.Context, message string)
	Errorf(ctx context.Context, format string, args ...interface{})
	// Fatal logs at error level and exits the process
	Fatal(ctx context.Context, message string)

	With(key string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
	// WithError is a no-op for a nil error
	WithError(err error) Logger
	Without(key string) Logger
}

var _ Logger = &logger{}

type logger struct {
	slog   *slog.Logger
	fields map[string]interface{}
}

// Config holds logger configuration
type Config struct {
	// Level is the minimum log level: "debug", "info", "warn", "error"
	Level string
	// Format is "text" or "json"
	Format string
	// Output is "stdout", "stderr" or empty. Ignored when Writer is set.
	Output string
	// Writer overrides Output, mostly for tests
	Writer    io.Writer
	Component string
	Version   string
}

// DefaultConfig returns the configuration used when nothing is set
func DefaultConfig() Config {
	return Config{
		Level:     "info",
		Format:    "text",
		Output:    "stdout",
		Component: "k8s-cache",
		Version:   "unknown",
	}
}

// ConfigFromEnv reads LOG_LEVEL, LOG_FORMAT and LOG_OUTPUT on top of DefaultConfig
func ConfigFromEnv() Config {
	cfg := DefaultConfig()

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Level = strings.ToLower(level)
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Format = strings.ToLower(format)
	}
	if output := os.Getenv("LOG_OUTPUT"); output != "" {
		cfg.Output = output
	}

	return cfg
}

// NewLogger creates a Logger. The output must be "stdout", "stderr" or empty
// unless a Writer is given.
func NewLogger(cfg Config) (Logger, error) {
	writer := cfg.Writer
	if writer == nil {
		switch cfg.Output {
		case "stdout", "":
			writer = os.Stdout
		case "stderr":
			writer = os.Stderr
		default:
			return nil, fmt.Errorf("invalid log output %q: must be 'stdout', 'stderr', or empty", cfg.Output)
		}
	}

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(writer, opts)
	} else {
		handler = slog.NewTextHandler(writer, opts)
	}

	return &logger{
		slog: slog.New(handler).With(
			"component", cfg.Component,
			"version", cfg.Version,
			"hostname", hostname(),
		),
		fields: make(map[string]interface{}),
	}, nil
}

func hostname() string {
	if name, _ := os.Hostname(); name != "" {
		return name
	}
	if name := os.Getenv("POD_NAME"); name != "" {
		return name
	}
	return "unknown"
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// attrs flattens logger fields and context fields into slog key/value pairs.
// Context fields win over logger fields with the same key.
func (l *logger) attrs(ctx context.Context) []any {
	ctxFields := GetLogFields(ctx)
	args := make([]any, 0, (len(l.fields)+len(ctxFields))*2)
	for k, v := range l.fields {
		if _, shadowed := ctxFields[k]; shadowed {
			continue
		}
		args = append(args, k, v)
	}
	for k, v := range ctxFields {
		args = append(args, k, v)
	}
	return args
}

func (l *logger) log(ctx context.Context, level slog.Level, message string) {
	if ctx == nil {
		ctx = context.Background()
	}
	l.slog.Log(ctx, level, message, l.attrs(ctx)...)
}

func (l *logger) Debug(ctx context.Context, message string) { l.log(ctx, slog.LevelDebug, message) }

func (l *logger) Debugf(ctx context.Context, format string, args ...interface{}) {
	l.log(ctx, slog.LevelDebug, fmt.Sprintf(format, args...))
}

func (l *logger) Info(ctx context.Context, message string) { l.log(ctx, slog.LevelInfo, message) }

func (l *logger) Infof(ctx context.Context, format string, args ...interface{}) {
	l.log(ctx, slog.LevelInfo, fmt.Sprintf(format, args...))
}

func (l *logger) Warn(ctx context.Context, message string) { l.log(ctx, slog.LevelWarn, message) }

func (l *logger) Warnf(ctx context.Context, format string, args ...interface{}) {
	l.log(ctx, slog.LevelWarn, fmt.Sprintf(format, args...))
}

func (l *logger) Error(ctx context.Context, message string) { l.log(ctx, slog.LevelError, message) }

func (l *logger) Errorf(ctx context.Context, format string, args ...interface{}) {
	l.log(ctx, slog.LevelError, fmt.Sprintf(format, args...))
}

func (l *logger) Fatal(ctx context.Context, message string) {
	l.log(ctx, slog.LevelError, message)
	os.Exit(1)
}

// derive returns a copy of l whose fields are changed by mutate
func (l *logger) derive(mutate func(map[string]interface{})) Logger {
	fields := make(map[string]interface{}, len(l.fields)+1)
	for k, v := range l.fields {
		fields[k] = v
	}
	mutate(fields)
	return &logger{slog: l.slog, fields: fields}
}

func (l *logger) With(key string, value interface{}) Logger {
	return l.derive(func(f map[string]interface{}) { f[key] = value })
}

func (l *logger) WithFields(fields map[string]interface{}) Logger {
	return l.derive(func(f map[string]interface{}) {
		for k, v := range fields {
			f[k] = v
		}
	})
}

// WithError returns l itself when err is nil so that
// log.WithError(maybeNil).Info(...) stays cheap.
func (l *logger) WithError(err error) Logger {
	if err == nil {
		return l
	}
	return l.With("error", err.Error())
}

func (l *logger) Without(key string) Logger {
	return l.derive(func(f map[string]interface{}) { delete(f, key) })
}

// GetStackTrace returns the stack of the caller, skipping skip frames above it
func GetStackTrace(skip int) []string {
	var pcs [32]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var stack []string
	for {
		frame, more := frames.Next()
		stack = append(stack, fmt.Sprintf("%s() %s:%d", frame.Function, frame.File, frame.Line))
		if !more {
			break
		}
	}
	return stack
}
