// Package logger provides structured logging for ksefsync.
//
// It wraps the standard library log/slog to provide structured JSON or
// text logging with automatic redaction of credentials and key material.
// Run ids and reference numbers carried by a context are attached to
// every record logged with that context.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Logger is the application logger interface.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	With(args ...any) Logger
	WithContext(ctx context.Context) Logger
}

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string
	// Format is json (default) or text.
	Format string
	// Output defaults to os.Stderr; stdout carries command output.
	Output io.Writer
	// AddSource adds source file information to log entries.
	AddSource bool
}

// DefaultConfig returns the configuration used before the config file is read.
func DefaultConfig() Config {
	return Config{Level: "info", Format: "json", Output: os.Stderr}
}

// New creates a logger. Loggers derived from it with With or WithContext
// share its level.
func New(cfg Config) (Logger, error) {
	level := new(slog.LevelVar)
	level.Set(parseLevel(cfg.Level))

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.AddSource,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			return redactSensitive(a)
		},
	}

	var h slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text", "console":
		h = slog.NewTextHandler(out, opts)
	default:
		h = slog.NewJSONHandler(out, opts)
	}

	return &slogLogger{
		logger: slog.New(contextHandler{h}),
		level:  level,
		ctx:    context.Background(),
	}, nil
}

// SetLevel changes the level of the default logger and everything derived
// from it. The config watcher calls this when the config file changes.
func SetLevel(s string) {
	defaultLogger.Load().level.Set(parseLevel(s))
}

// GetLevel returns the level name of the default logger.
func GetLevel() string {
	return strings.ToLower(defaultLogger.Load().level.Level().String())
}

// parseLevel maps a level name onto slog; unknown names are info.
func parseLevel(s string) slog.Level {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "warning") {
		return slog.LevelWarn
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// contextHandler adds the run id and reference number found in the
// record's context.
type contextHandler struct {
	slog.Handler
}

func (h contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if id := RunIDFromContext(ctx); id != "" {
		r.AddAttrs(slog.String("run_id", id))
	}
	if ref := ReferenceFromContext(ctx); ref != "" {
		r.AddAttrs(slog.String("reference_number", ref))
	}
	return h.Handler.Handle(ctx, r)
}

func (h contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return contextHandler{h.Handler.WithAttrs(attrs)}
}

func (h contextHandler) WithGroup(name string) slog.Handler {
	return contextHandler{h.Handler.WithGroup(name)}
}

// slogLogger logs through slog with a bound context.
type slogLogger struct {
	logger *slog.Logger
	level  *slog.LevelVar
	ctx    context.Context
}

func (l *slogLogger) Debug(msg string, args ...any) { l.logger.DebugContext(l.ctx, msg, args...) }
func (l *slogLogger) Info(msg string, args ...any)  { l.logger.InfoContext(l.ctx, msg, args...) }
func (l *slogLogger) Warn(msg string, args ...any)  { l.logger.WarnContext(l.ctx, msg, args...) }
func (l *slogLogger) Error(msg string, args ...any) { l.logger.ErrorContext(l.ctx, msg, args...) }

func (l *slogLogger) With(args ...any) Logger {
	return &slogLogger{logger: l.logger.With(args...), level: l.level, ctx: l.ctx}
}

// WithContext binds ctx; its run id and reference number are logged.
func (l *slogLogger) WithContext(ctx context.Context) Logger {
	return &slogLogger{logger: l.logger, level: l.level, ctx: ctx}
}

// Slog returns the slog.Logger behind l, for libraries that take one.
// Loggers from other packages map to slog.Default().
func Slog(l Logger) *slog.Logger {
	if sl, ok := l.(*slogLogger); ok {
		return sl.logger
	}
	return slog.Default()
}

var defaultLogger atomic.Pointer[slogLogger]

func init() {
	l, _ := New(DefaultConfig())
	defaultLogger.Store(l.(*slogLogger))
}

// SetDefault replaces the process logger used by the package functions.
func SetDefault(l Logger) {
	if sl, ok := l.(*slogLogger); ok {
		defaultLogger.Store(sl)
	}
}

// Default returns the process logger.
func Default() Logger {
	return defaultLogger.Load()
}

// Debug logs at debug level using the default logger.
func Debug(msg string, args ...any) { defaultLogger.Load().Debug(msg, args...) }

// Info logs at info level using the default logger.
func Info(msg string, args ...any) { defaultLogger.Load().Info(msg, args...) }

// Warn logs at warn level using the default logger.
func Warn(msg string, args ...any) { defaultLogger.Load().Warn(msg, args...) }

// Error logs at error level using the default logger.
func Error(msg string, args ...any) { defaultLogger.Load().Error(msg, args...) }
