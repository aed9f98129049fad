// Package logging is the structured logger shared by every component. It
// wraps log/slog behind a small interface so that components can be handed a
// Noop logger in tests, and can stamp records with simulation time.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Field is a structured logging attribute.
type Field struct {
	Key   string
	Value any
}

func String(key, value string) Field                 { return Field{Key: key, Value: value} }
func Int(key string, value int) Field                { return Field{Key: key, Value: value} }
func Uint64(key string, value uint64) Field          { return Field{Key: key, Value: value} }
func Float(key string, value float64) Field          { return Field{Key: key, Value: value} }
func Bool(key string, value bool) Field              { return Field{Key: key, Value: value} }
func Duration(key string, value time.Duration) Field { return Field{Key: key, Value: value} }
func Time(key string, value time.Time) Field         { return Field{Key: key, Value: value} }
func Any(key string, value any) Field                { return Field{Key: key, Value: value} }

// Err records err under the "error" key.
func Err(err error) Field { return Field{Key: "error", Value: err} }

// SimTimeKey is the attribute carrying simulation time on clocked loggers.
const SimTimeKey = "sim_time"

// Logger is the logging interface every component accepts.
type Logger interface {
	Debug(ctx context.Context, msg string, fields ...Field)
	Info(ctx context.Context, msg string, fields ...Field)
	Warn(ctx context.Context, msg string, fields ...Field)
	Error(ctx context.Context, msg string, fields ...Field)
	With(fields ...Field) Logger
}

// Config controls the slog backend.
type Config struct {
	Level     string // debug, info, warn, error
	Format    string // json or text
	AddSource bool

	// Output receives the records; nil means os.Stdout.
	Output io.Writer
	// Clock, when set, stamps every record with SimTimeKey.
	Clock func() time.Time
}

// New builds a slog-backed Logger.
func New(cfg Config) Logger {
	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return &slogger{l: slog.New(handler), now: cfg.Clock}
}

// NewFromEnv reads SATLINK_LOG_LEVEL, SATLINK_LOG_FORMAT and
// SATLINK_LOG_SOURCE through getenv. The unprefixed LOG_LEVEL and LOG_FORMAT
// are honoured when the prefixed ones are unset.
func NewFromEnv(getenv func(string) string) Logger {
	if getenv == nil {
		getenv = os.Getenv
	}
	lookup := func(name string) string {
		if v := getenv("SATLINK_" + name); v != "" {
			return v
		}
		return getenv(name)
	}
	source, _ := strconv.ParseBool(getenv("SATLINK_LOG_SOURCE"))
	return New(Config{
		Level:     lookup("LOG_LEVEL"),
		Format:    lookup("LOG_FORMAT"),
		AddSource: source,
	})
}

// WithClock returns a logger that stamps records with now(). Loggers that
// are not slog-backed are returned unchanged.
func WithClock(l Logger, now func() time.Time) Logger {
	s, ok := l.(*slogger)
	if !ok || now == nil {
		return l
	}
	return &slogger{l: s.l, now: now}
}

// Noop returns a logger that drops everything.
func Noop() Logger { return noopLogger{} }

type slogger struct {
	l   *slog.Logger
	now func() time.Time
}

func (s *slogger) With(fields ...Field) Logger {
	args := make([]any, len(fields))
	for i, f := range fields {
		args[i] = slog.Any(f.Key, f.Value)
	}
	return &slogger{l: s.l.With(args...), now: s.now}
}

func (s *slogger) Debug(ctx context.Context, msg string, fields ...Field) {
	s.log(ctx, slog.LevelDebug, msg, fields)
}

func (s *slogger) Info(ctx context.Context, msg string, fields ...Field) {
	s.log(ctx, slog.LevelInfo, msg, fields)
}

func (s *slogger) Warn(ctx context.Context, msg string, fields ...Field) {
	s.log(ctx, slog.LevelWarn, msg, fields)
}

func (s *slogger) Error(ctx context.Context, msg string, fields ...Field) {
	s.log(ctx, slog.LevelError, msg, fields)
}

// log skips attribute construction for disabled levels; the schedulers log
// at Debug on every pass.
func (s *slogger) log(ctx context.Context, level slog.Level, msg string, fields []Field) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !s.l.Enabled(ctx, level) {
		return
	}
	attrs := make([]slog.Attr, 0, len(fields)+1)
	if s.now != nil {
		attrs = append(attrs, slog.Time(SimTimeKey, s.now()))
	}
	for _, f := range fields {
		attrs = append(attrs, slog.Any(f.Key, f.Value))
	}
	s.l.LogAttrs(ctx, level, msg, attrs...)
}

type noopLogger struct{}

func (noopLogger) With(...Field) Logger                    { return noopLogger{} }
func (noopLogger) Debug(context.Context, string, ...Field) {}
func (noopLogger) Info(context.Context, string, ...Field)  {}
func (noopLogger) Warn(context.Context, string, ...Field)  {}
func (noopLogger) Error(context.Context, string, ...Field) {}

func parseLevel(level string) slog.Leveler {
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
