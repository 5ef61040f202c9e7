// Package logging is a thin layer over slog: JSON output, service-wide base
// attributes and helpers that pull request and actor identity out of a
// context.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"
	"time"
)

type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

var slogLevels = map[LogLevel]slog.Level{
	LevelDebug: slog.LevelDebug,
	LevelInfo:  slog.LevelInfo,
	LevelWarn:  slog.LevelWarn,
	LevelError: slog.LevelError,
}

// ParseLevel accepts any case and "warning"; anything unknown is info.
func ParseLevel(s string) LogLevel {
	lvl := LogLevel(strings.ToLower(strings.TrimSpace(s)))
	if lvl == "warning" {
		return LevelWarn
	}
	if _, ok := slogLevels[lvl]; ok {
		return lvl
	}
	return LevelInfo
}

type Config struct {
	Level       LogLevel
	ServiceName string
	Environment string
	Version     string
	Output      io.Writer
	AddSource   bool
}

// DefaultConfig reads LOG_LEVEL, ENVIRONMENT and SERVICE_VERSION
func DefaultConfig(serviceName string) *Config {
	return &Config{
		Level:       ParseLevel(os.Getenv("LOG_LEVEL")),
		ServiceName: serviceName,
		Environment: envOr("ENVIRONMENT", "development"),
		Version:     envOr("SERVICE_VERSION", "unknown"),
		Output:      os.Stdout,
	}
}

// Logger embeds slog.Logger so the plain Info/Warn/Error calls work, and
// adds derivation helpers that keep returning *Logger
type Logger struct {
	*slog.Logger
}

func New(config *Config) *Logger {
	output := config.Output
	if output == nil {
		output = os.Stdout
	}
	level, ok := slogLevels[config.Level]
	if !ok {
		level = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(output, &slog.HandlerOptions{
		Level:       level,
		AddSource:   config.AddSource,
		ReplaceAttr: utcTime,
	})
	return &Logger{Logger: slog.New(handler).With(
		"service", config.ServiceName,
		"environment", config.Environment,
		"version", config.Version,
	)}
}

func utcTime(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey && a.Value.Kind() == slog.KindTime {
		a.Value = slog.StringValue(a.Value.Time().UTC().Format(time.RFC3339Nano))
	}
	return a
}

// Nop discards everything
func Nop() *Logger {
	return &Logger{Logger: slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))}
}

// With returns a child logger carrying args as key/value pairs
func (l *Logger) With(args ...any) *Logger {
	if len(args) == 0 {
		return l
	}
	return &Logger{Logger: l.Logger.With(args...)}
}

// WithContext attaches the request id, trace id and actor found in ctx
func (l *Logger) WithContext(ctx context.Context) *Logger {
	return l.With(contextAttrs(ctx)...)
}

func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.With("error", err.Error())
}

func (l *Logger) WithComponent(component string) *Logger {
	return l.With("component", component)
}

func (l *Logger) WithOrder(orderID string) *Logger {
	return l.With("orderId", orderID)
}

// OrderEvent logs an order event after it was appended to the log
func (l *Logger) OrderEvent(ctx context.Context, orderID, eventType, eventID string, seq int64) {
	l.WithContext(ctx).Info("Order event recorded",
		"orderId", orderID,
		"eventType", eventType,
		"eventId", eventID,
		"seq", seq,
	)
}

// Audit records who changed what
func (l *Logger) Audit(ctx context.Context, action, resource, resourceID, actorID string, details map[string]any) {
	attrs := make([]any, 0, 8+2*len(details))
	attrs = append(attrs, "auditAction", action, "resource", resource, "resourceId", resourceID, "actorId", actorID)
	for k, v := range details {
		attrs = append(attrs, k, v)
	}
	l.WithContext(ctx).Info("Audit event", attrs...)
}

// DatabaseQuery logs a store operation: debug on success, error on failure
func (l *Logger) DatabaseQuery(ctx context.Context, collection, operation string, duration time.Duration, success bool, rowsAffected int64) {
	level := slog.LevelDebug
	if !success {
		level = slog.LevelError
	}
	l.WithContext(ctx).Log(ctx, level, "Database query",
		"collection", collection,
		"operation", operation,
		"durationMs", duration.Milliseconds(),
		"success", success,
		"rowsAffected", rowsAffected,
	)
}

// Broadcast logs one live-channel send. A failed send is a warning: the
// durable copy already exists and reconnecting consumers resync from it.
func (l *Logger) Broadcast(ctx context.Context, channel, eventType string, err error, duration time.Duration) {
	attrs := []any{
		"channel", channel,
		"eventType", eventType,
		"success", err == nil,
		"durationMs", duration.Milliseconds(),
	}
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelWarn
		attrs = append(attrs, "error", err.Error())
	}
	l.WithContext(ctx).Log(ctx, level, "Broadcast", attrs...)
}

// Panic logs a recovered value with the current goroutine's stack
func (l *Logger) Panic(ctx context.Context, recovered any) {
	l.WithContext(ctx).Error("Panic recovered", "panic", recovered, "stack", string(debug.Stack()))
}

func (l *Logger) SetDefault() {
	slog.SetDefault(l.Logger)
}

type contextKey string

const (
	RequestIDKey contextKey = "requestId"
	TraceIDKey   contextKey = "traceId"
	ActorIDKey   contextKey = "actorId"
	ActorRoleKey contextKey = "actorRole"
)

var contextKeys = []contextKey{RequestIDKey, TraceIDKey, ActorIDKey, ActorRoleKey}

func contextAttrs(ctx context.Context) []any {
	if ctx == nil {
		return nil
	}
	var attrs []any
	for _, key := range contextKeys {
		if v := ctx.Value(key); v != nil {
			attrs = append(attrs, string(key), v)
		}
	}
	return attrs
}

func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// ContextWithActor records the acting identity for every log line of the
// request
func ContextWithActor(ctx context.Context, actorID, role string) context.Context {
	ctx = context.WithValue(ctx, ActorIDKey, actorID)
	return context.WithValue(ctx, ActorRoleKey, role)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
