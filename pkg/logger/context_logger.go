package logger

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type contextKey string

const (
	addressKey  contextKey = "address"
	identityKey contextKey = "identity"
	clientIPKey contextKey = "client_ip"
)

// WithAddress stores the connection address for loggers derived from ctx.
func WithAddress(ctx context.Context, address string) context.Context {
	return context.WithValue(ctx, addressKey, address)
}

// WithIdentity stores the connection identity for loggers derived from ctx.
func WithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// WithClientIP stores the resolved client IP of the request.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey, ip)
}

// ClientIPFromContext returns the IP stored by WithClientIP, or "".
func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey).(string)
	return ip
}

// ContextLogger provides context-aware logging
type ContextLogger struct {
	logger *zap.SugaredLogger
}

func NewContextLogger(logger *zap.SugaredLogger) *ContextLogger {
	return &ContextLogger{logger: logger}
}

// WithContext returns a logger annotated with the connection and trace
// fields found in ctx.
func (cl *ContextLogger) WithContext(ctx context.Context) *zap.SugaredLogger {
	var fields []interface{}

	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		fields = append(fields, "trace_id", sc.TraceID().String())
	}
	if v, ok := ctx.Value(addressKey).(string); ok {
		fields = append(fields, "address", v)
	}
	if v, ok := ctx.Value(identityKey).(string); ok {
		fields = append(fields, "identity", v)
	}
	if v, ok := ctx.Value(clientIPKey).(string); ok {
		fields = append(fields, "client_ip", v)
	}

	if len(fields) == 0 {
		return cl.logger
	}
	return cl.logger.With(fields...)
}

func (cl *ContextLogger) Logger() *zap.SugaredLogger {
	return cl.logger
}
