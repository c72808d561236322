package observability

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/formcard/internal/config"
)

type loggerKey struct{}

type requestIDKey struct{}

// NewLogger creates a zap.Logger configured for JSON output to stdout.
//
// Log level usage conventions:
//   - error: Home Assistant connection lost, unhandled panics, 5xx responses
//   - warn:  Client errors (4xx), rejected subscriptions, failed service calls
//   - info:  Request start/end, card lifecycle, definition reload
//   - debug: Subscription results, teardown outcomes, resolved service data
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(level),
		Development: false,
		Encoding:    "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return zapCfg.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in the context, or the provided
// fallback if none is found.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// WithRequestID stores the request correlation id in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFrom returns the request correlation id, or "" when absent.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// RequestLogger returns a logger enriched with the request id and trace id.
// If no logger is in the context, the fallback is used.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	var fields []zap.Field
	if id := RequestIDFrom(ctx); id != "" {
		fields = append(fields, zap.String("correlation_id", id))
	}
	if traceID := TraceIDFromContext(ctx); traceID != "" {
		fields = append(fields, zap.String("trace_id", traceID))
	}
	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}

// defaultSensitiveFields is the default set of field names that should be
// redacted in debug logging output.
var defaultSensitiveFields = map[string]bool{
	"password":      true,
	"secret":        true,
	"token":         true,
	"access_token":  true,
	"refresh_token": true,
	"api_key":       true,
	"authorization": true,
	"code":          true,
	"pin":           true,
}

// RedactBody returns a copy of body with sensitive fields replaced by
// "[REDACTED]". The sensitiveFields list is merged with default sensitive
// field names. This is intended for debug-level logging only.
func RedactBody(body map[string]any, sensitiveFields []string) map[string]any {
	if body == nil {
		return nil
	}

	redactSet := make(map[string]bool, len(defaultSensitiveFields)+len(sensitiveFields))
	for k, v := range defaultSensitiveFields {
		redactSet[k] = v
	}
	for _, f := range sensitiveFields {
		redactSet[f] = true
	}

	result := make(map[string]any, len(body))
	for k, v := range body {
		if redactSet[k] {
			result[k] = "[REDACTED]"
		} else if nested, ok := v.(map[string]any); ok {
			result[k] = RedactBody(nested, sensitiveFields)
		} else {
			result[k] = v
		}
	}
	return result
}
