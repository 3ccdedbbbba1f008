package observability

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/tessera/internal/config"
	"github.com/pitabwire/tessera/model"
)

// Context key for the logger.
type loggerKey struct{}

// NewLogger creates a zap.Logger configured for JSON output to stdout.
//
// Log level usage conventions:
//   - error: Infrastructure failures (store down, handler panics), 5xx responses
//   - warn:  Client errors (4xx), degraded operation (circuit breaker open), dropped events
//   - info:  Request start/end, session open/close, command outcomes
//   - debug: Cache operations, redacted command payloads, schema validation
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

// RequestLogger returns a logger carrying the caller identity of the
// request. If no logger is in the context, the fallback is used. The
// request id is already attached by the request logging middleware.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := []zap.Field{
		zap.String("tenant_id", rctx.TenantID),
		zap.String("subject_id", rctx.SubjectID),
	}
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	return logger.With(fields...)
}

// SessionLogger scopes a request logger to one dashboard session.
func SessionLogger(ctx context.Context, fallback *zap.Logger, dashboard model.ObjRef) *zap.Logger {
	return RequestLogger(ctx, fallback).With(zap.String("dashboard", dashboard.String()))
}

// CommandLogger scopes a session logger to one submitted command. The
// correlation id is only known up front when the client chose it.
func CommandLogger(logger *zap.Logger, cmd model.Command) *zap.Logger {
	fields := []zap.Field{zap.String("command_type", cmd.Type)}
	if cmd.CorrelationID != "" {
		fields = append(fields, zap.String("correlation_id", cmd.CorrelationID))
	}
	if cmd.CausationID != "" {
		fields = append(fields, zap.String("causation_id", cmd.CausationID))
	}
	return logger.With(fields...)
}

const redacted = "[REDACTED]"

// sensitivePayloadKeys are dropped from command payloads before they are
// logged.
var sensitivePayloadKeys = map[string]bool{
	"token":         true,
	"access_token":  true,
	"refresh_token": true,
	"api_key":       true,
	"authorization": true,
	"password":      true,
	"secret":        true,
	"email":         true,
}

// RedactBody returns a copy of a decoded command payload that is safe to
// log. Credential keys, plus any key in extra, are replaced. Rich text
// content is reduced to its length and drill URLs lose their query string,
// which may carry tokens. Nested objects and arrays are walked.
func RedactBody(body map[string]any, extra []string) map[string]any {
	if body == nil {
		return nil
	}
	keys := sensitivePayloadKeys
	if len(extra) > 0 {
		keys = make(map[string]bool, len(sensitivePayloadKeys)+len(extra))
		for k := range sensitivePayloadKeys {
			keys[k] = true
		}
		for _, k := range extra {
			keys[k] = true
		}
	}
	return redactObject(body, keys)
}

func redactObject(body map[string]any, keys map[string]bool) map[string]any {
	out := make(map[string]any, len(body))
	for k, v := range body {
		switch s, isString := v.(string); {
		case keys[k]:
			out[k] = redacted
		case k == "content" && isString:
			out[k] = fmt.Sprintf("[%d chars]", len(s))
		case k == "url" && isString:
			out[k] = stripQuery(s)
		default:
			out[k] = redactValue(v, keys)
		}
	}
	return out
}

func redactValue(v any, keys map[string]bool) any {
	switch v := v.(type) {
	case map[string]any:
		return redactObject(v, keys)
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = redactValue(e, keys)
		}
		return out
	default:
		return v
	}
}

func stripQuery(raw string) string {
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		return raw[:i] + "?" + redacted
	}
	return raw
}
