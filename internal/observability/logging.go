package observability

import (
	"context"
	"io"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/approvals/internal/config"
	"github.com/pitabwire/approvals/model"
)

// Context key for the logger.
type loggerKey struct{}

// encoderConfig is the JSON layout shared by every logger the service builds.
var encoderConfig = zapcore.EncoderConfig{
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
}

// parseLevel reads the configured level. Unknown levels mean info.
func parseLevel(s string) zapcore.Level {
	level, err := zapcore.ParseLevel(s)
	if err != nil {
		return zapcore.InfoLevel
	}
	return level
}

// NewLogger builds the server's JSON logger on stdout.
//
// Levels:
//   - error: store or lock failures, recovered panics, 5xx responses
//   - warn:  4xx responses, missing application types, repaired definitions
//   - info:  request end, transitions, sweep summaries, definition load
//   - debug: lock acquisition, redacted request bodies, per-bundle sweep decisions
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	zapCfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(parseLevel(cfg.LogLevel)),
		Encoding:         "json",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
	return zapCfg.Build()
}

// NewLoggerTo builds the same JSON logger writing to w. One-shot commands use
// it to keep stdout free for their own output.
func NewLoggerTo(cfg config.ObservabilityConfig, w io.Writer) *zap.Logger {
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(w), parseLevel(cfg.LogLevel))
	return zap.New(core)
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

// RequestLogger returns a logger enriched with RequestContext fields.
// If no logger is in the context, the fallback is used.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := []zap.Field{
		zap.Int64("actor_id", rctx.ActorID),
		zap.Int64s("role_ids", rctx.RoleIDs),
		zap.String("correlation_id", rctx.CorrelationID),
	}

	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}

	return logger.With(fields...)
}

// defaultSensitiveFields are request body keys and field value keys that
// are never written to logs verbatim.
var defaultSensitiveFields = map[string]bool{
	"password":      true,
	"secret":        true,
	"token":         true,
	"authorization": true,
	"iban":          true,
	"bank_account":  true,
	"personal_id":   true,
	"salary":        true,
}

// RedactBody returns a copy of body with sensitive keys replaced by
// "[REDACTED]". Nested objects are redacted recursively, and so are the
// {"key": ..., "value": ...} pairs used for application field values.
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
	return redact(body, redactSet)
}

func redact(body map[string]any, redactSet map[string]bool) map[string]any {
	result := make(map[string]any, len(body))
	if key, ok := body["key"].(string); ok && redactSet[key] {
		if _, has := body["value"]; has {
			for k, v := range body {
				result[k] = v
			}
			result["value"] = "[REDACTED]"
			return result
		}
	}
	for k, v := range body {
		switch val := v.(type) {
		case map[string]any:
			if redactSet[k] {
				result[k] = "[REDACTED]"
			} else {
				result[k] = redact(val, redactSet)
			}
		case []any:
			if redactSet[k] {
				result[k] = "[REDACTED]"
				continue
			}
			items := make([]any, len(val))
			for i, item := range val {
				if m, ok := item.(map[string]any); ok {
					items[i] = redact(m, redactSet)
				} else {
					items[i] = item
				}
			}
			result[k] = items
		default:
			if redactSet[k] {
				result[k] = "[REDACTED]"
			} else {
				result[k] = v
			}
		}
	}
	return result
}
