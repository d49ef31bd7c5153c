// Package observability provides logging and metrics for shipper.
package observability

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jmylchreest/shipper/internal/config"
	"github.com/m-mizutani/masq"
)

type ctxLoggerKey struct{}

// LevelTrace sits below debug and carries per-box and per-frame detail.
const LevelTrace = slog.Level(-8)

const redactMessage = "[REDACTED]"

// sensitiveFields never reach the log output, in any casing the code uses.
var sensitiveFields = []string{
	"password", "Password",
	"secret", "Secret",
	"token", "Token",
	"apikey", "ApiKey", "api_key",
	"credential", "Credential",
	"dsn", "DSN",
}

var levels = map[string]slog.Level{
	"trace": LevelTrace,
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// parseLevel maps a configured level name, defaulting to info.
func parseLevel(name string) slog.Level {
	if l, ok := levels[name]; ok {
		return l
	}
	return slog.LevelInfo
}

// NewLoggerWithWriter builds the process logger: JSON unless the format is
// "text", secrets masked, and the request-logging switch applied.
func NewLoggerWithWriter(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       parseLevel(cfg.Level),
		AddSource:   cfg.AddSource,
		ReplaceAttr: replaceAttr(cfg.TimeFormat),
	}

	var h slog.Handler = slog.NewJSONHandler(w, opts)
	if cfg.Format == "text" {
		h = slog.NewTextHandler(w, opts)
	}

	SetRequestLogging(cfg.RequestLogging)
	return slog.New(h)
}

// replaceAttr formats the built-in keys and masks everything else.
func replaceAttr(timeFormat string) func([]string, slog.Attr) slog.Attr {
	masqOpts := []masq.Option{masq.WithRedactMessage(redactMessage)}
	for _, f := range sensitiveFields {
		masqOpts = append(masqOpts, masq.WithFieldName(f))
	}
	redact := masq.New(masqOpts...)

	return func(groups []string, a slog.Attr) slog.Attr {
		if len(groups) > 0 {
			return redact(groups, a)
		}
		switch a.Key {
		case slog.TimeKey:
			if t, ok := a.Value.Any().(time.Time); ok && timeFormat != "" {
				return slog.String(slog.TimeKey, t.Format(timeFormat))
			}
			return a
		case slog.LevelKey:
			if l, ok := a.Value.Any().(slog.Level); ok && l <= LevelTrace {
				return slog.String(slog.LevelKey, "TRACE")
			}
			return a
		case slog.MessageKey, slog.SourceKey:
			return a
		}
		return redact(groups, a)
	}
}

// WithComponent adds a component name to the logger for identifying the source.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With(slog.String("component", component))
}

// WithStream tags every record with the stream it concerns.
func WithStream(logger *slog.Logger, streamKey string) *slog.Logger {
	return logger.With(slog.String("stream_key", streamKey))
}

// WithError adds an error to the logger attributes.
func WithError(logger *slog.Logger, err error) *slog.Logger {
	if err == nil {
		return logger
	}
	return logger.With(slog.String("error", err.Error()))
}

// LoggerFromContext returns the request-scoped logger, or the default.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxLoggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// ContextWithLogger scopes logger to ctx.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxLoggerKey{}, logger)
}

var requestLogging atomic.Bool

// SetRequestLogging toggles logging of successful HTTP requests.
func SetRequestLogging(enabled bool) {
	requestLogging.Store(enabled)
}

// IsRequestLoggingEnabled reports whether successful HTTP requests are logged.
func IsRequestLoggingEnabled() bool {
	return requestLogging.Load()
}

// SetDefault installs logger as the slog default.
func SetDefault(logger *slog.Logger) {
	slog.SetDefault(logger)
}

// TimedOperationWithError logs how long an operation took and whether it
// failed. errPtr is read when the returned func runs, so pass the address of
// a named result and defer the call.
func TimedOperationWithError(ctx context.Context, logger *slog.Logger, operation string, errPtr *error) func() {
	start := time.Now()
	logger.Log(ctx, LevelTrace, "operation started", slog.String("operation", operation))

	return func() {
		duration := time.Since(start)
		if errPtr != nil && *errPtr != nil {
			logger.ErrorContext(ctx, "operation failed",
				slog.String("operation", operation),
				slog.Duration("duration", duration),
				slog.String("error", (*errPtr).Error()),
			)
			return
		}
		logger.DebugContext(ctx, "operation completed",
			slog.String("operation", operation),
			slog.Duration("duration", duration),
		)
	}
}
