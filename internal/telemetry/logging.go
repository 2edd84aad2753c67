package telemetry

import (
	"context"
	"log/slog"
	"os"
)

// LogLevel reads LOG_LEVEL (DEBUG, INFO, WARN, ERROR); defaults to INFO.
func LogLevel() slog.Level {
	switch os.Getenv("LOG_LEVEL") {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupLogger installs and returns the process-wide logger. LOG_FORMAT
// selects "json" (default) for production or "text" for local development.
func SetupLogger() *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level:     LogLevel(),
		AddSource: LogLevel() == slog.LevelDebug,
	}

	if os.Getenv("LOG_FORMAT") == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	return logger
}

type ctxKey string

// CtxLogger is the context key under which a per-request/per-event
// logger is stored.
const CtxLogger ctxKey = "logger"

// WithLogger attaches logger to ctx.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, CtxLogger, logger)
}

// FromContext returns the logger attached to ctx, or the default logger.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(CtxLogger).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// WithRunID returns logger with runId attached.
func WithRunID(logger *slog.Logger, runID string) *slog.Logger {
	return logger.With("run_id", runID)
}

// WithStepName returns logger with stepName attached.
func WithStepName(logger *slog.Logger, stepName string) *slog.Logger {
	return logger.With("step_name", stepName)
}

// WithFlowName returns logger with flowName attached.
func WithFlowName(logger *slog.Logger, flowName string) *slog.Logger {
	return logger.With("flow_name", flowName)
}

// WithTriggerName returns logger with triggerName attached.
func WithTriggerName(logger *slog.Logger, triggerName string) *slog.Logger {
	return logger.With("trigger_name", triggerName)
}
