package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// PropagateToLogger adds tracing context to a zerolog logger
func PropagateToLogger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	if traceID := GetTraceID(ctx); traceID != "" {
		logger = logger.With().Str("trace_id", traceID).Logger()
	}
	if sessionKey := GetSessionKey(ctx); sessionKey != "" {
		logger = logger.With().Str("session_key", sessionKey).Logger()
	}
	if taskID := GetTaskID(ctx); taskID != "" {
		logger = logger.With().Str("task_id", taskID).Logger()
	}
	if pluginID := GetPluginID(ctx); pluginID != "" {
		logger = logger.With().Str("plugin_id", pluginID).Logger()
	}

	return logger
}

// LoggerFromContext creates a logger with tracing context from the given context
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	return PropagateToLogger(ctx, baseLogger)
}
