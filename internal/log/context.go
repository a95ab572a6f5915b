package log

import (
	"context"
	"log/slog"
)

// ContextKey type for context keys
type ContextKey string

const (
	// LoggerContextKey is the context key for the logger
	LoggerContextKey ContextKey = "logger"
)

// IntoContext returns a copy of ctx carrying logger.
func IntoContext(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, LoggerContextKey, logger)
}

// FromContext extracts a logger from the context
func FromContext(ctx context.Context) *Logger {
	if logger, ok := ctx.Value(LoggerContextKey).(*Logger); ok {
		return logger
	}
	// Return default logger if not found
	return &Logger{
		Logger:    slog.Default(),
		component: "unknown",
	}
}

// StructuredLogger provides structured logging methods for the domain events
// worth an audit line.
type StructuredLogger struct {
	logger *Logger
}

// NewStructuredLogger creates a new structured logger
func NewStructuredLogger(logger *Logger) *StructuredLogger {
	return &StructuredLogger{
		logger: logger,
	}
}

// LogTransition logs a session state transition.
func (sl *StructuredLogger) LogTransition(ctx context.Context, transition string, userID string, epoch uint64, reason string) {
	fields := NewFields().
		WithComponent(ComponentSession).
		WithUser(userID).
		WithEpoch(epoch)
	fields[FieldTransition] = transition
	if reason != "" {
		fields[FieldReason] = reason
	}

	sl.logger.InfoContext(ctx, "Session transition", fields.ToSlice()...)
}

// LogExpenseAppended logs a successful expense append
func (sl *StructuredLogger) LogExpenseAppended(ctx context.Context, userID, expenseID, categoryID string, amountCents int64) {
	fields := NewFields().
		WithUser(userID).
		WithExpense(expenseID, categoryID, amountCents).
		WithOperation(OpAppend).
		WithComponent(ComponentHistory)

	sl.logger.InfoContext(ctx, "Expense appended", fields.ToSlice()...)
}

// LogError logs an error with structured context
func (sl *StructuredLogger) LogError(ctx context.Context, msg string, err error, component string, operation string, fields LogFields) {
	if fields == nil {
		fields = NewFields()
	}
	allFields := fields.
		WithError(err).
		WithOperation(operation).
		WithComponent(component)

	sl.logger.ErrorContext(ctx, msg, allFields.ToSlice()...)
}
