// Package observability provides structured logging, metrics and tracing
// for event publication and delivery.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"

	eferrors "github.com/randalmurphal/eventflow/pkg/eventflow/errors"
)

// EnrichLogger adds delivery context to a logger.
// Returns a new logger with event_id, endpoint, and attempt fields.
//
// Example:
//
//	enriched := EnrichLogger(logger, "evt-123", "Mailer::handle", 1)
//	enriched.Info("sending") // includes event_id, endpoint, attempt
func EnrichLogger(logger *slog.Logger, eventID, endpoint string, attempt int) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("event_id", eventID),
		slog.String("endpoint", endpoint),
		slog.Int("attempt", attempt),
	)
}

// LogPublished logs a persisted event.
func LogPublished(logger *slog.Logger, eventID, name, origin string, consumers int) {
	if logger == nil {
		return
	}
	logger.Debug("event published",
		slog.String("event_id", eventID),
		slog.String("event", name),
		slog.String("origin", origin),
		slog.Int("consumers", consumers),
	)
}

// LogNoHandlers warns that an event was published with nobody listening.
func LogNoHandlers(logger *slog.Logger, name, origin string) {
	if logger == nil {
		return
	}
	logger.Warn("no handlers registered for event",
		slog.String("event", name),
		slog.String("origin", origin),
	)
}

// LogDeliverySuccess logs a successful handler invocation.
func LogDeliverySuccess(logger *slog.Logger, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("delivery succeeded",
		slog.Float64("duration_ms", durationMs),
	)
}

// LogDeliveryFailure logs a failed handler invocation. next is nil when no
// further attempt is scheduled.
func LogDeliveryFailure(logger *slog.Logger, kind string, err error, next *time.Time) {
	if logger == nil {
		return
	}
	attrs := []any{
		slog.String("error_kind", kind),
		slog.String("error", err.Error()),
	}
	if next == nil {
		logger.Error("delivery failed, retries exhausted", attrs...)
		return
	}
	attrs = append(attrs, slog.Time("next_retry_at", *next))
	logger.Warn("delivery failed", attrs...)
}

// LogDeliverySkipped logs a record that will never be processed.
func LogDeliverySkipped(logger *slog.Logger, reason string) {
	if logger == nil {
		return
	}
	logger.Warn("delivery skipped",
		slog.String("reason", reason),
	)
}

// LogUpdateConflict logs a lost conditional update.
func LogUpdateConflict(logger *slog.Logger, recordID string) {
	if logger == nil {
		return
	}
	logger.Debug("record already updated by another processor",
		slog.String("record_id", recordID),
	)
}

// LogUpdateError logs a failed status write (non-fatal).
func LogUpdateError(logger *slog.Logger, recordID string, err error) {
	if logger == nil {
		return
	}
	logger.Error("consumer status update failed",
		slog.String("record_id", recordID),
		slog.String("error", err.Error()),
		slog.String("category", eferrors.Categorize(err).String()),
	)
}

// LogTaskStart logs a periodic task loop starting.
func LogTaskStart(logger *slog.Logger, task string, startupDelay, interval time.Duration) {
	if logger == nil {
		return
	}
	logger.Info("task starting",
		slog.String("task", task),
		slog.Duration("startup_delay", startupDelay),
		slog.Duration("interval", interval),
	)
}

// LogTaskError logs a failed tick. The loop keeps running.
func LogTaskError(logger *slog.Logger, task string, err error) {
	if logger == nil {
		return
	}
	logger.Error("task tick failed",
		slog.String("task", task),
		slog.String("error", err.Error()),
		slog.String("category", eferrors.Categorize(err).String()),
	)
}

// LogTaskStop logs a task loop ending.
func LogTaskStop(logger *slog.Logger, task string, err error) {
	if logger == nil {
		return
	}
	if err != nil {
		logger.Info("task stopped",
			slog.String("task", task),
			slog.String("reason", err.Error()),
		)
		return
	}
	logger.Info("task stopped", slog.String("task", task))
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	durationMs := done()
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Milliseconds())
	}
}
