// Package handlers provides reference handlers wired by the daemon: an
// audit log, a Kafka forwarder and the invite mailer.
package handlers

import (
	"context"
	"log/slog"

	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
)

// AuditName is the audit logger's handler name.
const AuditName = "AuditLogger"

// AuditLogger records every event at info level.
type AuditLogger struct {
	logger *slog.Logger
}

// NewAuditLogger creates an audit logger. A nil logger uses slog.Default.
func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditLogger{logger: logger}
}

func (a *AuditLogger) Name() string { return AuditName }

func (a *AuditLogger) CanHandle(string) bool { return true }

func (a *AuditLogger) Handle(ctx context.Context, evt *event.Event) error {
	attrs := []any{
		slog.String("event_id", evt.ID),
		slog.String("event", evt.Name),
		slog.String("origin", evt.Origin),
		slog.String("application", evt.Application),
		slog.Time("created_at", evt.CreatedAt),
	}
	if evt.AggregateID != "" {
		attrs = append(attrs, slog.String("aggregate", evt.AggregateType+"/"+evt.AggregateID))
	}
	if evt.CorrelationID != "" {
		attrs = append(attrs, slog.String("correlation_id", evt.CorrelationID))
	}
	a.logger.InfoContext(ctx, "audit", attrs...)
	return nil
}

var _ event.Handler = (*AuditLogger)(nil)
