package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
	"github.com/randalmurphal/eventflow/pkg/eventflow/gateway"
)

// InviteMailerName is the invite mailer's handler name.
const InviteMailerName = "InviteMailer"

// Mail is one outgoing message.
type Mail struct {
	To      string
	Subject string
	Body    string
	// IdempotencyKey lets the mail provider drop re-deliveries.
	IdempotencyKey string
}

// Mailer sends mail.
type Mailer interface {
	Send(ctx context.Context, m Mail) error
}

var errNoRecipient = errors.New("invite has no recipient email")

// NewInviteMailer returns the typed handler that emails invitees.
func NewInviteMailer(m Mailer) event.Handler {
	return event.Typed(gateway.InviteSentEvent, InviteMailerName,
		func(ctx context.Context, evt event.TypedEvent[gateway.InviteSent]) error {
			invite := evt.Payload
			to := strings.TrimSpace(invite.Email)
			if to == "" {
				return event.Rejected(errNoRecipient)
			}

			body := "You have been invited to the gateway."
			if !invite.ExpiresAt.IsZero() {
				body += " The invite expires on " + invite.ExpiresAt.UTC().Format("2006-01-02 15:04 MST") + "."
			}

			err := m.Send(ctx, Mail{
				To:             to,
				Subject:        "You're invited",
				Body:           body,
				IdempotencyKey: evt.ID,
			})
			if err != nil {
				return event.ExternalService(fmt.Errorf("send invite %s: %w", invite.InviteID, err))
			}
			return nil
		})
}

// LogMailer writes mail to a logger instead of sending it.
type LogMailer struct {
	Logger *slog.Logger
}

// Send implements Mailer.
func (l LogMailer) Send(ctx context.Context, m Mail) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "mail",
		slog.String("to", m.To),
		slog.String("subject", m.Subject),
		slog.String("idempotency_key", m.IdempotencyKey),
	)
	return nil
}
