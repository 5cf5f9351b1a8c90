package mail

import (
	"context"
	"log/slog"

	"idlink/internal/verification/ports"
	dErrors "idlink/pkg/domain-errors"
	"idlink/pkg/platform/circuit"
)

// GuardedMailer fails fast while the provider's breaker is open so a provider
// outage does not hold a worker for the full HTTP timeout on every request.
type GuardedMailer struct {
	next    ports.Mailer
	breaker *circuit.Breaker
	logger  *slog.Logger
}

func NewGuardedMailer(next ports.Mailer, breaker *circuit.Breaker, logger *slog.Logger) *GuardedMailer {
	return &GuardedMailer{next: next, breaker: breaker, logger: logger}
}

func (m *GuardedMailer) SendCode(ctx context.Context, msg ports.CodeMail) error {
	if !m.breaker.Allow() {
		return dErrors.New(dErrors.CodeDelivery, "mail provider unavailable")
	}

	if err := m.next.SendCode(ctx, msg); err != nil {
		if _, change := m.breaker.RecordFailure(); change.Opened {
			m.logger.WarnContext(ctx, "mail circuit opened", "breaker", m.breaker.Name(), "error", err)
		}
		return err
	}

	if _, change := m.breaker.RecordSuccess(); change.Closed {
		m.logger.InfoContext(ctx, "mail circuit closed", "breaker", m.breaker.Name())
	}
	return nil
}
