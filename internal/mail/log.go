package mail

import (
	"context"
	"log/slog"

	"idlink/internal/verification/ports"
)

// LogMailer writes the code to the log instead of sending it. Development only.
type LogMailer struct {
	logger *slog.Logger
}

func NewLogMailer(logger *slog.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

func (m *LogMailer) SendCode(ctx context.Context, msg ports.CodeMail) error {
	m.logger.InfoContext(ctx, "verification code",
		"to", msg.To,
		"requester_tag", msg.RequesterTag,
		"code", msg.Code,
	)
	return nil
}
