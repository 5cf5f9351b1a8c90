package access

import (
	"context"
	"log/slog"

	id "idlink/pkg/domain"
)

// LogNotifier logs access requests instead of publishing them.
type LogNotifier struct {
	groups []id.Group
	logger *slog.Logger
}

func NewLogNotifier(groups []string, logger *slog.Logger) *LogNotifier {
	return &LogNotifier{groups: toGroups(groups, logger), logger: logger}
}

func (n *LogNotifier) Grant(ctx context.Context, group id.Group, chatID id.ChatID) error {
	n.logger.InfoContext(ctx, "access granted", "group", group, "chat_id", chatID)
	return nil
}

func (n *LogNotifier) Revoke(ctx context.Context, group id.Group, chatID id.ChatID) error {
	n.logger.InfoContext(ctx, "access revoked", "group", group, "chat_id", chatID)
	return nil
}

func (n *LogNotifier) Groups(context.Context) ([]id.Group, error) {
	return append([]id.Group(nil), n.groups...), nil
}
