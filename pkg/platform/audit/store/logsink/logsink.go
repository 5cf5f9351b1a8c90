// Package logsink writes audit events to a structured logger. It is the
// production sink when no dedicated audit store is deployed; events end up in
// the same pipeline as the service logs under an "audit" group.
package logsink

import (
	"context"
	"log/slog"

	id "idlink/pkg/domain"
	audit "idlink/pkg/platform/audit"
)

type Store struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Store {
	return &Store{logger: logger}
}

func (s *Store) Append(ctx context.Context, event audit.Event) error {
	s.logger.LogAttrs(ctx, slog.LevelInfo, "audit",
		slog.Group("audit",
			slog.String("category", string(event.Category)),
			slog.String("action", event.Action),
			slog.String("chat_id", event.ChatID.String()),
			slog.String("alias", event.Alias.String()),
			slog.String("group", event.Group.String()),
			slog.String("reason", event.Reason),
			slog.String("request_id", event.RequestID),
			slog.String("actor_id", event.ActorID),
			slog.Time("timestamp", event.Timestamp),
		),
	)
	return nil
}

// ListByChatID is not supported by a write-only sink.
func (s *Store) ListByChatID(context.Context, id.ChatID) ([]audit.Event, error) {
	return nil, nil
}
