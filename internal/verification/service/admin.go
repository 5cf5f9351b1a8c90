package service

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"idlink/internal/access"
	"idlink/internal/verification/models"
	id "idlink/pkg/domain"
	dErrors "idlink/pkg/domain-errors"
	"idlink/pkg/platform/audit"
	"idlink/pkg/platform/sentinel"
	"idlink/pkg/requestcontext"
)

// Subject names a confirmed mapping by chat identity or by alias. Exactly
// one field is set.
type Subject struct {
	ChatID id.ChatID
	// Alias is the raw value given by the administrator. It is canonicalized
	// through the directory when possible and used as given otherwise.
	Alias string
}

func (s Subject) validate() error {
	if s.ChatID.IsNil() == (s.Alias == "") {
		return dErrors.New(dErrors.CodeBadRequest, "exactly one of chat id or alias is required")
	}
	return nil
}

// Unverify deletes the confirmed mapping for subject and asks the adapter to
// revoke the verified role in every known group. Revoke failures are counted
// in the result and never undo the removal.
func (s *Service) Unverify(ctx context.Context, subject Subject, actor string) (*models.Removal, error) {
	start := time.Now()
	ctx, span := s.startSpan(ctx, opUnverify, subject.ChatID)
	defer span.End()
	defer func() { s.metrics.ObserveLatency(opUnverify, time.Since(start)) }()

	if err := subject.validate(); err != nil {
		return nil, err
	}

	var (
		mapping *models.ConfirmedMapping
		err     error
	)
	if !subject.ChatID.IsNil() {
		mapping, err = s.store.RemoveByChatID(ctx, subject.ChatID)
	} else {
		var alias id.Alias
		if alias, err = s.adminAlias(ctx, subject.Alias); err == nil {
			mapping, err = s.store.RemoveByAlias(ctx, alias)
		}
	}
	if err != nil {
		span.SetStatus(codes.Error, "remove failed")
		return nil, s.adminError(err, "remove mapping")
	}

	s.logger.InfoContext(ctx, "chat identity unverified",
		"chat_id", mapping.ChatID,
		"alias", mapping.CanonicalAlias,
		"actor", actor,
	)
	s.emit(ctx, audit.Event{
		ChatID:  mapping.ChatID,
		Alias:   mapping.CanonicalAlias,
		Action:  string(audit.EventMappingRemoved),
		ActorID: actor,
	})

	removal := &models.Removal{
		Mapping: *mapping,
		Message: models.UnverifiedMessage(mapping.CanonicalAlias),
	}

	groups, err := s.notifier.Groups(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "access groups unavailable; nothing revoked", "chat_id", mapping.ChatID, "error", err)
		s.metrics.IncAccessFailure("revoke")
		return removal, nil
	}

	revoked, failures := access.RevokeAll(ctx, s.notifier, groups, mapping.ChatID)
	for _, f := range failures {
		s.logger.WarnContext(ctx, "access revoke failed",
			"group", f.Group,
			"chat_id", mapping.ChatID,
			"error", f.Err,
		)
		s.metrics.IncAccessFailure("revoke")
		s.emit(ctx, audit.Event{
			ChatID: mapping.ChatID,
			Group:  f.Group,
			Action: string(audit.EventAccessRevokeFailed),
		})
	}
	removal.Revoked = revoked
	removal.RevokeFailed = len(failures)
	span.SetAttributes(
		attribute.Int("idlink.revoked", revoked),
		attribute.Int("idlink.revoke_failed", len(failures)),
	)
	return removal, nil
}

// Whois returns the confirmed mapping for subject.
func (s *Service) Whois(ctx context.Context, subject Subject, actor string) (*models.ConfirmedMapping, error) {
	start := time.Now()
	ctx, span := s.startSpan(ctx, opWhois, subject.ChatID)
	defer span.End()
	defer func() { s.metrics.ObserveLatency(opWhois, time.Since(start)) }()

	if err := subject.validate(); err != nil {
		return nil, err
	}

	var mapping *models.ConfirmedMapping
	if !subject.ChatID.IsNil() {
		lookup, err := s.store.Lookup(ctx, subject.ChatID)
		if err != nil {
			return nil, s.adminError(err, "lookup mapping")
		}
		if lookup.Confirmed == nil {
			return nil, s.adminError(sentinel.ErrNotFound, "lookup mapping")
		}
		mapping = lookup.Confirmed
	} else {
		alias, err := s.adminAlias(ctx, subject.Alias)
		if err != nil {
			return nil, s.adminError(err, "lookup mapping")
		}
		if mapping, err = s.store.FindByAlias(ctx, alias); err != nil {
			return nil, s.adminError(err, "lookup mapping")
		}
	}

	s.emit(ctx, audit.Event{
		ChatID:  mapping.ChatID,
		Alias:   mapping.CanonicalAlias,
		Action:  string(audit.EventMappingLookedUp),
		ActorID: actor,
	})
	return mapping, nil
}

// adminAlias canonicalizes an administrator-supplied alias. When the
// directory does not know it or cannot be reached, the alias is used as given
// so stale mappings can still be removed.
func (s *Service) adminAlias(ctx context.Context, raw string) (id.Alias, error) {
	alias, err := id.ParseAlias(raw)
	if err != nil {
		return "", sentinel.ErrNotFound
	}
	canonical, err := s.resolver.Resolve(ctx, alias)
	if err != nil {
		s.logger.InfoContext(ctx, "using alias as given", "alias", alias, "error", err)
		return alias, nil
	}
	return canonical, nil
}

func (s *Service) adminError(err error, action string) error {
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.Wrap(err, dErrors.CodeNotFound, models.MsgNotVerified)
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, action)
}

// Rejoin re-grants the verified role when a verified chat identity joins
// group. It reports whether a grant was requested.
func (s *Service) Rejoin(ctx context.Context, group id.Group, chatID id.ChatID) (bool, error) {
	start := time.Now()
	ctx = requestcontext.WithChatID(ctx, chatID)
	ctx, span := s.startSpan(ctx, opRejoin, chatID)
	defer span.End()
	defer func() { s.metrics.ObserveLatency(opRejoin, time.Since(start)) }()

	if group.IsNil() {
		return false, dErrors.New(dErrors.CodeBadRequest, "group is required")
	}
	lookup, err := s.store.Lookup(ctx, chatID)
	if err != nil {
		return false, dErrors.Wrap(err, dErrors.CodeInternal, "lookup mapping")
	}
	if lookup.Confirmed == nil {
		return false, nil
	}
	if err := s.notifier.Grant(ctx, group, chatID); err != nil {
		s.metrics.IncAccessFailure("grant")
		s.emit(ctx, audit.Event{ChatID: chatID, Group: group, Action: string(audit.EventAccessGrantFailed)})
		span.SetStatus(codes.Error, "grant failed")
		return false, dErrors.Wrap(err, dErrors.CodeTransport, "grant access")
	}

	s.logger.InfoContext(ctx, "access re-granted on join",
		"group", group,
		"chat_id", chatID,
		"alias", lookup.Confirmed.CanonicalAlias,
	)
	s.emit(ctx, audit.Event{
		ChatID: chatID,
		Alias:  lookup.Confirmed.CanonicalAlias,
		Group:  group,
		Action: string(audit.EventAccessRegranted),
	})
	return true, nil
}

// Sweep removes pending codes past the grace period.
func (s *Service) Sweep(ctx context.Context) (int64, error) {
	ctx, span := s.startSpan(ctx, opSweep, "")
	defer span.End()

	n, err := s.issuer.Sweep(ctx)
	if err != nil {
		return 0, err
	}
	s.metrics.AddSwept(n)
	s.logger.InfoContext(ctx, "expired codes swept", "count", n)
	return n, nil
}
