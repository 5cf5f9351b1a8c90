package service

import (
	"context"
	"errors"
	"time"

	rlmodels "idlink/internal/ratelimit/models"
	"idlink/internal/verification/issuer"
	"idlink/internal/verification/models"
	id "idlink/pkg/domain"
	dErrors "idlink/pkg/domain-errors"
	"idlink/pkg/platform/audit"
	"idlink/pkg/requestcontext"
)

// BeginRequest asks for a code for Alias. Alias is the raw claimed value.
type BeginRequest struct {
	ChatID       id.ChatID
	Alias        string
	Group        id.Group
	RequesterTag string
}

// errPendingExists aborts an issuance that lost to a concurrent begin.
var errPendingExists = errors.New("pending verification exists")

// Begin starts verification of ChatID against the claimed alias.
//
// A chat identity that is already verified gets its role re-granted and is
// told which alias it holds. Every other non-failure path, including an
// unknown or already claimed alias, gets the same "check your email" reply.
func (s *Service) Begin(ctx context.Context, req BeginRequest) models.Reply {
	start := time.Now()
	ctx = requestcontext.WithChatID(ctx, req.ChatID)
	ctx, span := s.startSpan(ctx, opBegin, req.ChatID)
	defer span.End()

	reply := s.begin(ctx, req)
	return s.finish(ctx, span, opBegin, start, req.ChatID, reply)
}

func (s *Service) begin(ctx context.Context, req BeginRequest) models.Reply {
	if !s.allow(ctx, string(rlmodels.AttemptBegin), rlmodels.Key(rlmodels.AttemptBegin, req.ChatID), s.cfg.BeginLimit, req.ChatID) {
		return models.CheckEmail(s.cfg.MailDomain, models.ReasonRateLimited)
	}

	lookup, err := s.store.Lookup(ctx, req.ChatID)
	if err != nil {
		s.logger.ErrorContext(ctx, "lookup failed", "chat_id", req.ChatID, "error", err)
		return models.Failed(models.ReasonStore)
	}
	now := requestcontext.Now(ctx)
	switch lookup.State(now) {
	case models.StateVerified:
		s.grant(ctx, req.Group, req.ChatID)
		return models.AlreadyVerified(lookup.Confirmed.CanonicalAlias)
	case models.StatePending:
		return models.CheckEmail(s.cfg.MailDomain, models.ReasonPendingExists)
	}

	canonical, reply, ok := s.resolve(ctx, req)
	if !ok {
		return reply
	}

	var confirmed *models.ConfirmedMapping
	precheck := func(ctx context.Context) error {
		current, err := s.store.Lookup(ctx, req.ChatID)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "re-check chat identity")
		}
		switch current.State(requestcontext.Now(ctx)) {
		case models.StateVerified:
			confirmed = current.Confirmed
			return dErrors.New(dErrors.CodeAlreadyVerified, "chat identity verified concurrently")
		case models.StatePending:
			return errPendingExists
		}
		taken, err := s.store.IsAliasConfirmed(ctx, canonical)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "check alias ownership")
		}
		if taken {
			return dErrors.New(dErrors.CodeAliasTaken, "alias confirmed by another chat identity")
		}
		return nil
	}

	res, err := s.issuer.Issue(ctx, issuer.Request{
		ChatID:       req.ChatID,
		Alias:        canonical,
		RequesterTag: req.RequesterTag,
		Precheck:     precheck,
	})
	switch {
	case err == nil:
	case errors.Is(err, errPendingExists):
		return models.CheckEmail(s.cfg.MailDomain, models.ReasonPendingExists)
	case dErrors.HasCode(err, dErrors.CodeAlreadyVerified) && confirmed != nil:
		s.grant(ctx, req.Group, req.ChatID)
		return models.AlreadyVerified(confirmed.CanonicalAlias)
	case dErrors.HasCode(err, dErrors.CodeAliasTaken):
		s.logger.InfoContext(ctx, "alias already claimed", "chat_id", req.ChatID, "alias", canonical)
		s.emit(ctx, audit.Event{
			ChatID: req.ChatID,
			Alias:  canonical,
			Action: string(audit.EventBeginDeflected),
			Reason: string(models.ReasonAliasTaken),
		})
		return models.CheckEmail(s.cfg.MailDomain, models.ReasonAliasTaken)
	case dErrors.HasCode(err, dErrors.CodeDelivery):
		s.logger.ErrorContext(ctx, "verification mail not delivered", "chat_id", req.ChatID, "alias", canonical, "error", err)
		return models.Failed(models.ReasonDelivery)
	default:
		s.logger.ErrorContext(ctx, "code issuance failed", "chat_id", req.ChatID, "alias", canonical, "error", err)
		return models.Failed(models.ReasonStore)
	}

	s.metrics.AddSwept(res.Swept)
	s.emit(ctx, audit.Event{
		ChatID: req.ChatID,
		Alias:  canonical,
		Group:  req.Group,
		Action: string(audit.EventCodeIssued),
	})
	return models.CheckEmail(s.cfg.MailDomain, models.ReasonIssued)
}

// resolve canonicalizes the claimed alias. ok is false when reply should be
// returned as-is.
func (s *Service) resolve(ctx context.Context, req BeginRequest) (canonical id.Alias, reply models.Reply, ok bool) {
	notFound := func() (id.Alias, models.Reply, bool) {
		s.emit(ctx, audit.Event{
			ChatID: req.ChatID,
			Action: string(audit.EventBeginDeflected),
			Reason: string(models.ReasonAliasNotFound),
		})
		return "", models.CheckEmail(s.cfg.MailDomain, models.ReasonAliasNotFound), false
	}

	claimed, err := id.ParseAlias(req.Alias)
	if err != nil {
		return notFound()
	}
	canonical, err = s.resolver.Resolve(ctx, claimed)
	switch {
	case err == nil:
		s.logger.InfoContext(ctx, "alias resolved", "chat_id", req.ChatID, "claimed", claimed, "alias", canonical)
		return canonical, models.Reply{}, true
	case dErrors.HasCode(err, dErrors.CodeNotFound):
		return notFound()
	default:
		s.logger.ErrorContext(ctx, "directory unavailable", "chat_id", req.ChatID, "claimed", claimed, "error", err)
		return "", models.Failed(models.ReasonTransport), false
	}
}
