package service

import (
	"context"
	"errors"
	"time"

	rlmodels "idlink/internal/ratelimit/models"
	"idlink/internal/verification/lock"
	"idlink/internal/verification/models"
	id "idlink/pkg/domain"
	"idlink/pkg/platform/audit"
	"idlink/pkg/platform/sentinel"
	"idlink/pkg/requestcontext"
)

type ConfirmRequest struct {
	ChatID id.ChatID
	Code   string
	Group  id.Group
}

// Confirm redeems a code. A missing, wrong or expired code, and a code whose
// alias was claimed by someone else in the meantime, all get the same
// invalid-code reply.
func (s *Service) Confirm(ctx context.Context, req ConfirmRequest) models.Reply {
	start := time.Now()
	ctx = requestcontext.WithChatID(ctx, req.ChatID)
	ctx, span := s.startSpan(ctx, opConfirm, req.ChatID)
	defer span.End()

	reply := s.confirm(ctx, req)
	return s.finish(ctx, span, opConfirm, start, req.ChatID, reply)
}

func (s *Service) confirm(ctx context.Context, req ConfirmRequest) models.Reply {
	if !s.allow(ctx, string(rlmodels.AttemptConfirm), rlmodels.Key(rlmodels.AttemptConfirm, req.ChatID), s.cfg.ConfirmLimit, req.ChatID) {
		return models.InvalidCode(models.ReasonRateLimited)
	}

	lookup, err := s.store.Lookup(ctx, req.ChatID)
	if err != nil {
		s.logger.ErrorContext(ctx, "lookup failed", "chat_id", req.ChatID, "error", err)
		return models.Failed(models.ReasonStore)
	}
	if lookup.Confirmed != nil {
		s.grant(ctx, req.Group, req.ChatID)
		return models.AlreadyVerified(lookup.Confirmed.CanonicalAlias)
	}

	if !models.IsWellFormedCode(req.Code, s.cfg.CodeLength) {
		return s.rejectCode(ctx, req.ChatID)
	}
	pending, err := s.store.FindActivePending(ctx, req.ChatID, req.Code, requestcontext.Now(ctx))
	if errors.Is(err, sentinel.ErrNotFound) {
		return s.rejectCode(ctx, req.ChatID)
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "pending lookup failed", "chat_id", req.ChatID, "error", err)
		return models.Failed(models.ReasonStore)
	}

	mapping, reply, ok := s.promote(ctx, req, pending.CanonicalAlias)
	if !ok {
		return reply
	}

	s.logger.InfoContext(ctx, "chat identity verified", "chat_id", req.ChatID, "alias", mapping.CanonicalAlias)
	s.emit(ctx, audit.Event{
		ChatID: req.ChatID,
		Alias:  mapping.CanonicalAlias,
		Group:  req.Group,
		Action: string(audit.EventMappingConfirmed),
	})
	s.grant(ctx, req.Group, req.ChatID)
	return models.Verified()
}

// promote swaps the pending row for a confirmed mapping under the chat and
// alias locks. The pending row is re-read under the locks because a newer
// begin or a sweep may have replaced it since the unlocked read.
func (s *Service) promote(ctx context.Context, req ConfirmRequest, alias id.Alias) (*models.ConfirmedMapping, models.Reply, bool) {
	unlock, err := s.locker.Lock(ctx, lock.ChatKey(req.ChatID), lock.AliasKey(alias))
	if err != nil {
		s.logger.ErrorContext(ctx, "acquire confirm locks", "chat_id", req.ChatID, "error", err)
		return nil, models.Failed(models.ReasonStore), false
	}
	defer unlock()

	now := requestcontext.Now(ctx)
	pending, err := s.store.FindActivePending(ctx, req.ChatID, req.Code, now)
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return nil, s.rejectCode(ctx, req.ChatID), false
	case err != nil:
		s.logger.ErrorContext(ctx, "pending lookup failed", "chat_id", req.ChatID, "error", err)
		return nil, models.Failed(models.ReasonStore), false
	case pending.CanonicalAlias != alias:
		return nil, s.rejectCode(ctx, req.ChatID), false
	}

	mapping, err := s.store.Confirm(ctx, req.ChatID, alias, now)
	switch {
	case err == nil:
		return mapping, models.Reply{}, true
	case errors.Is(err, sentinel.ErrConflict):
		if _, derr := s.store.DeletePendingIfCode(ctx, req.ChatID, req.Code); derr != nil {
			s.logger.WarnContext(ctx, "stale pending code not removed", "chat_id", req.ChatID, "error", derr)
		}
		s.logger.InfoContext(ctx, "alias confirmed by another chat identity", "chat_id", req.ChatID, "alias", alias)
		s.emit(ctx, audit.Event{
			ChatID: req.ChatID,
			Alias:  alias,
			Action: string(audit.EventConfirmConflict),
			Reason: string(models.ReasonConflict),
		})
		return nil, models.InvalidCode(models.ReasonConflict), false
	default:
		s.logger.ErrorContext(ctx, "confirm failed", "chat_id", req.ChatID, "alias", alias, "error", err)
		return nil, models.Failed(models.ReasonStore), false
	}
}

func (s *Service) rejectCode(ctx context.Context, chatID id.ChatID) models.Reply {
	s.emit(ctx, audit.Event{
		ChatID: chatID,
		Action: string(audit.EventCodeRejected),
		Reason: string(models.ReasonCodeMismatch),
	})
	return models.InvalidCode(models.ReasonCodeMismatch)
}
