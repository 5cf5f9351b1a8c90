// Package handler exposes the verification state machine to the chat adapter
// over HTTP.
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"idlink/internal/dispatch"
	"idlink/internal/verification/models"
	"idlink/internal/verification/service"
	id "idlink/pkg/domain"
	dErrors "idlink/pkg/domain-errors"
	"idlink/pkg/platform/httputil"
	"idlink/pkg/requestcontext"
)

//go:generate mockgen -source=handler.go -destination=mocks/handler-mocks.go -package=mocks Service

// HeaderAdminActor names the administrator on whose behalf the adapter calls
// an admin route. It is recorded in the audit trail only.
const HeaderAdminActor = "X-Admin-Actor"

// Service is the verification state machine.
type Service interface {
	Begin(ctx context.Context, req service.BeginRequest) models.Reply
	Confirm(ctx context.Context, req service.ConfirmRequest) models.Reply
	Rejoin(ctx context.Context, group id.Group, chatID id.ChatID) (bool, error)
	Whois(ctx context.Context, subject service.Subject, actor string) (*models.ConfirmedMapping, error)
	Unverify(ctx context.Context, subject service.Subject, actor string) (*models.Removal, error)
}

// Handler serves the adapter API. State machine calls run on the dispatcher;
// admin calls run inline.
type Handler struct {
	service    Service
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
}

func New(service Service, dispatcher *dispatch.Dispatcher, logger *slog.Logger) *Handler {
	return &Handler{
		service:    service,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Register mounts the adapter endpoints.
func (h *Handler) Register(r chi.Router) {
	r.Post("/v1/verifications/begin", h.HandleBegin)
	r.Post("/v1/verifications/confirm", h.HandleConfirm)
	r.Post("/v1/members/joined", h.HandleMemberJoined)
}

// RegisterAdmin mounts the admin endpoints. The caller guards r.
func (h *Handler) RegisterAdmin(r chi.Router) {
	r.Get("/v1/admin/mappings/chat/{chatID}", h.HandleWhoisByChat)
	r.Get("/v1/admin/mappings/alias/{alias}", h.HandleWhoisByAlias)
	r.Delete("/v1/admin/mappings/chat/{chatID}", h.HandleUnverifyByChat)
	r.Delete("/v1/admin/mappings/alias/{alias}", h.HandleUnverifyByAlias)
}

// HandleBegin handles POST /v1/verifications/begin.
func (h *Handler) HandleBegin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[BeginRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	reply, err := dispatch.Do(ctx, h.dispatcher, func(ctx context.Context) models.Reply {
		return h.service.Begin(ctx, service.BeginRequest{
			ChatID:       req.parsedChatID,
			Alias:        req.Alias,
			Group:        req.parsedGroup,
			RequesterTag: req.RequesterTag,
		})
	})
	if err != nil {
		h.writeDispatchError(ctx, w, "begin", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, reply)
}

// HandleConfirm handles POST /v1/verifications/confirm.
func (h *Handler) HandleConfirm(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[ConfirmRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	reply, err := dispatch.Do(ctx, h.dispatcher, func(ctx context.Context) models.Reply {
		return h.service.Confirm(ctx, service.ConfirmRequest{
			ChatID: req.parsedChatID,
			Code:   req.Code,
			Group:  req.parsedGroup,
		})
	})
	if err != nil {
		h.writeDispatchError(ctx, w, "confirm", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, reply)
}

type rejoinResult struct {
	granted bool
	err     error
}

// HandleMemberJoined handles POST /v1/members/joined. It answers 204 whether
// or not the member was verified.
func (h *Handler) HandleMemberJoined(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[MemberJoinedRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	res, err := dispatch.Do(ctx, h.dispatcher, func(ctx context.Context) rejoinResult {
		granted, err := h.service.Rejoin(ctx, req.parsedGroup, req.parsedChatID)
		return rejoinResult{granted: granted, err: err}
	})
	if err != nil {
		h.writeDispatchError(ctx, w, "rejoin", err)
		return
	}
	if res.err != nil {
		h.logger.ErrorContext(ctx, "rejoin failed",
			"request_id", requestID,
			"chat_id", req.parsedChatID,
			"group", req.parsedGroup,
			"error", res.err,
		)
		httputil.WriteError(w, res.err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleWhoisByChat(w http.ResponseWriter, r *http.Request) {
	subject, ok := chatSubject(w, r)
	if !ok {
		return
	}
	h.whois(w, r, subject)
}

func (h *Handler) HandleWhoisByAlias(w http.ResponseWriter, r *http.Request) {
	h.whois(w, r, service.Subject{Alias: chi.URLParam(r, "alias")})
}

func (h *Handler) HandleUnverifyByChat(w http.ResponseWriter, r *http.Request) {
	subject, ok := chatSubject(w, r)
	if !ok {
		return
	}
	h.unverify(w, r, subject)
}

func (h *Handler) HandleUnverifyByAlias(w http.ResponseWriter, r *http.Request) {
	h.unverify(w, r, service.Subject{Alias: chi.URLParam(r, "alias")})
}

func (h *Handler) whois(w http.ResponseWriter, r *http.Request, subject service.Subject) {
	ctx := r.Context()
	mapping, err := h.service.Whois(ctx, subject, actor(r))
	if err != nil {
		h.logAdminError(ctx, "whois", subject, err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, mapping)
}

func (h *Handler) unverify(w http.ResponseWriter, r *http.Request, subject service.Subject) {
	ctx := r.Context()
	removal, err := h.service.Unverify(ctx, subject, actor(r))
	if err != nil {
		h.logAdminError(ctx, "unverify", subject, err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, removal)
}

func chatSubject(w http.ResponseWriter, r *http.Request) (service.Subject, bool) {
	chatID, err := id.ParseChatID(chi.URLParam(r, "chatID"))
	if err != nil {
		httputil.WriteError(w, err)
		return service.Subject{}, false
	}
	return service.Subject{ChatID: chatID}, true
}

func actor(r *http.Request) string {
	if a := r.Header.Get(HeaderAdminActor); a != "" && len(a) <= 64 {
		return a
	}
	return "admin"
}

func (h *Handler) logAdminError(ctx context.Context, op string, subject service.Subject, err error) {
	level := slog.LevelError
	if dErrors.HasCode(err, dErrors.CodeNotFound) || dErrors.HasCode(err, dErrors.CodeBadRequest) {
		level = slog.LevelInfo
	}
	h.logger.Log(ctx, level, "admin request failed",
		"op", op,
		"request_id", requestcontext.RequestID(ctx),
		"chat_id", subject.ChatID,
		"alias", subject.Alias,
		"error", err,
	)
}

func (h *Handler) writeDispatchError(ctx context.Context, w http.ResponseWriter, op string, err error) {
	h.logger.WarnContext(ctx, "verification request not dispatched",
		"op", op,
		"request_id", requestcontext.RequestID(ctx),
		"error", err,
	)
	switch {
	case errors.Is(err, dispatch.ErrQueueFull), errors.Is(err, dispatch.ErrStopped):
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeUnavailable, "verification is busy, try again shortly"))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// The caller is gone; the job still runs to completion.
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeUnavailable, "request cancelled"))
	default:
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInternal, "dispatch verification"))
	}
}
