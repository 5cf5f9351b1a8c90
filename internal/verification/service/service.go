// Package service implements the verification state machine: begin, confirm,
// admin unverify and whois, rejoin grants and the explicit sweep.
//
// Every chat-facing call returns a models.Reply. User-visible text never
// distinguishes an unknown alias, a taken alias and an issued code; the
// internal cause travels in Reply.Reason for logs, metrics and audit.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"idlink/internal/verification/issuer"
	"idlink/internal/verification/metrics"
	"idlink/internal/verification/models"
	"idlink/internal/verification/ports"
	id "idlink/pkg/domain"
	"idlink/pkg/platform/audit"
	"idlink/pkg/requestcontext"
)

const (
	opBegin    = "begin"
	opConfirm  = "confirm"
	opUnverify = "unverify"
	opWhois    = "whois"
	opRejoin   = "rejoin"
	opSweep    = "sweep"

	tracerName = "idlink/internal/verification/service"
)

// CodeIssuer creates, stores and mails one-time codes.
type CodeIssuer interface {
	Issue(ctx context.Context, req issuer.Request) (*issuer.Result, error)
	Sweep(ctx context.Context) (int64, error)
}

type Config struct {
	// MailDomain is named in the "check your email" reply.
	MailDomain   string
	CodeLength   int
	BeginLimit   int
	ConfirmLimit int
	LimitWindow  time.Duration
}

type Service struct {
	store    ports.Store
	resolver ports.Resolver
	issuer   CodeIssuer
	notifier ports.Notifier
	locker   ports.Locker
	limiter  ports.AttemptLimiter
	auditor  ports.AuditPublisher
	metrics  *metrics.Metrics
	logger   *slog.Logger
	tracer   trace.Tracer
	cfg      Config
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithAttemptLimiter caps begin and confirm attempts per chat identity.
func WithAttemptLimiter(limiter ports.AttemptLimiter) Option {
	return func(s *Service) {
		s.limiter = limiter
	}
}

func WithAuditor(auditor ports.AuditPublisher) Option {
	return func(s *Service) {
		s.auditor = auditor
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = tracer
	}
}

func New(
	store ports.Store,
	resolver ports.Resolver,
	codeIssuer CodeIssuer,
	notifier ports.Notifier,
	locker ports.Locker,
	cfg Config,
	opts ...Option,
) (*Service, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if resolver == nil {
		return nil, errors.New("resolver is required")
	}
	if codeIssuer == nil {
		return nil, errors.New("issuer is required")
	}
	if notifier == nil {
		return nil, errors.New("notifier is required")
	}
	if locker == nil {
		return nil, errors.New("locker is required")
	}
	if cfg.MailDomain == "" {
		return nil, errors.New("mail domain is required")
	}
	if cfg.CodeLength <= 0 {
		cfg.CodeLength = models.DefaultCodeLength
	}

	s := &Service{
		store:    store,
		resolver: resolver,
		issuer:   codeIssuer,
		notifier: notifier,
		locker:   locker,
		cfg:      cfg,
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Service) startSpan(ctx context.Context, op string, chatID id.ChatID) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "verification."+op,
		trace.WithAttributes(attribute.String("idlink.chat_id", chatID.String())),
	)
}

// finish records a chat-facing reply in metrics, the span and the log.
func (s *Service) finish(ctx context.Context, span trace.Span, op string, start time.Time, chatID id.ChatID, reply models.Reply) models.Reply {
	s.metrics.IncReply(op, string(reply.Outcome), string(reply.Reason))
	s.metrics.ObserveLatency(op, time.Since(start))

	span.SetAttributes(
		attribute.String("idlink.outcome", string(reply.Outcome)),
		attribute.String("idlink.reason", string(reply.Reason)),
	)
	if reply.Outcome == models.OutcomeFailed {
		span.SetStatus(codes.Error, string(reply.Reason))
	}

	s.logger.InfoContext(ctx, "verification reply",
		"operation", op,
		"chat_id", chatID,
		"outcome", reply.Outcome,
		"reason", reply.Reason,
	)
	return reply
}

// allow consults the attempt limiter. Limiter failures let the attempt
// through; the limiter is a throttle, not a gate.
func (s *Service) allow(ctx context.Context, attempt string, key string, limit int, chatID id.ChatID) bool {
	if s.limiter == nil || limit <= 0 {
		return true
	}
	res, err := s.limiter.Allow(ctx, key, limit, s.cfg.LimitWindow)
	if err != nil {
		s.logger.WarnContext(ctx, "attempt limiter unavailable", "attempt", attempt, "error", err)
		return true
	}
	if res.Allowed {
		return true
	}
	s.metrics.IncRateLimited(attempt)
	s.emit(ctx, audit.Event{ChatID: chatID, Action: string(audit.EventRateLimitExceeded), Reason: attempt})
	return false
}

// grant asks the adapter to give chatID the verified role in group. Failures
// are logged and counted; the confirmed mapping stays authoritative.
func (s *Service) grant(ctx context.Context, group id.Group, chatID id.ChatID) bool {
	if group.IsNil() {
		return false
	}
	if err := s.notifier.Grant(ctx, group, chatID); err != nil {
		s.logger.WarnContext(ctx, "access grant failed",
			"group", group,
			"chat_id", chatID,
			"error", err,
		)
		s.metrics.IncAccessFailure("grant")
		s.emit(ctx, audit.Event{ChatID: chatID, Group: group, Action: string(audit.EventAccessGrantFailed)})
		return false
	}
	return true
}

func (s *Service) emit(ctx context.Context, event audit.Event) {
	if s.auditor == nil {
		return
	}
	if event.RequestID == "" {
		event.RequestID = requestcontext.RequestID(ctx)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = requestcontext.Now(ctx)
	}
	if err := s.auditor.Emit(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "audit emit failed", "action", event.Action, "error", err)
	}
}
