// Package issuer creates one-time codes, persists them as pending rows and
// mails them to the canonical institutional address.
package issuer

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"time"

	"idlink/internal/verification/lock"
	"idlink/internal/verification/models"
	"idlink/internal/verification/ports"
	id "idlink/pkg/domain"
	dErrors "idlink/pkg/domain-errors"
	"idlink/pkg/platform/audit"
	"idlink/pkg/requestcontext"
)

type Config struct {
	CodeLength int
	CodeTTL    time.Duration
	SweepGrace time.Duration
	// MailDomain is appended to the canonical alias to form the recipient.
	MailDomain string
}

// Request describes one issuance.
type Request struct {
	ChatID       id.ChatID
	Alias        id.Alias
	RequesterTag string
	// Precheck runs while the chat and alias locks are held, before anything is
	// written. A non-nil error aborts the issuance and is returned unchanged.
	Precheck func(ctx context.Context) error
}

// Result reports what Issue persisted.
type Result struct {
	Pending *models.PendingVerification
	Swept   int64
}

type Issuer struct {
	store   ports.Store
	mailer  ports.Mailer
	locker  ports.Locker
	auditor ports.AuditPublisher
	logger  *slog.Logger
	cfg     Config
	random  io.Reader
}

type Option func(*Issuer)

func WithAuditor(auditor ports.AuditPublisher) Option {
	return func(i *Issuer) {
		i.auditor = auditor
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(i *Issuer) {
		i.logger = logger
	}
}

// WithRandom replaces the code entropy source. Tests only.
func WithRandom(r io.Reader) Option {
	return func(i *Issuer) {
		i.random = r
	}
}

func New(store ports.Store, mailer ports.Mailer, locker ports.Locker, cfg Config, opts ...Option) (*Issuer, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if mailer == nil {
		return nil, errors.New("mailer is required")
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
	if cfg.CodeTTL <= 0 {
		cfg.CodeTTL = models.DefaultCodeTTL
	}
	if cfg.SweepGrace <= 0 {
		cfg.SweepGrace = models.DefaultSweepGrace
	}
	i := &Issuer{
		store:  store,
		mailer: mailer,
		locker: locker,
		logger: slog.Default(),
		cfg:    cfg,
		random: rand.Reader,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Issue generates a code and stores it as the chat identity's pending row,
// replacing any earlier one, then mails it. The store window runs under the
// chat and alias locks; the mail round trip runs outside them. When delivery
// fails the pending row is removed again, unless a newer issuance has
// replaced it, and a CodeDelivery error is returned.
func (i *Issuer) Issue(ctx context.Context, req Request) (*Result, error) {
	code, err := i.newCode()
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "generate code")
	}

	res, err := i.persist(ctx, req, code)
	if err != nil {
		return nil, err
	}

	mail := ports.CodeMail{
		To:           req.Alias.String() + "@" + i.cfg.MailDomain,
		RequesterTag: req.RequesterTag,
		Code:         code,
	}
	if err := i.mailer.SendCode(ctx, mail); err != nil {
		i.rollback(ctx, req.ChatID, code)
		if dErrors.HasCode(err, dErrors.CodeDelivery) {
			return nil, err
		}
		return nil, dErrors.Wrap(err, dErrors.CodeDelivery, "send verification mail")
	}

	i.logger.InfoContext(ctx, "verification code sent",
		"chat_id", req.ChatID,
		"alias", req.Alias,
		"expires_at", res.Pending.ExpiresAt,
	)
	return res, nil
}

func (i *Issuer) persist(ctx context.Context, req Request, code string) (*Result, error) {
	unlock, err := i.locker.Lock(ctx, lock.ChatKey(req.ChatID), lock.AliasKey(req.Alias))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "acquire issuance locks")
	}
	defer unlock()

	if req.Precheck != nil {
		if err := req.Precheck(ctx); err != nil {
			return nil, err
		}
	}

	now := requestcontext.Now(ctx)
	swept, err := i.store.SweepExpired(ctx, models.SweepCutoff(now, i.cfg.SweepGrace))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "sweep expired codes")
	}
	if swept > 0 {
		i.emit(ctx, audit.Event{Action: string(audit.EventPendingSwept), Reason: strconv.FormatInt(swept, 10)})
	}

	pending := models.NewPendingVerification(req.ChatID, req.Alias, code, now, i.cfg.CodeTTL)
	if err := i.store.UpsertPending(ctx, pending); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "store pending code")
	}
	return &Result{Pending: pending, Swept: swept}, nil
}

func (i *Issuer) rollback(ctx context.Context, chatID id.ChatID, code string) {
	unlock, err := i.locker.Lock(ctx, lock.ChatKey(chatID))
	if err != nil {
		i.logger.ErrorContext(ctx, "pending code left after failed delivery",
			"chat_id", chatID,
			"error", err,
		)
		return
	}
	defer unlock()

	removed, err := i.store.DeletePendingIfCode(ctx, chatID, code)
	if err != nil {
		i.logger.ErrorContext(ctx, "pending code left after failed delivery",
			"chat_id", chatID,
			"error", err,
		)
		return
	}
	if removed {
		i.emit(ctx, audit.Event{ChatID: chatID, Action: string(audit.EventDeliveryRolledBack)})
	}
}

// Sweep deletes pending rows past the grace period and returns how many.
func (i *Issuer) Sweep(ctx context.Context) (int64, error) {
	swept, err := i.store.SweepExpired(ctx, models.SweepCutoff(requestcontext.Now(ctx), i.cfg.SweepGrace))
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "sweep expired codes")
	}
	if swept > 0 {
		i.emit(ctx, audit.Event{Action: string(audit.EventPendingSwept), Reason: strconv.FormatInt(swept, 10)})
	}
	return swept, nil
}

func (i *Issuer) emit(ctx context.Context, event audit.Event) {
	if i.auditor == nil {
		return
	}
	event.RequestID = requestcontext.RequestID(ctx)
	if err := i.auditor.Emit(ctx, event); err != nil {
		i.logger.WarnContext(ctx, "audit emit failed", "action", event.Action, "error", err)
	}
}

// newCode draws CodeLength uniform decimal digits. Bytes at or above 250 are
// rejected so every digit is equally likely.
func (i *Issuer) newCode() (string, error) {
	out := make([]byte, 0, i.cfg.CodeLength)
	buf := make([]byte, i.cfg.CodeLength)
	for len(out) < i.cfg.CodeLength {
		if _, err := io.ReadFull(i.random, buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if b >= 250 {
				continue
			}
			out = append(out, '0'+b%10)
			if len(out) == i.cfg.CodeLength {
				break
			}
		}
	}
	return string(out), nil
}
