// Package ports declares the boundaries of the verification state machine:
// persistence, the directory, mail delivery, access grants, locking, attempt
// limiting and audit. Adapters live in their own packages.
package ports

//go:generate mockgen -source=ports.go -destination=mocks/mocks.go -package=mocks Store,Resolver,Mailer,Notifier,Locker,AttemptLimiter,AuditPublisher

import (
	"context"
	"time"

	rlmodels "idlink/internal/ratelimit/models"
	"idlink/internal/verification/models"
	id "idlink/pkg/domain"
	"idlink/pkg/platform/audit"
)

// Store is the mapping store. Implementations are pure persistence and report
// failures with sentinel errors (sentinel.ErrNotFound, sentinel.ErrConflict).
type Store interface {
	// Lookup returns the confirmed and pending rows for chatID; either may be nil.
	Lookup(ctx context.Context, chatID id.ChatID) (*models.Lookup, error)
	IsAliasConfirmed(ctx context.Context, alias id.Alias) (bool, error)
	FindByAlias(ctx context.Context, alias id.Alias) (*models.ConfirmedMapping, error)
	// Confirm deletes the pending row and writes the confirmed mapping in one
	// transaction. It returns sentinel.ErrConflict, writing nothing, when
	// another chat identity already holds alias.
	Confirm(ctx context.Context, chatID id.ChatID, alias id.Alias, at time.Time) (*models.ConfirmedMapping, error)
	RemoveByChatID(ctx context.Context, chatID id.ChatID) (*models.ConfirmedMapping, error)
	RemoveByAlias(ctx context.Context, alias id.Alias) (*models.ConfirmedMapping, error)

	SweepExpired(ctx context.Context, cutoff time.Time) (int64, error)
	UpsertPending(ctx context.Context, pending *models.PendingVerification) error
	// DeletePendingIfCode removes the pending row only while it still holds code.
	DeletePendingIfCode(ctx context.Context, chatID id.ChatID, code string) (bool, error)
	// FindActivePending returns the pending row when code matches and it has not
	// expired at now; otherwise sentinel.ErrNotFound.
	FindActivePending(ctx context.Context, chatID id.ChatID, code string, now time.Time) (*models.PendingVerification, error)
}

// Resolver maps a claimed alias to the directory's canonical alias.
// Errors carry dErrors.CodeNotFound or dErrors.CodeTransport.
type Resolver interface {
	Resolve(ctx context.Context, claimed id.Alias) (id.Alias, error)
}

// CodeMail is a templated verification email.
type CodeMail struct {
	To           string
	RequesterTag string
	Code         string
}

type Mailer interface {
	SendCode(ctx context.Context, mail CodeMail) error
}

// Notifier asks the chat adapter to grant or revoke the verified role.
// Grant and Revoke are idempotent on the adapter side.
type Notifier interface {
	Grant(ctx context.Context, group id.Group, chatID id.ChatID) error
	Revoke(ctx context.Context, group id.Group, chatID id.ChatID) error
	Groups(ctx context.Context) ([]id.Group, error)
}

// Unlock releases locks returned by Locker.Lock.
type Unlock func()

// Locker provides mutual exclusion over string keys. Lock acquires all keys
// in sorted order and returns once every key is held.
type Locker interface {
	Lock(ctx context.Context, keys ...string) (Unlock, error)
}

type AttemptLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (*rlmodels.RateLimitResult, error)
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}
