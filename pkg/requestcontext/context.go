// Package requestcontext provides HTTP-independent context accessors for request-scoped values.
//
// Middleware sets the values, services and workers read them. The package has no
// net/http dependency so stores, the dispatcher and the CLI can import it freely.
//
// Usage in services (read values):
//
//	requestID := requestcontext.RequestID(ctx)
//	now := requestcontext.Now(ctx)
//
// Usage in tests (inject values):
//
//	ctx = requestcontext.WithTime(ctx, fixedTime)
package requestcontext

import (
	"context"
	"time"

	id "idlink/pkg/domain"
)

type (
	requestIDKey   struct{}
	requestTimeKey struct{}
	chatIDKey      struct{}
)

// Exported context keys for direct use in tests that need context.WithValue.
var (
	ContextKeyRequestID   = requestIDKey{}
	ContextKeyRequestTime = requestTimeKey{}
	ContextKeyChatID      = chatIDKey{}
)

// RequestID retrieves the request ID from the context.
func RequestID(ctx context.Context) string {
	if reqID, ok := ctx.Value(ContextKeyRequestID).(string); ok {
		return reqID
	}
	return ""
}

// WithRequestID injects a request ID into the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// ChatID retrieves the chat identity the current request acts for.
// Returns the zero value if not set.
func ChatID(ctx context.Context) id.ChatID {
	if chatID, ok := ctx.Value(ContextKeyChatID).(id.ChatID); ok {
		return chatID
	}
	return ""
}

// WithChatID injects the acting chat identity into the context.
func WithChatID(ctx context.Context, chatID id.ChatID) context.Context {
	return context.WithValue(ctx, ContextKeyChatID, chatID)
}

// Now retrieves the request-scoped time from context.
// Falls back to time.Now() if not set (workers, CLI, tests).
func Now(ctx context.Context) time.Time {
	if t, ok := ctx.Value(ContextKeyRequestTime).(time.Time); ok {
		return t
	}
	return time.Now()
}

// WithTime injects a specific time into a context.
// Useful for:
//   - Service unit tests that don't run the full HTTP middleware chain
//   - CLI commands such as sweep that need one consistent "now"
func WithTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, ContextKeyRequestTime, t)
}
