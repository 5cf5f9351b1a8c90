package requestcontext

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	id "idlink/pkg/domain"
)

func TestNow(t *testing.T) {
	t.Run("falls back to wall clock", func(t *testing.T) {
		before := time.Now()
		got := Now(context.Background())
		assert.False(t, got.Before(before))
	})

	t.Run("returns injected time", func(t *testing.T) {
		fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
		assert.Equal(t, fixed, Now(WithTime(context.Background(), fixed)))
	})
}

func TestRequestScopedValues(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RequestID(ctx))
	assert.True(t, ChatID(ctx).IsNil())

	ctx = WithRequestID(ctx, "req-1")
	ctx = WithChatID(ctx, id.ChatID("42"))
	assert.Equal(t, "req-1", RequestID(ctx))
	assert.Equal(t, id.ChatID("42"), ChatID(ctx))
}
