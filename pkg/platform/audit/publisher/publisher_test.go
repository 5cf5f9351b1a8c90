package publisher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "idlink/pkg/domain"
	audit "idlink/pkg/platform/audit"
	"idlink/pkg/platform/audit/store/memory"
	"idlink/pkg/requestcontext"
)

func TestPublisher_SyncMode(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store)
	defer pub.Close()

	chatID := id.ChatID("1001")
	err := pub.Emit(context.Background(), audit.Event{
		ChatID: chatID,
		Action: string(audit.EventCodeIssued),
	})
	require.NoError(t, err)

	events, err := pub.List(context.Background(), chatID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, string(audit.EventCodeIssued), events[0].Action)
	assert.Equal(t, audit.CategoryOperations, events[0].Category)
}

func TestPublisher_DerivesCategory(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store)
	defer pub.Close()

	require.NoError(t, pub.Emit(context.Background(), audit.Event{
		ChatID: "1",
		Action: string(audit.EventMappingConfirmed),
	}))
	require.NoError(t, pub.Emit(context.Background(), audit.Event{
		ChatID: "1",
		Action: string(audit.EventCodeRejected),
	}))

	events, err := pub.List(context.Background(), "1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, audit.CategoryCompliance, events[0].Category)
	assert.Equal(t, audit.CategorySecurity, events[1].Category)
}

func TestPublisher_FillsFromContext(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store)
	defer pub.Close()

	ctx := requestcontext.WithChatID(context.Background(), "42")
	ctx = requestcontext.WithRequestID(ctx, "req-9")
	require.NoError(t, pub.Emit(ctx, audit.Event{Action: string(audit.EventCodeIssued)}))

	events, err := pub.List(context.Background(), "42")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "req-9", events[0].RequestID)
}

func TestPublisher_AsyncDrainsOnClose(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store, WithAsyncBuffer(100))

	chatID := id.ChatID("1002")
	for range 10 {
		err := pub.Emit(context.Background(), audit.Event{
			ChatID: chatID,
			Action: string(audit.EventCodeIssued),
		})
		require.NoError(t, err)
	}

	pub.Close()

	events, err := store.ListByChatID(context.Background(), chatID)
	require.NoError(t, err)
	assert.Len(t, events, 10, "all events should be drained on close")
}

func TestPublisher_BufferFull_DoesNotBlock(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store, WithAsyncBuffer(1))
	defer pub.Close()

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := pub.Emit(context.Background(), audit.Event{
				ChatID: "1003",
				Action: string(audit.EventCodeIssued),
			})
			if err != nil {
				assert.ErrorIs(t, err, ErrBufferFull)
			}
		}()
	}
	wg.Wait()
}

func TestPublisher_Timestamps(t *testing.T) {
	t.Run("sets missing timestamp", func(t *testing.T) {
		store := memory.NewInMemoryStore()
		pub := NewPublisher(store)
		defer pub.Close()

		before := time.Now()
		require.NoError(t, pub.Emit(context.Background(), audit.Event{ChatID: "1", Action: "x"}))
		after := time.Now()

		events, err := pub.List(context.Background(), "1")
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.False(t, events[0].Timestamp.Before(before))
		assert.False(t, events[0].Timestamp.After(after))
	})

	t.Run("preserves given timestamp", func(t *testing.T) {
		store := memory.NewInMemoryStore()
		pub := NewPublisher(store)
		defer pub.Close()

		custom := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
		require.NoError(t, pub.Emit(context.Background(), audit.Event{ChatID: "1", Action: "x", Timestamp: custom}))

		events, err := pub.List(context.Background(), "1")
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, custom, events[0].Timestamp)
	})
}
