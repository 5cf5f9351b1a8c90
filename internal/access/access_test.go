package access

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/mock/gomock"

	"idlink/internal/platform/logger"
	"idlink/internal/verification/ports/mocks"
	id "idlink/pkg/domain"
	dErrors "idlink/pkg/domain-errors"
	"idlink/pkg/requestcontext"
)

type fakeProducer struct {
	mu      sync.Mutex
	err     error
	records []*kgo.Record
}

func (p *fakeProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	p.mu.Lock()
	defer p.mu.Unlock()
	results := make(kgo.ProduceResults, 0, len(rs))
	for _, r := range rs {
		p.records = append(p.records, r)
		results = append(results, kgo.ProduceResult{Record: r, Err: p.err})
	}
	return results
}

func TestKafkaNotifier(t *testing.T) {
	now := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	ctx := requestcontext.WithTime(context.Background(), now)
	ctx = requestcontext.WithRequestID(ctx, "req-1")

	t.Run("grant publishes a record keyed by chat id", func(t *testing.T) {
		p := &fakeProducer{}
		n := NewKafkaNotifier(p, "idlink.access", nil, logger.Discard())

		require.NoError(t, n.Grant(ctx, "guild-1", "u1"))
		require.Len(t, p.records, 1)
		rec := p.records[0]
		assert.Equal(t, "idlink.access", rec.Topic)
		assert.Equal(t, "u1", string(rec.Key))
		require.Len(t, rec.Headers, 1)
		assert.Equal(t, "req-1", string(rec.Headers[0].Value))

		var msg Message
		require.NoError(t, json.Unmarshal(rec.Value, &msg))
		assert.Equal(t, Message{Action: ActionGrant, Group: "guild-1", ChatID: "u1", RequestedAt: now}, msg)
	})

	t.Run("revoke uses the revoke action", func(t *testing.T) {
		p := &fakeProducer{}
		n := NewKafkaNotifier(p, "idlink.access", nil, logger.Discard())

		require.NoError(t, n.Revoke(ctx, "guild-1", "u1"))
		var msg Message
		require.NoError(t, json.Unmarshal(p.records[0].Value, &msg))
		assert.Equal(t, ActionRevoke, msg.Action)
	})

	t.Run("produce failure is transport", func(t *testing.T) {
		p := &fakeProducer{err: errors.New("broker down")}
		n := NewKafkaNotifier(p, "idlink.access", nil, logger.Discard())

		err := n.Grant(ctx, "guild-1", "u1")
		assert.True(t, dErrors.HasCode(err, dErrors.CodeTransport))
	})

	t.Run("groups are parsed and de-duplicated", func(t *testing.T) {
		n := NewKafkaNotifier(&fakeProducer{}, "t", []string{"guild-1", " guild-1 ", "", "guild-2"}, logger.Discard())

		groups, err := n.Groups(ctx)
		require.NoError(t, err)
		assert.Equal(t, []id.Group{"guild-1", "guild-2"}, groups)
	})
}

func TestRevokeAll(t *testing.T) {
	ctrl := gomock.NewController(t)
	notifier := mocks.NewMockNotifier(ctrl)
	ctx := context.Background()

	notifier.EXPECT().Revoke(gomock.Any(), id.Group("g1"), id.ChatID("u1")).Return(nil)
	notifier.EXPECT().Revoke(gomock.Any(), id.Group("g2"), id.ChatID("u1")).Return(errors.New("missing permission"))
	notifier.EXPECT().Revoke(gomock.Any(), id.Group("g3"), id.ChatID("u1")).Return(nil)

	revoked, failures := RevokeAll(ctx, notifier, []id.Group{"g1", "g2", "g3"}, "u1")
	assert.Equal(t, 2, revoked)
	require.Len(t, failures, 1)
	assert.Equal(t, id.Group("g2"), failures[0].Group)
}

func TestRevokeAllNoGroups(t *testing.T) {
	ctrl := gomock.NewController(t)
	notifier := mocks.NewMockNotifier(ctrl)

	revoked, failures := RevokeAll(context.Background(), notifier, nil, "u1")
	assert.Zero(t, revoked)
	assert.Empty(t, failures)
}

func TestLogNotifier(t *testing.T) {
	n := NewLogNotifier([]string{"guild-1"}, logger.Discard())
	ctx := context.Background()

	require.NoError(t, n.Grant(ctx, "guild-1", "u1"))
	require.NoError(t, n.Revoke(ctx, "guild-1", "u1"))
	groups, err := n.Groups(ctx)
	require.NoError(t, err)
	assert.Equal(t, []id.Group{"guild-1"}, groups)
}
