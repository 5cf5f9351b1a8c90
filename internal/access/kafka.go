package access

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	id "idlink/pkg/domain"
	dErrors "idlink/pkg/domain-errors"
	"idlink/pkg/requestcontext"
)

const headerRequestID = "request_id"

// Message is the record value the chat adapter consumes.
type Message struct {
	Action      string    `json:"action"`
	Group       string    `json:"group"`
	ChatID      string    `json:"chat_id"`
	RequestedAt time.Time `json:"requested_at"`
}

type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// KafkaNotifier publishes grant and revoke requests keyed by chat id, so one
// chat identity's requests stay ordered within a partition.
type KafkaNotifier struct {
	producer producer
	topic    string
	groups   []id.Group
	logger   *slog.Logger
}

// NewKafkaClient builds the franz-go client the notifier produces with.
func NewKafkaClient(brokers []string, topic string) (*kgo.Client, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(5*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return client, nil
}

func NewKafkaNotifier(p producer, topic string, groups []string, logger *slog.Logger) *KafkaNotifier {
	return &KafkaNotifier{
		producer: p,
		topic:    topic,
		groups:   toGroups(groups, logger),
		logger:   logger,
	}
}

func (n *KafkaNotifier) Grant(ctx context.Context, group id.Group, chatID id.ChatID) error {
	return n.publish(ctx, ActionGrant, group, chatID)
}

func (n *KafkaNotifier) Revoke(ctx context.Context, group id.Group, chatID id.ChatID) error {
	return n.publish(ctx, ActionRevoke, group, chatID)
}

func (n *KafkaNotifier) Groups(context.Context) ([]id.Group, error) {
	return append([]id.Group(nil), n.groups...), nil
}

func (n *KafkaNotifier) publish(ctx context.Context, action string, group id.Group, chatID id.ChatID) error {
	value, err := json.Marshal(Message{
		Action:      action,
		Group:       group.String(),
		ChatID:      chatID.String(),
		RequestedAt: requestcontext.Now(ctx),
	})
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "encode access message")
	}

	rec := &kgo.Record{
		Topic: n.topic,
		Key:   []byte(chatID.String()),
		Value: value,
	}
	if reqID := requestcontext.RequestID(ctx); reqID != "" {
		rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: headerRequestID, Value: []byte(reqID)})
	}

	if err := n.producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
		n.logger.ErrorContext(ctx, "access request not published",
			"action", action,
			"group", group,
			"chat_id", chatID,
			"error", err,
		)
		return dErrors.Wrap(err, dErrors.CodeTransport, "publish access "+action)
	}
	return nil
}
