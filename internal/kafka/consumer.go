package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

// Message is a consumed Kafka record.
type Message struct {
	Topic   string
	Key     []byte
	Value   []byte
	Offset  int64
	Headers []kafka.Header
}

// HandlerFunc handles one message. The offset is committed only when it
// returns nil.
type HandlerFunc func(ctx context.Context, msg Message) error

// Consumer reads a topic as part of a consumer group.
type Consumer interface {
	Subscribe(ctx context.Context, handler HandlerFunc) error
	Close() error
}

type consumer struct {
	reader *kafka.Reader
	logger *slog.Logger
}

// NewConsumer creates a group consumer for topic. New groups start at the
// latest offset: answers published before the engine started are stale.
func NewConsumer(brokers []string, topic, groupID string, logger *slog.Logger) Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       1 << 20,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: 0,
		StartOffset:    kafka.LastOffset,
	})
	return &consumer{reader: r, logger: logger.With(slog.String("topic", topic))}
}

// Subscribe blocks until ctx is cancelled. A handler error leaves the offset
// uncommitted so the message is redelivered after a restart.
func (c *consumer) Subscribe(ctx context.Context, handler HandlerFunc) error {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka fetch: %w", err)
		}

		carrier := HeaderCarrier(m.Headers)
		msgCtx := otel.GetTextMapPropagator().Extract(ctx, &carrier)

		err = handler(msgCtx, Message{
			Topic:   m.Topic,
			Key:     m.Key,
			Value:   m.Value,
			Offset:  m.Offset,
			Headers: m.Headers,
		})
		if err != nil {
			c.logger.Error("message handler failed, offset not committed",
				slog.Int64("offset", m.Offset),
				slog.String("key", string(m.Key)),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := c.reader.CommitMessages(ctx, m); err != nil {
			c.logger.Error("commit offset",
				slog.Int64("offset", m.Offset),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (c *consumer) Close() error {
	return c.reader.Close()
}
