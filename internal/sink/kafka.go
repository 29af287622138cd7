package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/masahif/politecrawl/internal/crawler"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes each batch as one message. WriteMessages is synchronous,
// so Save blocks until every in-sync replica has the batch.
type KafkaSink struct {
	writer  messageWriter
	session string
	logger  *zap.Logger
}

// NewKafkaSink creates a sink writing to topic on the given brokers.
func NewKafkaSink(brokers []string, topic string, logger *zap.Logger) *KafkaSink {
	return NewKafkaSinkWithWriter(&kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: false,
	}, logger)
}

// NewKafkaSinkWithWriter builds a sink using a custom writer (tests).
func NewKafkaSinkWithWriter(writer messageWriter, logger *zap.Logger) *KafkaSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	session := uuid.NewString()
	return &KafkaSink{
		writer:  writer,
		session: session,
		logger:  logger.Named("sink").With(zap.String("session", session)),
	}
}

// Session is the message key shared by every batch of this sink.
func (s *KafkaSink) Session() string { return s.session }

// Save publishes pages as {"pages":[...]}.
func (s *KafkaSink) Save(ctx context.Context, pages []crawler.Page) error {
	payload, err := encodeBatch(pages)
	if err != nil {
		return fmt.Errorf("failed to encode batch: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(s.session),
		Value: payload,
		Time:  time.Now().UTC(),
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish batch: %w", err)
	}

	s.logger.Debug("batch published", zap.Int("pages", len(pages)), zap.Int("bytes", len(payload)))
	return nil
}

// Close shuts down the underlying writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

var _ crawler.Sink = (*KafkaSink)(nil)
