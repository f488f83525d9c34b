package pubsub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/segmentio/kafka-go"
)

// Kafka publishes to a topic per channel. Every subscription reads the
// topic on its own from the latest offset, so each instance sees every
// message.
type Kafka struct {
	brokers []string
	writer  *kafka.Writer
}

func NewKafka(brokers []string) *Kafka {
	if len(brokers) == 0 {
		brokers = []string{"localhost:9092"}
	}
	return &Kafka{
		brokers: brokers,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.LeastBytes{},
			AllowAutoTopicCreation: true,
			BatchTimeout:           10 * time.Millisecond,
		},
	}
}

func (k *Kafka) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := k.writer.WriteMessages(ctx, kafka.Message{Topic: channel, Value: payload}); err != nil {
		return fmt.Errorf("kafka publish: %w", err)
	}
	return nil
}

func (k *Kafka) Subscribe(_ context.Context, channel string) (Subscription, error) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.brokers,
		Topic:       channel,
		StartOffset: kafka.LastOffset,
		MaxWait:     100 * time.Millisecond,
	})
	return &kafkaSub{reader: r}, nil
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}

type kafkaSub struct {
	reader *kafka.Reader
}

func (s *kafkaSub) Next(ctx context.Context, timeout time.Duration) ([]byte, error) {
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	msg, err := s.reader.ReadMessage(rctx)
	switch {
	case err == nil:
		return msg.Value, nil
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		return nil, ErrTimeout
	case errors.Is(err, io.EOF):
		return nil, ErrClosed
	}
	return nil, fmt.Errorf("kafka receive: %w", err)
}

func (s *kafkaSub) Close() error {
	return s.reader.Close()
}
