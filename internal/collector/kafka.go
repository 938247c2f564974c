package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"

	"safetrail/internal/model"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes each event to a topic keyed by event id so redeliveries of
// the same event land on the same partition.
type Kafka struct {
	writer messageWriter
}

func NewKafka(brokers []string, topic string) (*Kafka, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, errors.New("kafka collector requires brokers and topic")
	}
	return &Kafka{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}}, nil
}

func (k *Kafka) Submit(ctx context.Context, ev model.OfflineEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.ID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(ev.Kind)},
			{Key: "priority", Value: []byte(ev.Priority)},
		},
	})
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}
