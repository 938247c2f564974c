package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"safetrail/internal/config"
	"safetrail/internal/model"
)

// StartKafka consumes location samples published by upstream tracker
// services. With a consumer group, offsets are committed only after a
// message has been handled.
func StartKafka(ctx context.Context, cfg *config.Manager, out chan<- model.Location, logger *slog.Logger) {
	current := cfg.Get().Ingest.Kafka
	if !current.Enabled {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return
	}
	s := newSink("kafka", cfg, out, logger)
	s.logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     current.Brokers,
		Topic:       current.Topic,
		GroupID:     current.GroupID,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     time.Second,
	})
	go s.consume(ctx, reader, current.GroupID != "")
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func (s *sink) consume(ctx context.Context, reader messageReader, commit bool) {
	defer reader.Close()
	parser := NewParser()
	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("kafka fetch error", "err", err)
			if !BackoffSleep(ctx, time.Second) {
				return
			}
			continue
		}
		fields, err := parser.ParseLine(string(m.Value))
		if err != nil || fields == nil {
			s.count(outcomeInvalid)
		} else {
			// The producer keys messages by device when the payload omits it.
			if fields.Device == "" && len(m.Key) > 0 {
				fields.Device = string(m.Key)
			}
			s.fields(ctx, *fields)
		}
		if !commit {
			continue
		}
		if err := reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			s.logger.Warn("kafka commit error", "partition", m.Partition, "offset", m.Offset, "err", err)
		}
	}
}
