package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"hrwatch/internal/config"
	"hrwatch/internal/model"
)

const eventHeader = "event"

type KafkaTransport struct {
	cfg    config.KafkaConfig
	logger *slog.Logger
}

func NewKafka(cfg config.KafkaConfig, logger *slog.Logger) *KafkaTransport {
	return &KafkaTransport{cfg: cfg, logger: logger}
}

func (t *KafkaTransport) Name() string { return "kafka" }

func (t *KafkaTransport) Connect(ctx context.Context, h Handler) (Conn, error) {
	if len(t.cfg.Brokers) == 0 || t.cfg.Topic == "" {
		return nil, errors.New("kafka transport requires brokers and topic")
	}
	if t.logger != nil {
		t.logger.Info("kafka stream enabled", "brokers", t.cfg.Brokers, "topic", t.cfg.Topic, "group_id", t.cfg.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  t.cfg.Brokers,
		Topic:    t.cfg.Topic,
		GroupID:  t.cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.open()
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if errors.Is(err, io.EOF) {
					h.closed()
					return
				}
				h.fail(fmt.Errorf("kafka read: %w", err))
				return
			}
			kind, ok := kafkaKind(m)
			if !ok {
				if t.logger != nil {
					t.logger.Debug("kafka message ignored", "offset", m.Offset, "partition", m.Partition)
				}
				continue
			}
			h.event(kind, DecodePayload(m.Value))
		}
	}()
	return newCloser(func() error {
		cancel()
		<-done
		return reader.Close()
	}), nil
}

// kafkaKind reads the event header; a message without one is a new reading.
func kafkaKind(m kafka.Message) (model.EventKind, bool) {
	return EventKind(headerValue(m.Headers, eventHeader))
}

func headerValue(headers []kafka.Header, key string) string {
	for _, hd := range headers {
		if hd.Key == key {
			return string(hd.Value)
		}
	}
	return ""
}

var _ Transport = (*KafkaTransport)(nil)
