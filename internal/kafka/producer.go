package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"ms-payouts/internal/logger"
)

// Publisher emits domain events. Callers treat publishing as best effort.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, v any) error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer writes JSON events to any topic through one writer.
type Producer struct {
	writer messageWriter
	log    *logger.Logger
}

func NewProducer(brokers []string, log *logger.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
	}
	return &Producer{writer: writer, log: log}
}

// Publish JSON-encodes v and writes it keyed by key, so events for one
// payout or order stay on one partition.
func (p *Producer) Publish(ctx context.Context, topic, key string, v any) error {
	msgBytes, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", topic, err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: msgBytes,
		Time:  time.Now().UTC(),
	})
	if err != nil {
		p.log.LogKafka(topic, fmt.Sprintf("publish failed for key %s: %v", key, err))
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	p.log.LogKafka(topic, fmt.Sprintf("published key %s", key))
	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

// NopPublisher drops every event. Used when Kafka is disabled.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, string, any) error { return nil }
