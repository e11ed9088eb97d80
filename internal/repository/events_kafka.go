package repository

import (
	"context"
	"fmt"

	"IBLink/internal/domain/models"
	"IBLink/internal/domain/repository"
	pkgkafka "IBLink/pkg/kafka"
)

// KafkaEventSink publishes session lifecycle events to a Kafka topic,
// keyed by client id so one session's events stay ordered.
type KafkaEventSink struct {
	producer *pkgkafka.Producer
	topic    string
	clientID int
}

// NewKafkaEventSink creates a Kafka-backed event sink.
func NewKafkaEventSink(producer *pkgkafka.Producer, topic string, clientID int) repository.EventSink {
	return &KafkaEventSink{producer: producer, topic: topic, clientID: clientID}
}

func (s *KafkaEventSink) Publish(ctx context.Context, ev *models.SessionEvent) error {
	if ev.ClientID == 0 {
		ev.ClientID = s.clientID
	}
	key := []byte(fmt.Sprintf("client-%d", ev.ClientID))
	if err := s.producer.Publish(ctx, s.topic, key, ev); err != nil {
		return fmt.Errorf("publish session event: %w", err)
	}
	return nil
}

// PublishMessage satisfies logger.Publisher so aggregated error logs can
// flush through the same producer.
func (s *KafkaEventSink) PublishMessage(ctx context.Context, topic string, payload interface{}) error {
	return s.producer.Publish(ctx, topic, nil, payload)
}

func (s *KafkaEventSink) Close() error {
	return s.producer.Close()
}
