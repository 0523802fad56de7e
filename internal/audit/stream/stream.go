// Package stream mirrors persisted audit events onto a Kafka topic for
// downstream SIEM consumers.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gatekeeper/internal/audit/models"
	"gatekeeper/internal/platform/kafka/producer"
)

// DefaultTopic carries mirrored audit events.
const DefaultTopic = "gatekeeper.audit.events"

// Producer is the subset of the Kafka producer the mirror needs.
type Producer interface {
	ProduceAsync(msg *producer.Message) error
}

// Publisher keys records by actor so each actor's events stay on one
// partition in emission order.
type Publisher struct {
	producer Producer
	topic    string
}

func New(p Producer, topic string) (*Publisher, error) {
	if p == nil {
		return nil, errors.New("producer is required")
	}
	if topic == "" {
		topic = DefaultTopic
	}
	return &Publisher{producer: p, topic: topic}, nil
}

func (p *Publisher) Publish(_ context.Context, e models.Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	return p.producer.ProduceAsync(&producer.Message{
		Topic: p.topic,
		Key:   []byte(e.ActorID),
		Value: value,
		Headers: map[string]string{
			"event_id": e.ID,
			"severity": string(e.Severity),
			"key_id":   e.KeyID,
		},
	})
}
