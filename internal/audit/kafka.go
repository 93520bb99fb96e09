package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// kafkaPayload is the JSON structure published to Kafka. Consumers key on the
// tenant so per-tenant ordering is preserved within a partition.
type kafkaPayload struct {
	ID          string `json:"id"`
	Timestamp   string `json:"timestamp"`
	TenantID    string `json:"tenant_id"`
	UserID      string `json:"user_id,omitempty"`
	StatementID string `json:"statement_id,omitempty"`
	Action      string `json:"action"`
	ClientID    string `json:"client_id,omitempty"`
	Version     string `json:"version,omitempty"`
	IPHash      string `json:"ip_hash,omitempty"`
	UserAgent   string `json:"user_agent,omitempty"`
}

// KafkaSink publishes audit events to a Kafka topic.
type KafkaSink struct {
	client *kgo.Client
	topic  string
}

// NewKafkaSink builds a sink over its own franz-go client.
func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ProducerBatchMaxBytes(1<<20),
		kgo.ProduceRequestTimeout(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return &KafkaSink{client: client, topic: topic}, nil
}

func (s *KafkaSink) Publish(ctx context.Context, event Event) error {
	payload := kafkaPayload{
		ID:          event.ID,
		Timestamp:   event.Timestamp.Format(time.RFC3339Nano),
		TenantID:    event.TenantID,
		UserID:      event.UserID,
		StatementID: event.StatementID,
		Action:      string(event.Action),
		ClientID:    event.ClientID,
		Version:     event.Version,
		IPHash:      event.IPHash,
		UserAgent:   event.UserAgent,
	}
	value, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	record := &kgo.Record{
		Topic: s.topic,
		Key:   []byte(event.TenantID),
		Value: value,
	}
	if err := s.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce audit event: %w", err)
	}
	return nil
}

func (s *KafkaSink) Close() {
	s.client.Close()
}
