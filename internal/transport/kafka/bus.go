// Package kafka publishes domain events to Kafka when
// LEDGERPAY_BUS_PROVIDER=kafka.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

type Bus struct {
	writer  *kafka.Writer
	timeout time.Duration
}

// NewBus writes to brokers; each event goes to the topic named by Publish.
func NewBus(brokers []string) *Bus {
	return &Bus{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.Hash{},    // same user, same partition
			RequiredAcks: kafka.RequireOne, // leader ack
			MaxAttempts:  10,
			BatchTimeout: 10 * time.Millisecond, // events go out one at a time
		},
		timeout: 10 * time.Second,
	}
}

func (b *Bus) Publish(topic string, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	err := b.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   partitionKey(data),
		Value: data,
	})
	if err != nil {
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}
	return nil
}

func (b *Bus) Close() error {
	return b.writer.Close()
}

// partitionKey keys events by the user they concern so one user's events
// stay ordered.
func partitionKey(data []byte) []byte {
	var envelope struct {
		UserID  int64 `json:"user_id"`
		Payment struct {
			UserID int64 `json:"user_id"`
		} `json:"payment"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil
	}
	id := envelope.UserID
	if id == 0 {
		id = envelope.Payment.UserID
	}
	if id == 0 {
		return nil
	}
	return []byte(strconv.FormatInt(id, 10))
}
