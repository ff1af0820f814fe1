package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/atmx/contract-engine/internal/model"
)

// messageWriter is the subset of *kafka.Writer used by KafkaSink.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Event is the record published to Kafka for each notification.
type Event struct {
	UserID     string       `json:"user_id"`
	ContractID string       `json:"contract_id"`
	Kind       model.Result `json:"kind"`
	Title      string       `json:"title"`
	Message    string       `json:"message"`
	Amount     string       `json:"amount"`
	CreatedAt  time.Time    `json:"created_at"`
}

// KafkaSink publishes notifications to a Kafka topic for downstream
// delivery services (push, email). Messages are keyed by user id so one
// user's notifications stay ordered within a partition.
type KafkaSink struct {
	w       messageWriter
	timeout time.Duration
}

// NewKafkaSink creates a sink writing to topic on the given brokers.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		w: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
		},
		timeout: 5 * time.Second,
	}
}

func (s *KafkaSink) Notify(ctx context.Context, n model.Notification) {
	msg, err := encodeEvent(n)
	if err != nil {
		slog.Error("encode notification", "contract", n.ContractID, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	if err := s.w.WriteMessages(ctx, msg); err != nil {
		slog.Warn("kafka notification failed", "user", n.UserID, "contract", n.ContractID, "err", err)
	}
}

// Close flushes pending writes.
func (s *KafkaSink) Close() error {
	return s.w.Close()
}

func encodeEvent(n model.Notification) (kafka.Message, error) {
	payload, err := json.Marshal(Event{
		UserID:     n.UserID,
		ContractID: n.ContractID,
		Kind:       n.Kind,
		Title:      n.Title,
		Message:    n.Message,
		Amount:     n.Amount.String(),
		CreatedAt:  n.CreatedAt,
	})
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal notification: %w", err)
	}
	return kafka.Message{Key: []byte(n.UserID), Value: payload}, nil
}
