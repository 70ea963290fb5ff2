// Package eventsink forwards accepted events to downstream consumers:
// a Kafka topic (with a dead-letter topic for rejected frames) and an
// InfluxDB bucket for time-series dashboards.
package eventsink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"edgefleet-server/internal/ingest"
	"edgefleet-server/internal/logging"
	"edgefleet-server/internal/model"
)

type KafkaOptions struct {
	Brokers  []string
	Topic    string
	DLQTopic string
	Logger   *slog.Logger
}

// Kafka publishes accepted events to the main topic and rejected frames to
// the dead-letter topic. Messages are keyed by device so one device's
// events stay on one partition.
type Kafka struct {
	main   *kafka.Writer
	dlq    *kafka.Writer
	logger *slog.Logger
}

func NewKafka(o KafkaOptions) *Kafka {
	logger := logging.OrDiscard(o.Logger).With("component", "eventsink-kafka")
	balancer := &kafka.Hash{}
	completion := func(topic string) func([]kafka.Message, error) {
		return func(msgs []kafka.Message, err error) {
			if err != nil {
				logger.Error("kafka write failed", "topic", topic, "messages", len(msgs), "error", err)
			}
		}
	}

	main := &kafka.Writer{
		Addr:     kafka.TCP(o.Brokers...),
		Topic:    o.Topic,
		Balancer: balancer,

		BatchSize:    1000,
		BatchBytes:   1 << 20,
		BatchTimeout: 5 * time.Millisecond,

		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Compression:  kafka.Snappy,
		Completion:   completion(o.Topic),
	}

	dlq := &kafka.Writer{
		Addr:     kafka.TCP(o.Brokers...),
		Topic:    o.DLQTopic,
		Balancer: balancer,

		BatchSize:    200,
		BatchBytes:   512 << 10,
		BatchTimeout: 10 * time.Millisecond,

		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Compression:  kafka.Snappy,
		Completion:   completion(o.DLQTopic),
	}

	return &Kafka{main: main, dlq: dlq, logger: logger}
}

func (k *Kafka) Publish(ctx context.Context, ev model.Event) error {
	msg, err := EventMessage(ev)
	if err != nil {
		return err
	}
	return k.main.WriteMessages(ctx, msg)
}

func (k *Kafka) Reject(ctx context.Context, r ingest.Rejection) error {
	msg, err := RejectMessage(r)
	if err != nil {
		return err
	}
	return k.dlq.WriteMessages(ctx, msg)
}

func (k *Kafka) Close() error {
	mainErr := k.main.Close()
	dlqErr := k.dlq.Close()
	if mainErr != nil {
		return mainErr
	}
	return dlqErr
}

func EventMessage(ev model.Event) (kafka.Message, error) {
	value, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode event %s: %w", ev.ID, err)
	}
	return kafka.Message{
		Key:   []byte(ev.DeviceID),
		Value: value,
		Time:  ev.ReceivedAt,
		Headers: []kafka.Header{
			{Key: "tenantId", Value: []byte(ev.TenantID)},
			{Key: "kind", Value: []byte(ev.Kind)},
			{Key: "eventId", Value: []byte(ev.ID)},
		},
	}, nil
}

func RejectMessage(r ingest.Rejection) (kafka.Message, error) {
	value, err := json.Marshal(r)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode rejection: %w", err)
	}
	return kafka.Message{
		Key:   []byte(r.DeviceID),
		Value: value,
		Time:  r.ReceivedAt,
		Headers: []kafka.Header{
			{Key: "tenantId", Value: []byte(r.TenantID)},
			{Key: "reason", Value: []byte(r.Reason)},
		},
	}, nil
}
