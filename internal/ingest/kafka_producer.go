package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer writes to one topic. The position producer feeds the consumer
// that maintains the shared Redis GEO index; the event producer mirrors the
// fan-out for audit and reconciliation.
type KafkaProducer struct {
	writer messageWriter
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &KafkaProducer{writer: w}
}

// PublishPosition keys the ping by driver so one driver's pings stay ordered.
func (k *KafkaProducer) PublishPosition(ctx context.Context, ping models.PositionPing) error {
	b, err := json.Marshal(ping)
	if err != nil {
		return err
	}
	return k.write(ctx, kafka.Message{Key: []byte(ping.DriverID), Value: b})
}

// Publish implements dispatch.Sink, keyed by ride.
func (k *KafkaProducer) Publish(ctx context.Context, env dispatch.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return k.write(ctx, kafka.Message{
		Key:     []byte(env.RideID),
		Value:   b,
		Headers: []kafka.Header{{Key: "type", Value: []byte(env.Type)}},
	})
}

func (k *KafkaProducer) write(ctx context.Context, msg kafka.Message) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return k.writer.WriteMessages(ctx, msg)
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
