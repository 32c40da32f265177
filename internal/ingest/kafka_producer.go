// Package ingest moves tracking samples and notification events onto Kafka
// and back off it.
package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-booking/internal/models"
)

// SampleEvent is one accepted driver location sample as published to the
// samples topic. Messages are keyed by booking so a partition keeps the
// per-booking order.
type SampleEvent struct {
	BookingID string        `json:"booking_id"`
	Status    models.Status `json:"status"`
	Sample    models.Sample `json:"sample"`
}

// messageWriter is the subset of *kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaProducer struct {
	samples messageWriter
	events  messageWriter
	timeout time.Duration
}

func NewKafkaProducer(brokers []string, samplesTopic, eventsTopic string) *KafkaProducer {
	return &KafkaProducer{
		samples: newWriter(brokers, samplesTopic),
		events:  newWriter(brokers, eventsTopic),
		timeout: 2 * time.Second,
	}
}

func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// PublishSample appends a sample for bookingID to the samples topic.
func (k *KafkaProducer) PublishSample(ctx context.Context, bookingID string, status models.Status, s models.Sample) error {
	b, err := json.Marshal(SampleEvent{BookingID: bookingID, Status: status, Sample: s})
	if err != nil {
		return err
	}
	return k.write(ctx, k.samples, bookingID, b)
}

// PublishNotification appends a recorded notification to the events topic.
func (k *KafkaProducer) PublishNotification(ctx context.Context, n models.Notification) error {
	b, err := json.Marshal(n)
	if err != nil {
		return err
	}
	key := n.ID
	if n.BookingID != nil {
		key = *n.BookingID
	}
	return k.write(ctx, k.events, key, b)
}

func (k *KafkaProducer) write(ctx context.Context, w messageWriter, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return w.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: value, Time: time.Now()})
}

func (k *KafkaProducer) Close() error {
	var first error
	for _, w := range []messageWriter{k.samples, k.events} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
