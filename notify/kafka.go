package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	log "github.com/sirupsen/logrus"

	"github.com/streamcity/coin-engine/metrics"
)

// KafkaDispatcher publishes events as JSON, keyed by user id so a user's
// notifications stay ordered within a partition.
type KafkaDispatcher struct {
	writer *kafka.Writer
}

// NewKafkaDispatcher creates a dispatcher writing to topic on brokers.
func NewKafkaDispatcher(brokers []string, topic string) *KafkaDispatcher {
	return &KafkaDispatcher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 50 * time.Millisecond,
			Async:        true,
			Completion: func(messages []kafka.Message, err error) {
				if err != nil {
					metrics.Notifications.WithLabelValues("kafka", metrics.OutcomeError).Add(float64(len(messages)))
					log.WithError(err).WithField("count", len(messages)).Warn("Failed to publish notifications")
					return
				}
				metrics.Notifications.WithLabelValues("kafka", metrics.OutcomeOK).Add(float64(len(messages)))
			},
		},
	}
}

// Dispatch enqueues the event. With an async writer this returns without
// waiting for the broker.
func (d *KafkaDispatcher) Dispatch(ctx context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.WithError(err).WithField("type", ev.Type).Error("Failed to encode notification")
		return
	}
	msg := kafka.Message{
		Key:   []byte(ev.UserID),
		Value: data,
		Time:  ev.At,
	}
	if err := d.writer.WriteMessages(context.WithoutCancel(ctx), msg); err != nil {
		metrics.Notifications.WithLabelValues("kafka", metrics.OutcomeError).Inc()
		log.WithError(err).WithField("type", ev.Type).Warn("Failed to enqueue notification")
	}
}

// Close flushes pending messages.
func (d *KafkaDispatcher) Close() error {
	return d.writer.Close()
}
