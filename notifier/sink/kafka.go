package sink

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/subwatch/subwatch/cfg"
	"github.com/subwatch/subwatch/notifier"
)

const (
	DefaultKafkaTopic      = "subwatch.events"
	defaultKafkaBatchBytes = 1 << 20 // 1MB
)

func init() {
	notifier.RegisterSink("kafka", func(config cfg.SinkConfiguration) (notifier.Sink, error) {
		return NewKafkaSink(config)
	})
}

// KafkaSink publishes events to a single topic, partitioned by subscriber
// key so one subscriber's events land in order on one partition.
type KafkaSink struct {
	writer *kafka.Writer
	topic  string
	retry  notifier.RetryPolicy
}

// NewKafkaSink creates a Kafka sink from configuration.
func NewKafkaSink(config cfg.SinkConfiguration) (*KafkaSink, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka sink requires at least one broker address")
	}

	topic := config.Topic
	if topic == "" {
		topic = DefaultKafkaTopic
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Balancer:               &kafka.Hash{}, // Partition by key for consistent routing
		BatchBytes:             defaultKafkaBatchBytes,
		RequiredAcks:           kafka.RequireAll,
		Async:                  false, // Sync writes for durability
		AllowAutoTopicCreation: true,
	}

	return &KafkaSink{
		writer: writer,
		topic:  topic,
		retry:  notifier.RetryPolicyFor(config),
	}, nil
}

// Deliver publishes the event keyed by subscriber.
func (k *KafkaSink) Deliver(ctx context.Context, evt *notifier.Event, body []byte) error {
	msg := kafka.Message{
		Topic: k.topic,
		Key:   []byte(evt.Key()),
		Value: body,
	}

	return k.retry.Do(ctx, func() error {
		return k.writer.WriteMessages(ctx, msg)
	})
}

// Close releases resources held by the KafkaSink
func (k *KafkaSink) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
