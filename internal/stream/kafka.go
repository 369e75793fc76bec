package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/alvmarrod/geoconvo/internal/metrics"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// MessageReader is the subset of *kafka.Reader the source needs
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaOptions configures the consumer
type KafkaOptions struct {
	Brokers    []string
	Topic      string
	GroupID    string
	RetryDelay time.Duration
}

// KafkaSource consumes JSON posts from a Kafka topic
type KafkaSource struct {
	reader     MessageReader
	topic      string
	retryDelay time.Duration
	tracker    *metrics.Tracker
}

// NewKafkaSource creates a consumer group reader for the topic
func NewKafkaSource(opts KafkaOptions, tracker *metrics.Tracker) *KafkaSource {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  opts.Brokers,
		Topic:    opts.Topic,
		GroupID:  opts.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return newKafkaSource(reader, opts, tracker)
}

func newKafkaSource(reader MessageReader, opts KafkaOptions, tracker *metrics.Tracker) *KafkaSource {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	return &KafkaSource{
		reader:     reader,
		topic:      opts.Topic,
		retryDelay: opts.RetryDelay,
		tracker:    tracker,
	}
}

// Run reads messages until ctx is done
func (k *KafkaSource) Run(ctx context.Context, handle Handler) error {
	logrus.Infof("Consuming posts from kafka topic %s", k.topic)

	for {
		msg, err := k.reader.ReadMessage(ctx)
		if ctx.Err() != nil {
			logrus.Info("Kafka consumer stopped")
			return nil
		}
		if err != nil {
			logrus.Warnf("Failed to read kafka message: %v", err)
			k.tracker.Inc(metrics.StreamReconnects)
			if err := sleepContext(ctx, k.retryDelay); err != nil {
				return nil
			}
			continue
		}

		dispatch(msg.Value, handle, k.tracker)
	}
}

// Close releases the reader
func (k *KafkaSource) Close() error {
	if err := k.reader.Close(); err != nil {
		return fmt.Errorf("failed to close kafka reader: %w", err)
	}
	return nil
}
