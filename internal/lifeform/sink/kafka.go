package sink

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

// DefaultKafkaTopic receives alert envelopes when no topic is configured.
const DefaultKafkaTopic = "resofly.alerts"

// KafkaConfig configures a KafkaSink.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
}

// messageWriter is the part of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes envelopes keyed by session id, so one run's events
// stay ordered within a partition.
type KafkaSink struct {
	w     messageWriter
	topic string
}

// NewKafkaSink builds a writer for cfg. No connection is made until the
// first publish.
func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultKafkaTopic
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 50 * time.Millisecond
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           cfg.BatchTimeout,
		AllowAutoTopicCreation: true,
	}
	opsf("kafka sink: brokers=%v topic=%s", cfg.Brokers, cfg.Topic)
	return &KafkaSink{w: w, topic: cfg.Topic}, nil
}

// Name implements Sink.
func (k *KafkaSink) Name() string { return "kafka" }

// Publish implements Sink.
func (k *KafkaSink) Publish(ctx context.Context, env Envelope) error {
	msg, err := kafkaMessage(env)
	if err != nil {
		return err
	}
	if err := k.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write to %s: %w", k.topic, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (k *KafkaSink) Close() error { return k.w.Close() }

func kafkaMessage(env Envelope) (kafka.Message, error) {
	payload, err := env.Marshal()
	if err != nil {
		return kafka.Message{}, fmt.Errorf("kafka encode: %w", err)
	}
	return kafka.Message{
		Key:   []byte(env.SessionID.String()),
		Value: payload,
		Time:  env.Event.Timestamp,
		Headers: []kafka.Header{
			{Key: "frame", Value: []byte(strconv.FormatUint(env.Event.FrameNumber, 10))},
			{Key: "alerts", Value: []byte(strconv.Itoa(len(env.Alerts)))},
		},
	}, nil
}
