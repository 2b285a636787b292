// Package queue moves sequencer events between processes: the watcher feeds
// pending commitments to the ingest worker and the tree builder feeds
// inclusion events to the prover. Kafka is the production transport; the
// stdio driver exists so the pipeline can be exercised end to end with plain
// pipes.
package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

const (
	DriverKafka = "kafka"
	DriverStdio = "stdio"
)

var ErrInvalidConfig = errors.New("queue: invalid config")

// Message is one record delivered to a consumer. Ack commits the offset on
// drivers that track one (kafka), where an unacked message is redelivered
// after a restart; on other drivers Ack is a no-op and nothing is redelivered.
type Message struct {
	Topic string
	Key   []byte
	Value []byte
	// Timestamp is the producer timestamp (kafka) or local receive time (stdio).
	Timestamp time.Time

	ackFn func(context.Context) error
}

func (m Message) Ack(ctx context.Context) error {
	if m.ackFn == nil {
		return nil
	}
	return m.ackFn(ctx)
}

// Consumer delivers messages and transport errors on channels that close
// together when the consumer stops.
type Consumer interface {
	Messages() <-chan Message
	Errors() <-chan error
	Close() error
}

// Producer publishes one payload per call.
type Producer interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}

type ConsumerConfig struct {
	Driver string

	// Kafka fields.
	Brokers []string
	Group   string
	Topics  []string

	KafkaMinBytes int
	KafkaMaxBytes int

	// Stdio fields.
	Reader       io.Reader
	MaxLineBytes int
}

type ProducerConfig struct {
	Driver string

	// Kafka fields.
	Brokers      []string
	BatchTimeout time.Duration

	// Stdio fields.
	Writer io.Writer
}

// NewConsumer opens a consumer for the configured driver. The empty driver
// means kafka.
func NewConsumer(ctx context.Context, cfg ConsumerConfig) (Consumer, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverKafka:
		return newKafkaConsumer(ctx, cfg)
	case DriverStdio:
		return newStdioConsumer(ctx, cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

// NewProducer opens a producer for the configured driver. The empty driver
// means kafka.
func NewProducer(cfg ProducerConfig) (Producer, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverKafka:
		return newKafkaProducer(cfg)
	case DriverStdio:
		return newStdioProducer(cfg), nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func normalizeDriver(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return DriverKafka
	}
	return v
}

func normalizeList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// SplitCommaList turns a comma-separated flag value into its non-empty,
// trimmed entries.
func SplitCommaList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return normalizeList(strings.Split(s, ","))
}
