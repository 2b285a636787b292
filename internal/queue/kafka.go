package queue

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	envKafkaTLS = "SEQUENCER_QUEUE_KAFKA_TLS"

	defaultKafkaMinBytes = 1
	defaultKafkaMaxBytes = 10 << 20
)

// kafkaTLS returns the TLS config both kafka drivers share, or nil when the
// operator has not switched it on.
func kafkaTLS() *tls.Config {
	switch strings.TrimSpace(strings.ToLower(os.Getenv(envKafkaTLS))) {
	case "1", "true", "yes", "on":
		return &tls.Config{MinVersion: tls.VersionTLS12}
	default:
		return nil
	}
}

type kafkaConsumer struct {
	reader *kafka.Reader

	msgCh chan Message
	errCh chan error

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func newKafkaConsumer(parent context.Context, cfg ConsumerConfig) (Consumer, error) {
	brokers := normalizeList(cfg.Brokers)
	topics := normalizeList(cfg.Topics)
	group := strings.TrimSpace(cfg.Group)
	switch {
	case len(brokers) == 0:
		return nil, fmt.Errorf("%w: kafka consumer requires at least one broker", ErrInvalidConfig)
	case group == "":
		return nil, fmt.Errorf("%w: kafka consumer requires a group", ErrInvalidConfig)
	case len(topics) == 0:
		return nil, fmt.Errorf("%w: kafka consumer requires at least one topic", ErrInvalidConfig)
	}

	minBytes := cfg.KafkaMinBytes
	if minBytes <= 0 {
		minBytes = defaultKafkaMinBytes
	}
	maxBytes := cfg.KafkaMaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultKafkaMaxBytes
	}
	if maxBytes < minBytes {
		return nil, fmt.Errorf("%w: kafka max bytes must be >= min bytes", ErrInvalidConfig)
	}

	readerCfg := kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     group,
		GroupTopics: topics,
		MinBytes:    minBytes,
		MaxBytes:    maxBytes,
	}
	if tc := kafkaTLS(); tc != nil {
		readerCfg.Dialer = &kafka.Dialer{Timeout: 10 * time.Second, TLS: tc}
	}

	ctx, cancel := context.WithCancel(parent)
	c := &kafkaConsumer{
		reader: kafka.NewReader(readerCfg),
		msgCh:  make(chan Message, 64),
		errCh:  make(chan error, 8),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.fetchLoop(ctx)
	return c, nil
}

// fetchLoop fetches without committing; the offset moves only when the
// receiver acks, so a crash between fetch and ack redelivers the message.
func (c *kafkaConsumer) fetchLoop(ctx context.Context) {
	defer close(c.done)
	defer close(c.msgCh)
	defer close(c.errCh)

	for {
		km, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			select {
			case c.errCh <- err:
			case <-ctx.Done():
				return
			}
			continue
		}

		msg := Message{
			Topic:     km.Topic,
			Key:       append([]byte(nil), km.Key...),
			Value:     append([]byte(nil), km.Value...),
			Timestamp: km.Time,
			ackFn: func(ackCtx context.Context) error {
				return c.reader.CommitMessages(ackCtx, km)
			},
		}
		select {
		case c.msgCh <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (c *kafkaConsumer) Messages() <-chan Message { return c.msgCh }
func (c *kafkaConsumer) Errors() <-chan error     { return c.errCh }

func (c *kafkaConsumer) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		err = c.reader.Close()
		<-c.done
	})
	return err
}

type kafkaProducer struct {
	writer *kafka.Writer
}

func newKafkaProducer(cfg ProducerConfig) (Producer, error) {
	brokers := normalizeList(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka producer requires at least one broker", ErrInvalidConfig)
	}

	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		BatchTimeout: batchTimeout,
		RequiredAcks: kafka.RequireAll,
	}
	if tc := kafkaTLS(); tc != nil {
		writer.Transport = &kafka.Transport{TLS: tc}
	}
	return &kafkaProducer{writer: writer}, nil
}

func (p *kafkaProducer) Publish(ctx context.Context, topic string, payload []byte) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return fmt.Errorf("%w: topic is required", ErrInvalidConfig)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Value: payload})
}

func (p *kafkaProducer) Close() error {
	return p.writer.Close()
}
