package queue

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNewConsumer_RejectsBadConfig(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  ConsumerConfig
	}{
		{"unsupported driver", ConsumerConfig{Driver: "sqs"}},
		{"kafka without brokers", ConsumerConfig{Driver: DriverKafka, Group: "ingest", Topics: []string{TopicPending}}},
		{"kafka without group", ConsumerConfig{Driver: DriverKafka, Brokers: []string{"127.0.0.1:9092"}, Topics: []string{TopicPending}}},
		{"kafka without topics", ConsumerConfig{Driver: DriverKafka, Brokers: []string{"127.0.0.1:9092"}, Group: "ingest"}},
		{"kafka max below min", ConsumerConfig{Driver: DriverKafka, Brokers: []string{"127.0.0.1:9092"}, Group: "ingest", Topics: []string{TopicPending}, KafkaMinBytes: 1024, KafkaMaxBytes: 512}},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()

			if _, err := NewConsumer(ctx, tc.cfg); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("got %v want ErrInvalidConfig", err)
			}
		})
	}
}

func TestNewProducer_RejectsBadConfig(t *testing.T) {
	t.Parallel()

	if _, err := NewProducer(ProducerConfig{Driver: "sqs"}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("unsupported driver: got %v", err)
	}
	if _, err := NewProducer(ProducerConfig{Driver: DriverKafka}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("kafka without brokers: got %v", err)
	}
}

func TestStdioConsumer_DeliversLines(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := NewConsumer(ctx, ConsumerConfig{
		Driver:       DriverStdio,
		Reader:       strings.NewReader("first\nsecond\n"),
		MaxLineBytes: 1024,
	})
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	defer func() { _ = c.Close() }()

	var got []string
	deadline := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case m, ok := <-c.Messages():
			if !ok {
				t.Fatalf("messages channel closed early")
			}
			got = append(got, string(m.Value))
			if err := m.Ack(context.Background()); err != nil {
				t.Fatalf("Ack: %v", err)
			}
		case err := <-c.Errors():
			if err != nil {
				t.Fatalf("consumer error: %v", err)
			}
		case <-deadline:
			t.Fatalf("timeout waiting for lines, got %d", len(got))
		}
	}

	if got[0] != "first" || got[1] != "second" {
		t.Fatalf("lines: got %#v", got)
	}
}

func TestStdioProducer_WritesLineDelimited(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	p, err := NewProducer(ProducerConfig{Driver: DriverStdio, Writer: &out})
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	defer func() { _ = p.Close() }()

	if err := p.Publish(context.Background(), TopicIncluded, []byte(`{"version":"commitments.included.v1"}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if got, want := out.String(), "{\"version\":\"commitments.included.v1\"}\n"; got != want {
		t.Fatalf("output: got %q want %q", got, want)
	}
}

func TestMessage_AckWithoutOffsetIsNoOp(t *testing.T) {
	t.Parallel()

	m := Message{Topic: TopicPending, Value: []byte("x")}
	if err := m.Ack(context.Background()); err != nil {
		t.Fatalf("Ack: %v", err)
	}
}

func TestKafkaTLS_EnvSwitch(t *testing.T) {
	cases := []struct {
		name    string
		value   string
		enabled bool
	}{
		{"unset", "", false},
		{"false", "false", false},
		{"zero", "0", false},
		{"true", "true", true},
		{"one", "1", true},
		{"yes", "yes", true},
		{"on", "on", true},
		{"case and space", "  TrUe  ", true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(envKafkaTLS, tc.value)
			if got := kafkaTLS() != nil; got != tc.enabled {
				t.Fatalf("kafkaTLS with %q: enabled=%t want %t", tc.value, got, tc.enabled)
			}
		})
	}
}

func TestSplitCommaList(t *testing.T) {
	t.Parallel()

	if got := SplitCommaList("  "); got != nil {
		t.Fatalf("blank: got %#v", got)
	}
	got := SplitCommaList("a, b ,,c")
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("got %#v", got)
	}
}
