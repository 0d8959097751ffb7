package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

const (
	DriverKafka  = "kafka"
	DriverStdio  = "stdio"
	DriverMemory = "memory"
)

// envKafkaTLS turns on TLS for both Kafka readers and writers.
const envKafkaTLS = "TXMANAGER_QUEUE_KAFKA_TLS"

var (
	ErrInvalidConfig = errors.New("queue: invalid config")
	ErrClosed        = errors.New("queue: closed")
)

// Message is a queue record delivered to a consumer.
type Message struct {
	Topic string
	Key   []byte
	Value []byte
	// Timestamp is the producer timestamp (Kafka) or local receive time (stdio, memory).
	Timestamp time.Time

	ackFn func(context.Context) error
}

// Ack commits the message offset. It is a no-op for drivers without offsets.
func (m Message) Ack(ctx context.Context) error {
	if m.ackFn == nil {
		return nil
	}
	return m.ackFn(ctx)
}

type Consumer interface {
	Messages() <-chan Message
	Errors() <-chan error
	Close() error
}

// Producer publishes payloads. key may be nil; Kafka uses it for partitioning.
type Producer interface {
	Publish(ctx context.Context, topic string, key, payload []byte) error
	Close() error
}

type ConsumerConfig struct {
	Driver string

	// Kafka fields.
	Brokers       []string
	Group         string
	Topics        []string
	KafkaMinBytes int
	KafkaMaxBytes int

	// Stdio fields.
	Reader       io.Reader
	MaxLineBytes int

	// Memory fields.
	Broker *MemoryBroker
}

type ProducerConfig struct {
	Driver string

	// Kafka fields.
	Brokers      []string
	BatchTimeout time.Duration
	MaxAttempts  int

	// Stdio fields.
	Writer io.Writer

	// Memory fields.
	Broker *MemoryBroker
}

// NewConsumer creates a queue consumer for the configured driver. The consumer
// stops when ctx is done or Close is called.
func NewConsumer(ctx context.Context, cfg ConsumerConfig) (Consumer, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverKafka:
		c, err := newKafkaConsumer(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	case DriverStdio:
		return newStdioConsumer(ctx, cfg), nil
	case DriverMemory:
		if cfg.Broker == nil {
			return nil, fmt.Errorf("%w: memory consumer requires a broker", ErrInvalidConfig)
		}
		return cfg.Broker.consumer(ctx, normalizeList(cfg.Topics)), nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func NewProducer(cfg ProducerConfig) (Producer, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverKafka:
		p, err := newKafkaProducer(cfg)
		if err != nil {
			return nil, err
		}
		return p, nil
	case DriverStdio:
		return newStdioProducer(cfg), nil
	case DriverMemory:
		if cfg.Broker == nil {
			return nil, fmt.Errorf("%w: memory producer requires a broker", ErrInvalidConfig)
		}
		return cfg.Broker, nil
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

// SplitCommaList splits a flag value like "a, b,,c" into ["a" "b" "c"].
func SplitCommaList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return normalizeList(strings.Split(s, ","))
}

func kafkaTLSEnabled() bool {
	switch strings.TrimSpace(strings.ToLower(os.Getenv(envKafkaTLS))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
