package queue

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func TestNewConsumerValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  ConsumerConfig
	}{
		{name: "unsupported driver", cfg: ConsumerConfig{Driver: "unknown"}},
		{name: "kafka missing brokers", cfg: ConsumerConfig{Driver: DriverKafka, Group: "g1", Topics: []string{"t1"}}},
		{name: "kafka missing group", cfg: ConsumerConfig{Driver: DriverKafka, Brokers: []string{"127.0.0.1:9092"}, Topics: []string{"t1"}}},
		{name: "kafka missing topics", cfg: ConsumerConfig{Driver: DriverKafka, Brokers: []string{"127.0.0.1:9092"}, Group: "g1"}},
		{name: "kafka bytes", cfg: ConsumerConfig{Driver: DriverKafka, Brokers: []string{"b"}, Group: "g1", Topics: []string{"t1"}, KafkaMinBytes: 10, KafkaMaxBytes: 5}},
		{name: "memory missing broker", cfg: ConsumerConfig{Driver: DriverMemory, Topics: []string{"t1"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()

			c, err := NewConsumer(ctx, tc.cfg)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
			if c != nil {
				t.Fatalf("expected nil consumer on error")
			}
		})
	}
}

func TestNewProducerValidation(t *testing.T) {
	t.Parallel()

	for _, cfg := range []ProducerConfig{
		{Driver: "unknown"},
		{Driver: DriverKafka},
		{Driver: DriverMemory},
	} {
		p, err := NewProducer(cfg)
		if !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("%+v: expected ErrInvalidConfig, got %v", cfg, err)
		}
		if p != nil {
			t.Fatalf("%+v: expected nil producer on error", cfg)
		}
	}
}

func TestStdioConsumerReadsLinesAndSkipsBlank(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := NewConsumer(ctx, ConsumerConfig{
		Driver:       DriverStdio,
		Reader:       strings.NewReader("first\n\nsecond\n"),
		MaxLineBytes: 1024,
	})
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	defer func() { _ = c.Close() }()

	var got []string
	for m := range c.Messages() {
		got = append(got, string(m.Value))
		if err := m.Ack(context.Background()); err != nil {
			t.Fatalf("Ack: %v", err)
		}
	}
	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Fatalf("unexpected lines: %#v", got)
	}
}

func TestStdioProducerPublishesLineDelimitedPayloads(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	p, err := NewProducer(ProducerConfig{Driver: DriverStdio, Writer: &out})
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	defer func() { _ = p.Close() }()

	if err := p.Publish(context.Background(), "tx.results", []byte("k"), []byte(`{"state":"CONFIRMED"}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if got, want := out.String(), "{\"state\":\"CONFIRMED\"}\n"; got != want {
		t.Fatalf("output mismatch: got %q want %q", got, want)
	}
}

func TestMemoryBroker_DeliversToSubscribersAndCountsAcks(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	b := NewMemoryBroker()
	c, err := NewConsumer(ctx, ConsumerConfig{Driver: DriverMemory, Broker: b, Topics: []string{"tx.requests"}})
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	defer func() { _ = c.Close() }()
	p, err := NewProducer(ProducerConfig{Driver: DriverMemory, Broker: b})
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}

	if err := p.Publish(ctx, "tx.requests", []byte("key-1"), []byte("payload")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := p.Publish(ctx, "tx.other", nil, []byte("ignored")); err != nil {
		t.Fatalf("Publish other: %v", err)
	}

	select {
	case m := <-c.Messages():
		if m.Topic != "tx.requests" || string(m.Key) != "key-1" || string(m.Value) != "payload" {
			t.Fatalf("message: %+v", m)
		}
		if err := m.Ack(ctx); err != nil {
			t.Fatalf("Ack: %v", err)
		}
	case <-ctx.Done():
		t.Fatalf("timeout waiting for message")
	}

	if got := b.Acked("tx.requests"); got != 1 {
		t.Fatalf("acked: got %d want 1", got)
	}
	if got := len(b.Published("tx.other")); got != 1 {
		t.Fatalf("published other: got %d want 1", got)
	}

	_ = b.Close()
	if err := p.Publish(ctx, "tx.requests", nil, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestSplitCommaList(t *testing.T) {
	t.Parallel()

	got := SplitCommaList(" a, b,,c ,")
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("SplitCommaList: %#v", got)
	}
	if SplitCommaList("  ") != nil {
		t.Fatalf("blank input should be nil")
	}
}

func TestKafkaTLSEnabled(t *testing.T) {
	cases := []struct {
		value string
		want  bool
	}{
		{"", false},
		{"false", false},
		{"0", false},
		{"true", true},
		{"1", true},
		{"yes", true},
		{"on", true},
		{"  TrUe  ", true},
	}
	for _, tc := range cases {
		t.Setenv(envKafkaTLS, tc.value)
		if got := kafkaTLSEnabled(); got != tc.want {
			t.Fatalf("kafkaTLSEnabled(%q) = %t, want %t", tc.value, got, tc.want)
		}
	}
}

func TestStopOnFetchError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want bool
	}{
		{context.Canceled, true},
		{context.DeadlineExceeded, true},
		{io.EOF, false},
		{io.ErrClosedPipe, false},
	}
	for _, tc := range cases {
		if got := stopOnFetchError(tc.err); got != tc.want {
			t.Fatalf("stopOnFetchError(%v) = %t, want %t", tc.err, got, tc.want)
		}
	}
}
