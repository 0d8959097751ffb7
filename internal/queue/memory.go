package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MemoryBroker is an in-process queue. It acts as the Producer for every
// topic and fans published messages out to consumers subscribed to the topic.
// Messages published to a topic with no subscribers are retained and can be
// read with Published.
type MemoryBroker struct {
	mu        sync.Mutex
	closed    bool
	subs      map[string][]*memoryConsumer
	published map[string][]Message
	acked     map[string]int
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		subs:      make(map[string][]*memoryConsumer),
		published: make(map[string][]Message),
		acked:     make(map[string]int),
	}
}

func (b *MemoryBroker) Publish(ctx context.Context, topic string, key, payload []byte) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return fmt.Errorf("%w: topic is required", ErrInvalidConfig)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	msg := Message{
		Topic:     topic,
		Key:       append([]byte(nil), key...),
		Value:     append([]byte(nil), payload...),
		Timestamp: time.Now().UTC(),
	}
	msg.ackFn = func(context.Context) error {
		b.mu.Lock()
		b.acked[topic]++
		b.mu.Unlock()
		return nil
	}
	b.published[topic] = append(b.published[topic], msg)
	subs := append([]*memoryConsumer(nil), b.subs[topic]...)
	b.mu.Unlock()

	for _, c := range subs {
		select {
		case c.msgCh <- msg:
		case <-c.ctx.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Published returns a copy of everything published to topic so far.
func (b *MemoryBroker) Published(topic string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.published[topic]...)
}

// Acked returns how many messages from topic have been acknowledged.
func (b *MemoryBroker) Acked(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acked[topic]
}

// Close marks the broker closed for publishing. It does not stop consumers.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

func (b *MemoryBroker) consumer(parent context.Context, topics []string) *memoryConsumer {
	ctx, cancel := context.WithCancel(parent)
	c := &memoryConsumer{
		broker: b,
		topics: topics,
		ctx:    ctx,
		cancel: cancel,
		msgCh:  make(chan Message, 64),
		errCh:  make(chan error),
	}
	b.mu.Lock()
	for _, t := range topics {
		b.subs[t] = append(b.subs[t], c)
	}
	b.mu.Unlock()
	return c
}

func (b *MemoryBroker) unsubscribe(c *memoryConsumer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range c.topics {
		subs := b.subs[t]
		for i, s := range subs {
			if s == c {
				b.subs[t] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
	}
}

// memoryConsumer never closes its channels; readers stop on their own context.
type memoryConsumer struct {
	broker *MemoryBroker
	topics []string

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	msgCh chan Message
	errCh chan error
}

func (c *memoryConsumer) Messages() <-chan Message { return c.msgCh }
func (c *memoryConsumer) Errors() <-chan error     { return c.errCh }

func (c *memoryConsumer) Close() error {
	c.once.Do(func() {
		c.cancel()
		c.broker.unsubscribe(c)
	})
	return nil
}
