package queue

import (
	"bufio"
	"context"
	"io"
	"os"
	"sync"
	"time"
)

const defaultMaxLineBytes = 1 << 20

// stdioConsumer reads one message per line. It is used for local runs and
// piping requests in from a file.
type stdioConsumer struct {
	msgCh chan Message
	errCh chan error

	cancel context.CancelFunc
	once   sync.Once
}

func newStdioConsumer(parent context.Context, cfg ConsumerConfig) *stdioConsumer {
	r := cfg.Reader
	if r == nil {
		r = os.Stdin
	}
	maxLine := cfg.MaxLineBytes
	if maxLine <= 0 {
		maxLine = defaultMaxLineBytes
	}

	ctx, cancel := context.WithCancel(parent)
	c := &stdioConsumer{
		msgCh:  make(chan Message, 64),
		errCh:  make(chan error, 8),
		cancel: cancel,
	}
	go c.run(ctx, r, maxLine)
	return c
}

func (c *stdioConsumer) run(ctx context.Context, r io.Reader, maxLine int) {
	defer close(c.msgCh)
	defer close(c.errCh)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 1024), maxLine)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		msg := Message{
			Value:     append([]byte(nil), sc.Bytes()...),
			Timestamp: time.Now().UTC(),
		}
		select {
		case c.msgCh <- msg:
		case <-ctx.Done():
			return
		}
	}
	if err := sc.Err(); err != nil {
		select {
		case c.errCh <- err:
		case <-ctx.Done():
		}
	}
}

func (c *stdioConsumer) Messages() <-chan Message { return c.msgCh }
func (c *stdioConsumer) Errors() <-chan error     { return c.errCh }

func (c *stdioConsumer) Close() error {
	c.once.Do(c.cancel)
	return nil
}

// stdioProducer writes each payload as one line, regardless of topic.
type stdioProducer struct {
	mu sync.Mutex
	w  io.Writer
}

func newStdioProducer(cfg ProducerConfig) *stdioProducer {
	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	return &stdioProducer{w: w}
}

func (p *stdioProducer) Publish(_ context.Context, _ string, _ []byte, payload []byte) error {
	line := make([]byte, 0, len(payload)+1)
	line = append(append(line, payload...), '\n')

	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.w.Write(line)
	return err
}

func (p *stdioProducer) Close() error { return nil }
