package txmanager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type fakeSub struct {
	errCh chan error
	once  sync.Once
	unsub bool
}

func (s *fakeSub) Err() <-chan error { return s.errCh }

func (s *fakeSub) Unsubscribe() {
	s.once.Do(func() { s.unsub = true })
}

// headFeed announces a new head after every receipt query that came back empty.
type headFeed struct {
	*fakeBackend

	mu        sync.Mutex
	ch        chan<- *types.Header
	sub       *fakeSub
	announce  bool
	failAfter int
	subErr    error
}

func (f *headFeed) SubscribeNewHead(_ context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	if f.subErr != nil {
		return nil, f.subErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ch = ch
	f.sub = &fakeSub{errCh: make(chan error, 1)}
	return f.sub, nil
}

func (f *headFeed) TransactionReceipt(ctx context.Context, h common.Hash) (*types.Receipt, error) {
	r, err := f.fakeBackend.TransactionReceipt(ctx, h)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAfter > 0 && f.fakeBackend.ReceiptCalls() == f.failAfter {
		f.sub.errCh <- errors.New("websocket closed")
		return r, err
	}
	if f.announce && errors.Is(err, ethereum.NotFound) {
		f.ch <- &types.Header{}
	}
	return r, err
}

func never(time.Duration) <-chan time.Time { return make(chan time.Time) }

func TestSubscriptionWatcher_QueriesOnEachHead(t *testing.T) {
	t.Parallel()

	feed := &headFeed{fakeBackend: newFakeBackend(), announce: true}
	feed.script = []receiptStep{absent(), absent(), mined(testHash)}

	w, err := NewSubscriptionWatcher(feed, feed, PollingConfig{Attempts: 5, Interval: time.Hour}, nil)
	if err != nil {
		t.Fatalf("NewSubscriptionWatcher: %v", err)
	}
	w.after = never

	out, err := w.Wait(context.Background(), testHash)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if out.Attempts != 3 {
		t.Fatalf("Attempts: got %d want 3", out.Attempts)
	}
	if !feed.sub.unsub {
		t.Fatalf("expected unsubscribe")
	}
}

func TestSubscriptionWatcher_TimesOutAfterAttempts(t *testing.T) {
	t.Parallel()

	feed := &headFeed{fakeBackend: newFakeBackend(), announce: true}
	w, err := NewSubscriptionWatcher(feed, feed, PollingConfig{Attempts: 3, Interval: time.Hour}, nil)
	if err != nil {
		t.Fatalf("NewSubscriptionWatcher: %v", err)
	}
	w.after = never

	_, err = w.Wait(context.Background(), testHash)
	var te *TimeoutError
	if !errors.As(err, &te) || te.Attempts != 3 {
		t.Fatalf("expected TimeoutError with 3 attempts, got %v", err)
	}
	if got := feed.ReceiptCalls(); got != 3 {
		t.Fatalf("queries: got %d want 3", got)
	}
}

func TestSubscriptionWatcher_FallsBackToInterval(t *testing.T) {
	t.Parallel()

	feed := &headFeed{fakeBackend: newFakeBackend()}
	feed.script = []receiptStep{absent(), mined(testHash)}

	w, err := NewSubscriptionWatcher(feed, feed, PollingConfig{Attempts: 2, Interval: 250 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("NewSubscriptionWatcher: %v", err)
	}
	var waited []time.Duration
	w.after = func(d time.Duration) <-chan time.Time {
		waited = append(waited, d)
		ch := make(chan time.Time, 1)
		ch <- time.Time{}
		return ch
	}

	out, err := w.Wait(context.Background(), testHash)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if out.Attempts != 2 {
		t.Fatalf("Attempts: got %d want 2", out.Attempts)
	}
	if len(waited) != 1 || waited[0] != 250*time.Millisecond {
		t.Fatalf("interval waits: %v", waited)
	}
}

func TestSubscriptionWatcher_SubscriptionErrorIsTransportFailure(t *testing.T) {
	t.Parallel()

	feed := &headFeed{fakeBackend: newFakeBackend(), failAfter: 1}
	w, err := NewSubscriptionWatcher(feed, feed, PollingConfig{Attempts: 5, Interval: time.Hour}, nil)
	if err != nil {
		t.Fatalf("NewSubscriptionWatcher: %v", err)
	}
	w.after = never

	_, err = w.Wait(context.Background(), testHash)
	var pe *PollError
	if !errors.As(err, &pe) || pe.Attempt != 1 {
		t.Fatalf("expected PollError at attempt 1, got %v", err)
	}
	if got := feed.ReceiptCalls(); got != 1 {
		t.Fatalf("queries: got %d want 1", got)
	}
}

func TestSubscriptionWatcher_SubscribeFailure(t *testing.T) {
	t.Parallel()

	feed := &headFeed{fakeBackend: newFakeBackend(), subErr: errors.New("notifications not supported")}
	w, err := NewSubscriptionWatcher(feed, feed, PollingConfig{Attempts: 5, Interval: time.Second}, nil)
	if err != nil {
		t.Fatalf("NewSubscriptionWatcher: %v", err)
	}
	_, err = w.Wait(context.Background(), testHash)
	if !errors.Is(err, ErrPollTransport) {
		t.Fatalf("expected ErrPollTransport, got %v", err)
	}
	if got := feed.ReceiptCalls(); got != 0 {
		t.Fatalf("queries: got %d want 0", got)
	}
}
