package txmanager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var testHash = common.HexToHash("0x0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")

func TestPollingWatcher_FirstPollReturnsWithoutSleeping(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	backend.script = []receiptStep{mined(testHash)}
	sleeper := &fakeSleeper{}

	w, err := NewPollingWatcher(backend, PollingConfig{Attempts: 40, Interval: 100 * time.Millisecond, Sleep: sleeper.Sleep}, nil)
	if err != nil {
		t.Fatalf("NewPollingWatcher: %v", err)
	}
	out, err := w.Wait(context.Background(), testHash)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if out.Receipt == nil || out.Receipt.TxHash != testHash {
		t.Fatalf("receipt: %+v", out.Receipt)
	}
	if out.Attempts != 1 {
		t.Fatalf("Attempts: got %d want 1", out.Attempts)
	}
	if got := backend.ReceiptCalls(); got != 1 {
		t.Fatalf("queries: got %d want 1", got)
	}
	if got := len(sleeper.Calls()); got != 0 {
		t.Fatalf("sleeps: got %d want 0", got)
	}
}

func TestPollingWatcher_SleepsBetweenAbsentPolls(t *testing.T) {
	t.Parallel()

	for _, k := range []int{1, 2, 5, 39} {
		backend := newFakeBackend()
		for i := 0; i < k; i++ {
			backend.script = append(backend.script, absent())
		}
		backend.script = append(backend.script, mined(testHash))
		sleeper := &fakeSleeper{}

		w, err := NewPollingWatcher(backend, PollingConfig{Attempts: 40, Interval: 100 * time.Millisecond, Sleep: sleeper.Sleep}, nil)
		if err != nil {
			t.Fatalf("NewPollingWatcher: %v", err)
		}
		out, err := w.Wait(context.Background(), testHash)
		if err != nil {
			t.Fatalf("k=%d: Wait: %v", k, err)
		}
		if out.Attempts != k+1 {
			t.Fatalf("k=%d: Attempts: got %d want %d", k, out.Attempts, k+1)
		}
		if got := backend.ReceiptCalls(); got != k+1 {
			t.Fatalf("k=%d: queries: got %d want %d", k, got, k+1)
		}
		sleeps := sleeper.Calls()
		if len(sleeps) != k {
			t.Fatalf("k=%d: sleeps: got %d want %d", k, len(sleeps), k)
		}
		for i, d := range sleeps {
			if d != 100*time.Millisecond {
				t.Fatalf("k=%d: sleep[%d]: got %v want %v", k, i, d, 100*time.Millisecond)
			}
		}
	}
}

func TestPollingWatcher_TimesOutWithAttemptLimit(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	sleeper := &fakeSleeper{}
	w, err := NewPollingWatcher(backend, PollingConfig{Attempts: 5, Interval: time.Second, Sleep: sleeper.Sleep}, nil)
	if err != nil {
		t.Fatalf("NewPollingWatcher: %v", err)
	}

	_, err = w.Wait(context.Background(), testHash)
	if !errors.Is(err, ErrConfirmationTimeout) {
		t.Fatalf("expected ErrConfirmationTimeout, got %v", err)
	}
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TimeoutError, got %T", err)
	}
	if te.Attempts != 5 || te.Hash != testHash {
		t.Fatalf("TimeoutError: %+v", te)
	}
	if got := backend.ReceiptCalls(); got != 5 {
		t.Fatalf("queries: got %d want 5", got)
	}
	if got := len(sleeper.Calls()); got != 4 {
		t.Fatalf("sleeps: got %d want 4", got)
	}
}

func TestPollingWatcher_QueryFailureIsFatal(t *testing.T) {
	t.Parallel()

	for i := 1; i <= 4; i++ {
		backend := newFakeBackend()
		for j := 1; j < i; j++ {
			backend.script = append(backend.script, absent())
		}
		backend.script = append(backend.script, broken("connection refused"), mined(testHash))
		sleeper := &fakeSleeper{}

		w, err := NewPollingWatcher(backend, PollingConfig{Attempts: 4, Interval: time.Millisecond, Sleep: sleeper.Sleep}, nil)
		if err != nil {
			t.Fatalf("NewPollingWatcher: %v", err)
		}
		_, err = w.Wait(context.Background(), testHash)
		if !errors.Is(err, ErrPollTransport) {
			t.Fatalf("i=%d: expected ErrPollTransport, got %v", i, err)
		}
		if errors.Is(err, ErrConfirmationTimeout) {
			t.Fatalf("i=%d: poll failure must not be a timeout", i)
		}
		var pe *PollError
		if !errors.As(err, &pe) || pe.Attempt != i {
			t.Fatalf("i=%d: PollError: %+v", i, pe)
		}
		if got := backend.ReceiptCalls(); got != i {
			t.Fatalf("i=%d: queries: got %d want %d", i, got, i)
		}
	}
}

func TestPollingWatcher_CancelBetweenAttempts(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	sleep := func(ctx context.Context, _ time.Duration) error {
		calls++
		if calls == 2 {
			cancel()
		}
		return ctx.Err()
	}

	w, err := NewPollingWatcher(backend, PollingConfig{Attempts: 10, Interval: time.Second, Sleep: sleep}, nil)
	if err != nil {
		t.Fatalf("NewPollingWatcher: %v", err)
	}
	_, err = w.Wait(ctx, testHash)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if got := backend.ReceiptCalls(); got != 2 {
		t.Fatalf("queries: got %d want 2", got)
	}
}

func TestPollingWatcher_RealTimerThreeAttempts(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	backend.script = []receiptStep{absent(), absent(), mined(testHash)}

	w, err := NewPollingWatcher(backend, PollingConfig{Attempts: 3, Interval: 100 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("NewPollingWatcher: %v", err)
	}

	start := time.Now()
	out, err := w.Wait(context.Background(), testHash)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if out.Attempts != 3 {
		t.Fatalf("Attempts: got %d want 3", out.Attempts)
	}
	if elapsed < 200*time.Millisecond || elapsed >= 300*time.Millisecond {
		t.Fatalf("elapsed: got %v want [200ms, 300ms)", elapsed)
	}
}

func TestPollingWatcher_RejectsBadConfig(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	if _, err := NewPollingWatcher(backend, PollingConfig{Attempts: 0, Interval: time.Second}, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("attempts=0: got %v", err)
	}
	if _, err := NewPollingWatcher(backend, PollingConfig{Attempts: 1, Interval: -time.Second}, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("negative interval: got %v", err)
	}
	if _, err := NewPollingWatcher(nil, DefaultPollingConfig(), nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("nil querier: got %v", err)
	}
}

func TestDefaultPollingConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultPollingConfig()
	if cfg.Attempts != 40 || cfg.Interval != 100*time.Millisecond {
		t.Fatalf("defaults: %+v", cfg)
	}
	if got := cfg.MaxWait(); got != 4*time.Second {
		t.Fatalf("MaxWait: got %v want 4s", got)
	}
}
