package txmanager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const (
	DefaultPollingAttempts = 40
	DefaultPollingInterval = 100 * time.Millisecond
)

// Watcher waits for the receipt of a submitted transaction.
//
// Wait returns exactly one terminal result: the Outcome, a *TimeoutError, a
// *PollError, or ctx.Err() when the caller gives up between attempts.
type Watcher interface {
	Wait(ctx context.Context, hash common.Hash) (Outcome, error)
}

// PollingConfig bounds a wait to at most Attempts queries spaced Interval apart.
type PollingConfig struct {
	Attempts int
	Interval time.Duration

	// Sleep allows deterministic tests. If nil, a timer honoring ctx is used.
	Sleep func(ctx context.Context, d time.Duration) error
}

func DefaultPollingConfig() PollingConfig {
	return PollingConfig{
		Attempts: DefaultPollingAttempts,
		Interval: DefaultPollingInterval,
	}
}

// MaxWait bounds the total wait, excluding query latency. No sleep follows the
// final attempt, so the real worst case is one Interval shorter.
func (c PollingConfig) MaxWait() time.Duration {
	if c.Attempts <= 0 {
		return 0
	}
	return time.Duration(c.Attempts) * c.Interval
}

func (c PollingConfig) validate() (PollingConfig, error) {
	if c.Attempts <= 0 {
		return c, fmt.Errorf("%w: polling attempts must be > 0", ErrInvalidConfig)
	}
	if c.Interval < 0 {
		return c, fmt.Errorf("%w: polling interval must be >= 0", ErrInvalidConfig)
	}
	if c.Sleep == nil {
		c.Sleep = sleepCtx
	}
	return c, nil
}

type PollingWatcher struct {
	querier ReceiptQuerier
	cfg     PollingConfig
	obs     Observer
}

func NewPollingWatcher(querier ReceiptQuerier, cfg PollingConfig, obs Observer) (*PollingWatcher, error) {
	if querier == nil {
		return nil, fmt.Errorf("%w: nil receipt querier", ErrInvalidConfig)
	}
	cfg, err := cfg.validate()
	if err != nil {
		return nil, err
	}
	if obs == nil {
		obs = NopObserver{}
	}
	return &PollingWatcher{querier: querier, cfg: cfg, obs: obs}, nil
}

func (w *PollingWatcher) Config() PollingConfig { return w.cfg }

func (w *PollingWatcher) Wait(ctx context.Context, hash common.Hash) (Outcome, error) {
	for attempt := 1; attempt <= w.cfg.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}
		receipt, err := queryReceipt(ctx, w.querier, hash, attempt, w.obs)
		if err != nil {
			return Outcome{}, err
		}
		if receipt != nil {
			return Outcome{Hash: hash, Receipt: receipt, Attempts: attempt}, nil
		}
		if attempt == w.cfg.Attempts {
			break
		}
		if err := w.cfg.Sleep(ctx, w.cfg.Interval); err != nil {
			return Outcome{}, err
		}
	}
	return Outcome{}, &TimeoutError{Hash: hash, Attempts: w.cfg.Attempts}
}

// queryReceipt runs a single attempt. A nil receipt with nil error means the
// transaction is still pending.
func queryReceipt(ctx context.Context, q ReceiptQuerier, hash common.Hash, attempt int, obs Observer) (*types.Receipt, error) {
	receipt, err := q.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			obs.Attempted(hash, attempt, false)
			return nil, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		obs.Attempted(hash, attempt, false)
		return nil, &PollError{Hash: hash, Attempt: attempt, Err: err}
	}
	obs.Attempted(hash, attempt, receipt != nil)
	return receipt, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
