package txmanager

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// SubscriptionWatcher re-checks the receipt whenever the node announces a new head,
// instead of on a fixed cadence. It keeps the polling contract: at most Attempts
// queries, and Interval is the longest gap between two queries when heads are slow.
type SubscriptionWatcher struct {
	querier ReceiptQuerier
	heads   HeadSubscriber
	cfg     PollingConfig
	obs     Observer

	after func(time.Duration) <-chan time.Time
}

func NewSubscriptionWatcher(querier ReceiptQuerier, heads HeadSubscriber, cfg PollingConfig, obs Observer) (*SubscriptionWatcher, error) {
	if querier == nil || heads == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	cfg, err := cfg.validate()
	if err != nil {
		return nil, err
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("%w: subscription watcher needs an interval > 0", ErrInvalidConfig)
	}
	if obs == nil {
		obs = NopObserver{}
	}
	return &SubscriptionWatcher{
		querier: querier,
		heads:   heads,
		cfg:     cfg,
		obs:     obs,
		after:   time.After,
	}, nil
}

func (w *SubscriptionWatcher) Wait(ctx context.Context, hash common.Hash) (Outcome, error) {
	ch := make(chan *types.Header, 16)
	sub, err := w.heads.SubscribeNewHead(ctx, ch)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Outcome{}, ctxErr
		}
		return Outcome{}, &PollError{Hash: hash, Attempt: 0, Err: fmt.Errorf("subscribe new heads: %w", err)}
	}
	defer sub.Unsubscribe()

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

		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case err := <-sub.Err():
			if err == nil {
				err = fmt.Errorf("head subscription closed")
			}
			return Outcome{}, &PollError{Hash: hash, Attempt: attempt, Err: err}
		case <-ch:
			drain(ch)
		case <-w.after(w.cfg.Interval):
		}
	}
	return Outcome{}, &TimeoutError{Hash: hash, Attempts: w.cfg.Attempts}
}

// drain coalesces heads that piled up while a query was in flight.
func drain(ch <-chan *types.Header) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
