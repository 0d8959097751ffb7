package txmanager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type Config struct {
	Submitter Submitter

	// Watcher is optional; nil => PollingWatcher over Receipts with Polling.
	Watcher  Watcher
	Receipts ReceiptQuerier
	// Polling is used only when Watcher is nil. A zero value selects
	// DefaultPollingConfig.
	Polling PollingConfig

	Observer Observer
	Log      *slog.Logger

	// Now allows deterministic tests. If nil, time.Now is used.
	Now func() time.Time
}

// Manager submits a request and waits for its receipt.
type Manager struct {
	submitter Submitter
	watcher   Watcher
	polling   *PollingConfig
	obs       Observer
	log       *slog.Logger
	now       func() time.Time
}

func New(cfg Config) (*Manager, error) {
	if cfg.Submitter == nil {
		return nil, fmt.Errorf("%w: nil submitter", ErrInvalidConfig)
	}
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	m := &Manager{
		submitter: cfg.Submitter,
		watcher:   cfg.Watcher,
		obs:       cfg.Observer,
		log:       cfg.Log,
		now:       cfg.Now,
	}
	if m.watcher == nil {
		if cfg.Receipts == nil {
			return nil, fmt.Errorf("%w: nil watcher and nil receipt querier", ErrInvalidConfig)
		}
		polling := cfg.Polling
		if polling.Attempts == 0 && polling.Interval == 0 {
			polling = DefaultPollingConfig()
			polling.Sleep = cfg.Polling.Sleep
		}
		pw, err := NewPollingWatcher(cfg.Receipts, polling, cfg.Observer)
		if err != nil {
			return nil, err
		}
		m.watcher = pw
		pc := pw.Config()
		m.polling = &pc
	}
	return m, nil
}

func (m *Manager) Address() common.Address { return m.submitter.Address() }

// Describe logs the effective configuration once; call it at startup.
func (m *Manager) Describe() {
	attrs := []any{"from", m.submitter.Address().Hex(), "submitter", fmt.Sprintf("%T", m.submitter), "watcher", fmt.Sprintf("%T", m.watcher)}
	if m.polling != nil {
		attrs = append(attrs,
			"poll_attempts", m.polling.Attempts,
			"poll_interval", m.polling.Interval.String(),
			"max_wait", m.polling.MaxWait().String(),
		)
	}
	m.log.Info("txmanager configured", attrs...)
}

// Execute submits req and blocks until its receipt is observed or the watcher
// gives up. It never resubmits.
func (m *Manager) Execute(ctx context.Context, req Request) (Outcome, error) {
	hash, err := m.Submit(ctx, req)
	if err != nil {
		return Outcome{}, err
	}
	out, err := m.Await(ctx, hash)
	out.From = m.submitter.Address()
	return out, err
}

// Submit is the first half of Execute: a node rejection is returned as a
// *RejectedError and no hash.
func (m *Manager) Submit(ctx context.Context, req Request) (common.Hash, error) {
	from := m.submitter.Address()

	res, err := m.submitter.Submit(ctx, req)
	if err != nil {
		m.log.Warn("submit failed", "from", from.Hex(), "to", req.To.Hex(), "err", err)
		return common.Hash{}, err
	}
	m.obs.Submitted(from, res)
	if res.Err != nil {
		m.log.Warn("submission rejected", "from", from.Hex(), "to", req.To.Hex(), "code", res.Err.Code, "message", res.Err.Message)
		return common.Hash{}, &RejectedError{From: from, Node: res.Err, Nonce: res.Nonce}
	}
	m.log.Debug("submitted", "from", from.Hex(), "tx_hash", res.Hash.Hex(), "nonce", res.Nonce)
	return res.Hash, nil
}

// Await waits for a hash submitted elsewhere, e.g. to keep watching after a
// confirmation timeout.
func (m *Manager) Await(ctx context.Context, hash common.Hash) (Outcome, error) {
	start := m.now()
	out, err := m.watcher.Wait(ctx, hash)
	elapsed := m.now().Sub(start)

	state := StateOf(err)
	attempts := out.Attempts
	var (
		te *TimeoutError
		pe *PollError
	)
	switch {
	case errors.As(err, &te):
		attempts = te.Attempts
	case errors.As(err, &pe):
		attempts = pe.Attempt
	}
	if state.Terminal() {
		m.obs.Finished(hash, state, attempts, elapsed)
	}

	switch state {
	case StateConfirmed:
		if out.Receipt == nil {
			return Outcome{}, fmt.Errorf("txmanager: watcher returned no receipt for %s", hash.Hex())
		}
		m.log.Info("tx confirmed", "tx_hash", hash.Hex(), "status", out.Receipt.Status, "block", out.Receipt.BlockNumber, "gas_used", out.Receipt.GasUsed, "attempts", attempts)
	case StateTimedOut, StateTransportFailed:
		m.log.Warn("tx not confirmed", "tx_hash", hash.Hex(), "state", state.String(), "attempts", attempts, "err", err)
	default:
		m.log.Info("wait abandoned", "tx_hash", hash.Hex(), "err", err)
	}
	return out, err
}
