package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/juno-intents/txmanager/internal/archive"
	"github.com/juno-intents/txmanager/internal/journal"
	"github.com/juno-intents/txmanager/internal/metrics"
	"github.com/juno-intents/txmanager/internal/queue"
	"github.com/juno-intents/txmanager/internal/txmanager"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

var ErrInvalidConfig = errors.New("worker: invalid config")

// Executor is the part of *txmanager.Manager the worker drives. Submit and
// Await are separate so the hash can be journaled before waiting.
type Executor interface {
	Address() common.Address
	Submit(ctx context.Context, req txmanager.Request) (common.Hash, error)
	Await(ctx context.Context, hash common.Hash) (txmanager.Outcome, error)
}

type Archiver interface {
	Put(ctx context.Context, rec archive.Record) (bool, error)
}

type Config struct {
	ResultTopic  string
	FailureTopic string

	MaxInFlight int
	// RatePerSecond limits new submissions; 0 disables the limit.
	RatePerSecond float64
	Burst         int

	AckTimeout time.Duration
}

type Worker struct {
	cfg Config

	exec     Executor
	journal  journal.Store
	archive  Archiver
	consumer queue.Consumer
	producer queue.Producer
	limiter  *rate.Limiter
	claims   singleflight.Group
	metrics  *metrics.Observer
	log      *slog.Logger
}

type Deps struct {
	Executor Executor
	Journal  journal.Store
	Consumer queue.Consumer
	Producer queue.Producer

	// Archive and Metrics are optional.
	Archive Archiver
	Metrics *metrics.Observer
	Log     *slog.Logger
}

func New(cfg Config, deps Deps) (*Worker, error) {
	if deps.Executor == nil || deps.Journal == nil || deps.Consumer == nil || deps.Producer == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if cfg.ResultTopic == "" || cfg.FailureTopic == "" {
		return nil, fmt.Errorf("%w: result/failure topics are required", ErrInvalidConfig)
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.RatePerSecond < 0 || math.IsNaN(cfg.RatePerSecond) {
		return nil, fmt.Errorf("%w: rate must be >= 0", ErrInvalidConfig)
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 5 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	log := deps.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Worker{
		cfg:      cfg,
		exec:     deps.Executor,
		journal:  deps.Journal,
		archive:  deps.Archive,
		consumer: deps.Consumer,
		producer: deps.Producer,
		limiter:  rate.NewLimiter(limit, cfg.Burst),
		metrics:  deps.Metrics,
		log:      log,
	}, nil
}

// Run consumes until ctx is done or the consumer closes, then waits for
// in-flight executions. It returns the first handling error, if any.
func (w *Worker) Run(ctx context.Context) error {
	sem := make(chan struct{}, w.cfg.MaxInFlight)
	var wg sync.WaitGroup

	msgCh := w.consumer.Messages()
	errCh := w.consumer.Errors()

	var (
		firstErr   error
		firstErrMu sync.Mutex
	)
	setFirstErr := func(err error) {
		if err == nil {
			return
		}
		firstErrMu.Lock()
		defer firstErrMu.Unlock()
		if firstErr == nil {
			firstErr = err
		}
	}
	result := func() error {
		wg.Wait()
		firstErrMu.Lock()
		defer firstErrMu.Unlock()
		return firstErr
	}

	for {
		select {
		case <-ctx.Done():
			return result()
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				w.log.Error("queue consume error", "err", err)
			}
		case msg, ok := <-msgCh:
			if !ok {
				return result()
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return result()
			}
			wg.Add(1)
			go func(qmsg queue.Message) {
				defer wg.Done()
				defer func() { <-sem }()

				if w.metrics != nil {
					w.metrics.InFlight.Inc()
					defer w.metrics.InFlight.Dec()
				}
				if err := w.handleMessage(ctx, qmsg); err != nil {
					setFirstErr(err)
					w.log.Error("handle message", "err", err)
				}
			}(msg)
		}
	}
}

func (w *Worker) handleMessage(ctx context.Context, msg queue.Message) error {
	reqMsg, req, err := DecodeRequest(msg.Value)
	if err != nil {
		w.log.Warn("dropping invalid request", "topic", msg.Topic, "err", err)
		if perr := w.publishFailure(ctx, msg.Key, FailureMessage{ErrorCode: "invalid_payload", Message: err.Error()}); perr != nil {
			return perr
		}
		w.count("invalid_payload")
		w.ack(msg)
		return nil
	}
	fp := req.Fingerprint(reqMsg.ID)
	log := w.log.With("id", reqMsg.ID, "fingerprint", fp.Hex())

	c, err := w.claim(ctx, fp, req)
	switch {
	case ctx.Err() != nil:
		return nil
	case err != nil:
		return err
	case c.submitErr != nil:
		return w.submitFailed(ctx, msg, reqMsg.ID, fp, c.submitErr)
	case c.entry.State.Terminal():
		log.Info("request already finished; republishing", "tx_hash", c.entry.Hash.Hex(), "state", c.entry.State.String())
		if err := w.publishEntry(ctx, reqMsg.ID, c.entry); err != nil {
			return err
		}
		w.count("duplicate")
		w.ack(msg)
		return nil
	case !c.submitted:
		// Submitted before a restart or by a concurrent duplicate; keep watching the same hash.
		log.Info("resuming wait", "tx_hash", c.entry.Hash.Hex())
	}
	hash := c.entry.Hash

	out, werr := w.exec.Await(ctx, hash)
	if ctx.Err() != nil {
		// Shutting down: leave the message unacked; the journal entry stays PENDING.
		return nil
	}
	out.Hash, out.From = hash, w.exec.Address()

	term, ok := journal.TerminalOf(out, werr)
	if !ok {
		log.Error("wait failed", "tx_hash", hash.Hex(), "err", werr)
		if err := w.publishFailure(ctx, msg.Key, FailureMessage{
			ID: reqMsg.ID, Fingerprint: fp.Hex(), TxHash: hash.Hex(),
			ErrorCode: txmanager.Kind(werr), Retryable: true, Message: errString(werr),
		}); err != nil {
			return err
		}
		w.count("internal")
		w.ack(msg)
		return nil
	}
	if _, err := w.journal.Finish(ctx, hash, term); err != nil {
		log.Error("journal finish", "tx_hash", hash.Hex(), "err", err)
	}
	if term.State == txmanager.StateConfirmed && w.archive != nil {
		if _, err := w.archive.Put(ctx, archive.Record{Hash: hash, From: out.From, Attempts: term.Attempts, Receipt: out.Receipt}); err != nil {
			log.Error("archive receipt", "tx_hash", hash.Hex(), "err", err)
		}
	}

	entry := journal.Entry{Fingerprint: fp, Hash: hash, From: out.From, Terminal: term}
	if err := w.publishEntry(ctx, reqMsg.ID, entry); err != nil {
		return err
	}
	w.count(term.State.String())
	w.ack(msg)
	return nil
}

type claimResult struct {
	entry     journal.Entry
	submitted bool
	submitErr error
}

// claim binds fp to a transaction hash. Lookup, submission and journaling run
// once per fingerprint at a time; concurrent callers share the first caller's
// result, so a duplicate message never broadcasts a second transaction.
func (w *Worker) claim(ctx context.Context, fp common.Hash, req txmanager.Request) (claimResult, error) {
	v, err, _ := w.claims.Do(fp.Hex(), func() (any, error) {
		entry, err := w.journal.LookupFingerprint(ctx, fp)
		if err == nil {
			return claimResult{entry: entry}, nil
		}
		if !errors.Is(err, journal.ErrNotFound) {
			return nil, fmt.Errorf("worker: journal lookup: %w", err)
		}

		if err := w.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		from := w.exec.Address()
		hash, err := w.exec.Submit(ctx, req)
		if err != nil {
			return claimResult{submitErr: err}, nil
		}
		err = w.journal.Submitted(ctx, fp, hash, from)
		switch {
		case errors.Is(err, journal.ErrConflict):
			// Another process bound this fingerprint first; two transactions are now live.
			w.log.Error("duplicate submission", "fingerprint", fp.Hex(), "tx_hash", hash.Hex(), "err", err)
			w.count("journal_conflict")
			return nil, fmt.Errorf("worker: journal submitted %s: %w", hash.Hex(), err)
		case err != nil:
			w.log.Error("journal submitted", "fingerprint", fp.Hex(), "tx_hash", hash.Hex(), "err", err)
		}
		return claimResult{
			entry:     journal.Entry{Fingerprint: fp, Hash: hash, From: from},
			submitted: true,
		}, nil
	})
	if err != nil {
		return claimResult{}, err
	}
	return v.(claimResult), nil
}

// submitFailed publishes a failure for a request that never got a hash.
func (w *Worker) submitFailed(ctx context.Context, msg queue.Message, id string, fp common.Hash, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	kind := txmanager.Kind(err)
	w.log.Warn("submit failed", "id", id, "kind", kind, "err", err)
	if perr := w.publishFailure(ctx, fp.Bytes(), FailureMessage{
		ID:          id,
		Fingerprint: fp.Hex(),
		ErrorCode:   kind,
		// A rejection is final; a transport failure may not have reached the node.
		Retryable: !errors.Is(err, txmanager.ErrSubmissionRejected) && !errors.Is(err, txmanager.ErrInvalidRequest),
		Message:   err.Error(),
	}); perr != nil {
		return perr
	}
	w.count(kind)
	w.ack(msg)
	return nil
}

func (w *Worker) publishEntry(ctx context.Context, id string, e journal.Entry) error {
	if e.State == txmanager.StateConfirmed {
		payload, err := EncodeResult(ResultMessage{
			ID:            id,
			Fingerprint:   e.Fingerprint.Hex(),
			TxHash:        e.Hash.Hex(),
			From:          e.From.Hex(),
			State:         e.State.String(),
			Attempts:      e.Attempts,
			BlockNumber:   e.BlockNumber,
			ReceiptStatus: e.ReceiptStatus,
			GasUsed:       e.GasUsed,
		})
		if err != nil {
			return err
		}
		return w.producer.Publish(ctx, w.cfg.ResultTopic, e.Fingerprint.Bytes(), payload)
	}
	return w.publishFailure(ctx, e.Fingerprint.Bytes(), FailureMessage{
		ID:          id,
		Fingerprint: e.Fingerprint.Hex(),
		TxHash:      e.Hash.Hex(),
		State:       e.State.String(),
		Attempts:    e.Attempts,
		ErrorCode:   e.ErrorKind,
		Retryable:   false,
		Message:     e.Error,
	})
}

func (w *Worker) publishFailure(ctx context.Context, key []byte, m FailureMessage) error {
	payload, err := EncodeFailure(m)
	if err != nil {
		return err
	}
	return w.producer.Publish(ctx, w.cfg.FailureTopic, key, payload)
}

func (w *Worker) count(outcome string) {
	if w.metrics != nil {
		w.metrics.Messages.WithLabelValues(outcome).Inc()
	}
}

func (w *Worker) ack(msg queue.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.AckTimeout)
	defer cancel()
	if err := msg.Ack(ctx); err != nil && !errors.Is(err, context.Canceled) {
		w.log.Error("ack message", "err", err)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
