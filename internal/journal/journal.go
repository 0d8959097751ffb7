package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/juno-intents/txmanager/internal/txmanager"
)

var (
	ErrInvalidInput = errors.New("journal: invalid input")
	ErrNotFound     = errors.New("journal: not found")
	// ErrConflict means a fingerprint is already bound to a different transaction hash.
	ErrConflict = errors.New("journal: conflict")
)

// Entry is the at-rest record of one submitted transaction.
type Entry struct {
	Fingerprint common.Hash
	Hash        common.Hash
	From        common.Address

	// Terminal.State is StatePending until Finish records an outcome.
	Terminal

	SubmittedAt time.Time
	FinishedAt  time.Time
}

// Terminal is the outcome recorded when a watcher reaches a terminal state.
type Terminal struct {
	State    txmanager.State
	Attempts int

	BlockNumber   uint64
	ReceiptStatus uint64
	GasUsed       uint64

	ErrorKind string
	Error     string
}

// TerminalOf builds the Terminal for a Manager result. It returns false when
// the result is not terminal (cancellation, internal errors).
func TerminalOf(out txmanager.Outcome, err error) (Terminal, bool) {
	state := txmanager.StateOf(err)
	if !state.Terminal() {
		return Terminal{}, false
	}
	t := Terminal{State: state, Attempts: out.Attempts}
	if err != nil {
		t.ErrorKind = txmanager.Kind(err)
		t.Error = err.Error()
		var (
			te *txmanager.TimeoutError
			pe *txmanager.PollError
		)
		switch {
		case errors.As(err, &te):
			t.Attempts = te.Attempts
		case errors.As(err, &pe):
			t.Attempts = pe.Attempt
		}
	}
	if r := out.Receipt; r != nil {
		t.ReceiptStatus = r.Status
		t.GasUsed = r.GasUsed
		if r.BlockNumber != nil {
			t.BlockNumber = r.BlockNumber.Uint64()
		}
	}
	return t, true
}

// Store journals submissions and their terminal outcomes.
//
// Semantics:
// - Submitted is idempotent for the same (fingerprint, hash) pair and returns
//   ErrConflict if the fingerprint is bound to another hash.
// - Finish is first-writer-wins: it returns true only for the call that moved
//   the entry out of PENDING.
// - Get and LookupFingerprint return ErrNotFound for unknown keys.
type Store interface {
	Submitted(ctx context.Context, fingerprint, hash common.Hash, from common.Address) error
	Finish(ctx context.Context, hash common.Hash, t Terminal) (bool, error)
	Get(ctx context.Context, hash common.Hash) (Entry, error)
	LookupFingerprint(ctx context.Context, fingerprint common.Hash) (Entry, error)
}

func ValidateSubmitted(fingerprint, hash common.Hash, from common.Address) error {
	if fingerprint == (common.Hash{}) || hash == (common.Hash{}) || from == (common.Address{}) {
		return fmt.Errorf("%w: fingerprint, hash and from must be non-zero", ErrInvalidInput)
	}
	return nil
}

func ValidateFinish(hash common.Hash, t Terminal) error {
	if hash == (common.Hash{}) {
		return fmt.Errorf("%w: missing hash", ErrInvalidInput)
	}
	if !t.State.Terminal() {
		return fmt.Errorf("%w: state %s is not terminal", ErrInvalidInput, t.State)
	}
	return nil
}
