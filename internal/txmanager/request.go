package txmanager

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/crypto/sha3"
)

const fingerprintPrefixV1 = "txmanager.request.v1"

// Request is an operation to submit. It is treated as immutable once built.
type Request struct {
	To    common.Address
	Data  []byte
	Value *big.Int

	// GasPrice selects a legacy transaction; nil => EIP-1559 fees from the latest header.
	GasPrice *big.Int
	// GasLimit is optional; 0 => estimate.
	GasLimit uint64
}

func (r Request) Validate() error {
	if r.Value != nil && r.Value.Sign() < 0 {
		return fmt.Errorf("%w: negative value", ErrInvalidRequest)
	}
	if r.GasPrice != nil && r.GasPrice.Sign() < 0 {
		return fmt.Errorf("%w: negative gas price", ErrInvalidRequest)
	}
	return nil
}

func (r Request) value() *big.Int {
	if r.Value == nil {
		return new(big.Int)
	}
	return r.Value
}

// Fingerprint computes the request idempotency key.
//
//	keccak256("txmanager.request.v1" || len(key)BE4 || key || to || gasLimitBE8 ||
//	          value32 || gasPriceFlag || gasPrice32 || len(data)BE4 || data)
//
// key is a caller-chosen idempotency key; two identical requests with different
// keys are distinct operations.
func (r Request) Fingerprint(key string) common.Hash {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(fingerprintPrefixV1))

	var n4 [4]byte
	binary.BigEndian.PutUint32(n4[:], uint32(len(key)))
	_, _ = h.Write(n4[:])
	_, _ = h.Write([]byte(key))

	_, _ = h.Write(r.To.Bytes())

	var n8 [8]byte
	binary.BigEndian.PutUint64(n8[:], r.GasLimit)
	_, _ = h.Write(n8[:])

	_, _ = h.Write(common.LeftPadBytes(r.value().Bytes(), 32))
	if r.GasPrice == nil {
		_, _ = h.Write([]byte{0})
		_, _ = h.Write(make([]byte, 32))
	} else {
		_, _ = h.Write([]byte{1})
		_, _ = h.Write(common.LeftPadBytes(r.GasPrice.Bytes(), 32))
	}

	binary.BigEndian.PutUint32(n4[:], uint32(len(r.Data)))
	_, _ = h.Write(n4[:])
	_, _ = h.Write(r.Data)

	var out common.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// SubmissionResult is the node's response to a broadcast: either a pending
// transaction hash or the node's error payload.
type SubmissionResult struct {
	Hash  common.Hash
	Nonce uint64
	Err   *NodeError
}

func (r SubmissionResult) Rejected() bool { return r.Err != nil }

// Outcome is the observed receipt for a submitted transaction.
type Outcome struct {
	Hash     common.Hash
	From     common.Address
	Receipt  *types.Receipt
	Attempts int
}

func (o Outcome) Succeeded() bool {
	return o.Receipt != nil && o.Receipt.Status == types.ReceiptStatusSuccessful
}

// State is a receipt watcher state.
type State int

const (
	StatePending State = iota
	StateConfirmed
	StateTimedOut
	StateTransportFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateConfirmed:
		return "CONFIRMED"
	case StateTimedOut:
		return "TIMED_OUT"
	case StateTransportFailed:
		return "TRANSPORT_FAILED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) Terminal() bool { return s != StatePending }

// ParseState is the inverse of State.String.
func ParseState(v string) (State, error) {
	switch v {
	case "PENDING":
		return StatePending, nil
	case "CONFIRMED":
		return StateConfirmed, nil
	case "TIMED_OUT":
		return StateTimedOut, nil
	case "TRANSPORT_FAILED":
		return StateTransportFailed, nil
	default:
		return StatePending, fmt.Errorf("txmanager: unknown state %q", v)
	}
}

// StateOf maps a Wait/Execute result onto the watcher's terminal state.
// Cancellation and errors outside the watcher taxonomy stay StatePending.
func StateOf(err error) State {
	switch Kind(err) {
	case "":
		return StateConfirmed
	case "confirmation_timeout":
		return StateTimedOut
	case "poll_transport_failed":
		return StateTransportFailed
	default:
		return StatePending
	}
}
