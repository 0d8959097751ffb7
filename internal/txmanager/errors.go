package txmanager

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidConfig  = errors.New("txmanager: invalid config")
	ErrInvalidRequest = errors.New("txmanager: invalid request")

	// ErrTransport marks failures to complete an RPC during submission.
	ErrTransport = errors.New("txmanager: transport error")
	// ErrSubmissionRejected marks a node that refused the transaction synchronously.
	ErrSubmissionRejected = errors.New("txmanager: submission rejected")
	// ErrConfirmationTimeout marks an exhausted attempt budget with no receipt observed.
	ErrConfirmationTimeout = errors.New("txmanager: confirmation timeout")
	// ErrPollTransport marks a receipt query that failed at the transport level.
	ErrPollTransport = errors.New("txmanager: transport failed during poll")
)

// NodeError is the JSON-RPC error payload returned by a node in response to a submission.
type NodeError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *NodeError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Code != 0 {
		return fmt.Sprintf("node error %d: %s", e.Code, e.Message)
	}
	return "node error: " + e.Message
}

type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("txmanager: transport error: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

type RejectedError struct {
	From  common.Address
	Node  *NodeError
	Nonce uint64
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("txmanager: submission rejected: %v", e.Node)
}

func (e *RejectedError) Is(target error) bool { return target == ErrSubmissionRejected }

// TimeoutError carries the hash so callers can keep polling on their own.
type TimeoutError struct {
	Hash     common.Hash
	Attempts int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("txmanager: confirmation timeout: tx %s not observed after %d attempts", e.Hash.Hex(), e.Attempts)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrConfirmationTimeout }

type PollError struct {
	Hash    common.Hash
	Attempt int
	Err     error
}

func (e *PollError) Error() string {
	return fmt.Sprintf("txmanager: transport failed during poll: tx %s attempt %d: %v", e.Hash.Hex(), e.Attempt, e.Err)
}

func (e *PollError) Unwrap() error { return e.Err }

func (e *PollError) Is(target error) bool { return target == ErrPollTransport }

// Kind returns a short stable label for the error taxonomy, used in
// queue failure messages, metrics and HTTP responses.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSubmissionRejected):
		return "submission_rejected"
	case errors.Is(err, ErrConfirmationTimeout):
		return "confirmation_timeout"
	case errors.Is(err, ErrPollTransport):
		return "poll_transport_failed"
	case errors.Is(err, ErrTransport):
		return "transport_error"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "internal"
	}
}
