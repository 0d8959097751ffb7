package txmanager

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
)

// ReceiptQuerier is the read side used by watchers.
type ReceiptQuerier interface {
	// TransactionReceipt returns ethereum.NotFound while the transaction is pending.
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Transport is the node capability consumed by RawSubmitter and the watchers.
// *ethclient.Client satisfies it and is safe for concurrent use.
type Transport interface {
	ReceiptQuerier

	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// RPCCaller issues raw JSON-RPC calls; *rpc.Client satisfies it.
type RPCCaller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

// HeadSubscriber delivers new-head notifications; *ethclient.Client satisfies it
// when dialed over websocket or IPC.
type HeadSubscriber interface {
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
}

// nodeErrorOf extracts a JSON-RPC error payload from err. Anything that is not a
// JSON-RPC error object (dial failures, HTTP status errors, timeouts) is a transport
// failure and yields nil.
func nodeErrorOf(err error) *NodeError {
	if err == nil {
		return nil
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return nil
	}
	var rpcErr rpc.Error
	if !errors.As(err, &rpcErr) {
		return nil
	}
	out := &NodeError{
		Code:    rpcErr.ErrorCode(),
		Message: rpcErr.Error(),
	}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		out.Data = dataErr.ErrorData()
	}
	return out
}

// classifySend turns a broadcast error into a submission result or a transport error.
func classifySend(op string, err error) (*NodeError, error) {
	if err == nil {
		return nil, nil
	}
	if ne := nodeErrorOf(err); ne != nil {
		return ne, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}
	return nil, &TransportError{Op: op, Err: err}
}

func transportErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}
