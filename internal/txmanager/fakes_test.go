package txmanager

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const testKeyHex = "4f3edf983ac636a65a842ce7c78d9aa706d3b113b37c2b1b4c1c5f5d8f5e2d3a"

type rpcErr struct {
	code int
	msg  string
}

func (e rpcErr) Error() string  { return e.msg }
func (e rpcErr) ErrorCode() int { return e.code }

type fakeSleeper struct {
	mu    sync.Mutex
	calls []time.Duration
}

func (s *fakeSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.calls = append(s.calls, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *fakeSleeper) Calls() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.calls...)
}

// fakeBackend answers receipt queries from a script: each entry is consumed by one
// TransactionReceipt call; once exhausted it keeps returning ethereum.NotFound.
type fakeBackend struct {
	mu sync.Mutex

	chainID      *big.Int
	pendingNonce uint64
	nonceCalls   int
	suggestTip   *big.Int
	suggestPrice *big.Int
	baseFee      *big.Int
	gasEst       uint64
	estimateErr  error
	sendErr      error

	sent     []*types.Transaction
	estimate []ethereum.CallMsg

	script        []receiptStep
	receiptCalls  int
	receiptHashes []common.Hash
}

type receiptStep struct {
	receipt *types.Receipt
	err     error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		chainID:      big.NewInt(8453),
		suggestTip:   big.NewInt(2),
		suggestPrice: big.NewInt(7),
		baseFee:      big.NewInt(100),
		gasEst:       50_000,
	}
}

func (b *fakeBackend) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(b.chainID), nil
}

func (b *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nonceCalls++
	return b.pendingNonce, nil
}

func (b *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return new(big.Int).Set(b.suggestPrice), nil
}

func (b *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return new(big.Int).Set(b.suggestTip), nil
}

func (b *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.baseFee == nil {
		return &types.Header{}, nil
	}
	return &types.Header{BaseFee: new(big.Int).Set(b.baseFee)}, nil
}

func (b *fakeBackend) EstimateGas(_ context.Context, msg ethereum.CallMsg) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.estimate = append(b.estimate, msg)
	if b.estimateErr != nil {
		return 0, b.estimateErr
	}
	return b.gasEst, nil
}

func (b *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, tx)
	return b.sendErr
}

func (b *fakeBackend) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receiptCalls++
	b.receiptHashes = append(b.receiptHashes, h)
	if len(b.script) == 0 {
		return nil, ethereum.NotFound
	}
	step := b.script[0]
	b.script = b.script[1:]
	return step.receipt, step.err
}

func (b *fakeBackend) ReceiptCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.receiptCalls
}

func absent() receiptStep { return receiptStep{err: ethereum.NotFound} }

func mined(h common.Hash) receiptStep {
	return receiptStep{receipt: &types.Receipt{
		TxHash:      h,
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(12),
		GasUsed:     21_000,
	}}
}

func broken(msg string) receiptStep { return receiptStep{err: errors.New(msg)} }

func mustLocalSigner() *LocalSigner {
	key, err := crypto.HexToECDSA(testKeyHex)
	if err != nil {
		panic(err)
	}
	return NewLocalSigner(key)
}

type recordingObserver struct {
	mu        sync.Mutex
	submitted []SubmissionResult
	attempts  []int
	finished  []State
}

func (o *recordingObserver) Submitted(_ common.Address, res SubmissionResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.submitted = append(o.submitted, res)
}

func (o *recordingObserver) Attempted(_ common.Hash, attempt int, _ bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attempts = append(o.attempts, attempt)
}

func (o *recordingObserver) Finished(_ common.Hash, state State, _ int, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, state)
}
