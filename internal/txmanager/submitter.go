package txmanager

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// Submitter broadcasts a request and reports the node's immediate answer.
//
// Submit returns a non-nil error only when the exchange with the node could not be
// completed; a node that answered with an error payload yields a SubmissionResult
// with Err set.
type Submitter interface {
	Submit(ctx context.Context, req Request) (SubmissionResult, error)
	Address() common.Address
}

type RawSubmitterConfig struct {
	ChainID *big.Int

	// GasLimitMultiplier scales estimated gas. Values <= 1 use the estimate as is.
	GasLimitMultiplier float64
	// MinTipCap floors the suggested priority fee for dynamic-fee transactions.
	MinTipCap *big.Int
}

// RawSubmitter authorizes transactions through an Authorizer and broadcasts them
// with eth_sendRawTransaction.
type RawSubmitter struct {
	backend Transport
	auth    Authorizer
	nonces  *NonceManager
	cfg     RawSubmitterConfig
}

func NewRawSubmitter(backend Transport, auth Authorizer, cfg RawSubmitterConfig) (*RawSubmitter, error) {
	if backend == nil || auth == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if (auth.Address() == common.Address{}) {
		return nil, fmt.Errorf("%w: authorizer has zero address", ErrInvalidConfig)
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("%w: chain id must be > 0", ErrInvalidConfig)
	}
	if cfg.MinTipCap == nil {
		cfg.MinTipCap = new(big.Int)
	}
	if cfg.MinTipCap.Sign() < 0 {
		return nil, fmt.Errorf("%w: min tip cap must be >= 0", ErrInvalidConfig)
	}
	return &RawSubmitter{
		backend: backend,
		auth:    auth,
		nonces:  NewNonceManager(backend, auth.Address()),
		cfg:     cfg,
	}, nil
}

func (s *RawSubmitter) Address() common.Address { return s.auth.Address() }

func (s *RawSubmitter) Submit(ctx context.Context, req Request) (SubmissionResult, error) {
	if err := req.Validate(); err != nil {
		return SubmissionResult{}, err
	}
	from := s.auth.Address()
	value := req.value()

	gasLimit := req.GasLimit
	if gasLimit == 0 {
		to := req.To
		est, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{
			From:     from,
			To:       &to,
			GasPrice: req.GasPrice,
			Value:    value,
			Data:     req.Data,
		})
		if err != nil {
			// A revert during estimation is the node refusing the request.
			ne, terr := classifySend("estimate gas", err)
			if terr != nil {
				return SubmissionResult{}, terr
			}
			return SubmissionResult{Err: ne}, nil
		}
		gasLimit = applyGasMultiplier(est, s.cfg.GasLimitMultiplier)
	}

	nonce, err := s.nonces.Next(ctx)
	if err != nil {
		return SubmissionResult{}, transportErr("pending nonce", err)
	}

	unsigned, err := s.build(ctx, req, nonce, gasLimit, value)
	if err != nil {
		s.nonces.Release(nonce)
		return SubmissionResult{}, err
	}

	signed, err := s.auth.Authorize(ctx, unsigned, s.cfg.ChainID)
	if err != nil {
		s.nonces.Release(nonce)
		return SubmissionResult{}, fmt.Errorf("txmanager: authorize: %w", err)
	}

	ne, err := classifySend("send transaction", s.backend.SendTransaction(ctx, signed))
	if err != nil {
		// The node may or may not have seen the transaction. Its pending nonce still
		// sitting at ours means it did not, so the nonce can be reused.
		if n, serr := s.nonces.Sync(ctx); serr == nil && n == nonce {
			s.nonces.Release(nonce)
		}
		return SubmissionResult{}, err
	}
	if ne != nil {
		s.nonces.Release(nonce)
		// Resync so a nonce conflict is not replayed on the next submission.
		_, _ = s.nonces.Sync(ctx)
		return SubmissionResult{Nonce: nonce, Err: ne}, nil
	}
	return SubmissionResult{Hash: signed.Hash(), Nonce: nonce}, nil
}

func (s *RawSubmitter) build(ctx context.Context, req Request, nonce, gas uint64, value *big.Int) (*types.Transaction, error) {
	to := req.To
	if req.GasPrice != nil {
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: new(big.Int).Set(req.GasPrice),
			Gas:      gas,
			To:       &to,
			Value:    new(big.Int).Set(value),
			Data:     append([]byte(nil), req.Data...),
		}), nil
	}

	header, err := s.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, transportErr("latest header", err)
	}
	if header == nil || header.BaseFee == nil {
		// Pre-London chain: fall back to a legacy transaction at the suggested price.
		price, err := s.backend.SuggestGasPrice(ctx)
		if err != nil {
			return nil, transportErr("suggest gas price", err)
		}
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: price,
			Gas:      gas,
			To:       &to,
			Value:    new(big.Int).Set(value),
			Data:     append([]byte(nil), req.Data...),
		}), nil
	}

	suggestedTip, err := s.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, transportErr("suggest gas tip cap", err)
	}
	tipCap, feeCap, err := Calc1559Fees(header.BaseFee, suggestedTip, s.cfg.MinTipCap)
	if err != nil {
		return nil, err
	}
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   s.cfg.ChainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     new(big.Int).Set(value),
		Data:      append([]byte(nil), req.Data...),
	}), nil
}

// NodeSubmitter relies on an account unlocked on the node itself and broadcasts
// with eth_sendTransaction. The node assigns the nonce and signs.
type NodeSubmitter struct {
	caller RPCCaller
	from   common.Address
}

func NewNodeSubmitter(caller RPCCaller, from common.Address) (*NodeSubmitter, error) {
	if caller == nil {
		return nil, fmt.Errorf("%w: nil rpc caller", ErrInvalidConfig)
	}
	if (from == common.Address{}) {
		return nil, fmt.Errorf("%w: zero from address", ErrInvalidConfig)
	}
	return &NodeSubmitter{caller: caller, from: from}, nil
}

func (s *NodeSubmitter) Address() common.Address { return s.from }

type sendTxArgs struct {
	From     common.Address  `json:"from"`
	To       common.Address  `json:"to"`
	Gas      *hexutil.Uint64 `json:"gas,omitempty"`
	GasPrice *hexutil.Big    `json:"gasPrice,omitempty"`
	Value    *hexutil.Big    `json:"value"`
	Data     hexutil.Bytes   `json:"data"`
}

func (s *NodeSubmitter) Submit(ctx context.Context, req Request) (SubmissionResult, error) {
	if err := req.Validate(); err != nil {
		return SubmissionResult{}, err
	}
	args := sendTxArgs{
		From:  s.from,
		To:    req.To,
		Value: (*hexutil.Big)(req.value()),
		Data:  req.Data,
	}
	if req.GasLimit > 0 {
		g := hexutil.Uint64(req.GasLimit)
		args.Gas = &g
	}
	if req.GasPrice != nil {
		args.GasPrice = (*hexutil.Big)(req.GasPrice)
	}

	var hash common.Hash
	ne, err := classifySend("eth_sendTransaction", s.caller.CallContext(ctx, &hash, "eth_sendTransaction", args))
	if err != nil {
		return SubmissionResult{}, err
	}
	if ne != nil {
		return SubmissionResult{Err: ne}, nil
	}
	return SubmissionResult{Hash: hash}, nil
}
