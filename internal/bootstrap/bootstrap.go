// Package bootstrap turns a worker config into a dialed chain client and a
// ready txmanager.Manager. It is shared by the binaries under cmd/.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/juno-intents/txmanager/internal/config"
	"github.com/juno-intents/txmanager/internal/secrets"
	"github.com/juno-intents/txmanager/internal/txmanager"
	"github.com/juno-intents/txmanager/internal/txmanager/httpapi"
)

var ErrChainMismatch = errors.New("bootstrap: chain id mismatch")

// Chain bundles the raw RPC client with the typed client built on it.
type Chain struct {
	RPC     *rpc.Client
	Eth     *ethclient.Client
	ChainID *big.Int
}

// DialChain connects to url and verifies the node reports chainID.
func DialChain(ctx context.Context, url string, chainID uint64) (*Chain, error) {
	rc, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: dial rpc: %w", err)
	}
	ec := ethclient.NewClient(rc)

	want := new(big.Int).SetUint64(chainID)
	got, err := ec.ChainID(ctx)
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("bootstrap: fetch chain id: %w", err)
	}
	if got.Cmp(want) != 0 {
		rc.Close()
		return nil, fmt.Errorf("%w: want %s got %s", ErrChainMismatch, want, got)
	}
	return &Chain{RPC: rc, Eth: ec, ChainID: want}, nil
}

func (c *Chain) Close() {
	if c != nil && c.RPC != nil {
		c.RPC.Close()
	}
}

// NewManager builds the submitter and watcher selected by cfg.
func NewManager(ctx context.Context, chain *Chain, cfg config.Worker, sp secrets.Provider, obs txmanager.Observer, log *slog.Logger) (*txmanager.Manager, error) {
	sub, err := newSubmitter(ctx, chain, cfg, sp)
	if err != nil {
		return nil, err
	}

	mcfg := txmanager.Config{
		Submitter: sub,
		Receipts:  chain.Eth,
		Polling:   cfg.PollingConfig(),
		Observer:  obs,
		Log:       log,
	}
	if cfg.Watcher == config.WatcherSubscription {
		w, err := txmanager.NewSubscriptionWatcher(chain.Eth, chain.Eth, cfg.PollingConfig(), obs)
		if err != nil {
			return nil, err
		}
		mcfg.Watcher = w
	}
	return txmanager.New(mcfg)
}

func newSubmitter(ctx context.Context, chain *Chain, cfg config.Worker, sp secrets.Provider) (txmanager.Submitter, error) {
	var auth txmanager.Authorizer
	switch cfg.Signer.Mode {
	case config.SignerNode:
		from, err := parseAddress(cfg.Signer.Address)
		if err != nil {
			return nil, err
		}
		return txmanager.NewNodeSubmitter(chain.RPC, from)
	case config.SignerLocal:
		raw, err := sp.Get(ctx, cfg.Signer.KeyRef)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: signer key: %w", err)
		}
		key, err := txmanager.ParsePrivateKeyHex(raw)
		if err != nil {
			return nil, err
		}
		auth = txmanager.NewLocalSigner(key)
	case config.SignerRemote:
		from, err := parseAddress(cfg.Signer.Address)
		if err != nil {
			return nil, err
		}
		var token string
		if cfg.Signer.TokenRef != "" {
			if token, err = sp.Get(ctx, cfg.Signer.TokenRef); err != nil {
				return nil, fmt.Errorf("bootstrap: signer token: %w", err)
			}
		}
		client, err := httpapi.NewClient(cfg.Signer.URL, token)
		if err != nil {
			return nil, err
		}
		if auth, err = httpapi.NewRemoteSigner(client, from); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unknown signer mode %q", config.ErrInvalidConfig, cfg.Signer.Mode)
	}

	return txmanager.NewRawSubmitter(chain.Eth, auth, txmanager.RawSubmitterConfig{
		ChainID:            chain.ChainID,
		GasLimitMultiplier: cfg.Gas.LimitMultiplier,
		MinTipCap:          new(big.Int).SetUint64(cfg.Gas.MinTipWei),
	})
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: invalid signer address %q", config.ErrInvalidConfig, s)
	}
	return common.HexToAddress(s), nil
}
