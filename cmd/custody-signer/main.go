package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juno-intents/txmanager/internal/bootstrap"
	"github.com/juno-intents/txmanager/internal/config"
	"github.com/juno-intents/txmanager/internal/metrics"
	"github.com/juno-intents/txmanager/internal/secrets"
	"github.com/juno-intents/txmanager/internal/txmanager"
	"github.com/juno-intents/txmanager/internal/txmanager/httpapi"
)

type options struct {
	ListenAddr    string
	ChainID       uint64
	RPCURL        string
	SecretsDriver string
	KeyRef        string
	AuthRef       string
	Polling       txmanager.PollingConfig
	GasMult       float64
	MinTipWei     uint64
}

func main() {
	opts, err := parseOptions(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, log); err != nil {
		log.Error("custody signer stopped", "err", err)
		os.Exit(1)
	}
}

func parseOptions(args []string) (options, error) {
	fs := flag.NewFlagSet("custody-signer", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var opts options
	fs.StringVar(&opts.ListenAddr, "listen", "127.0.0.1:8080", "HTTP listen address")
	fs.Uint64Var(&opts.ChainID, "chain-id", 0, "EVM chain id (required)")
	fs.StringVar(&opts.RPCURL, "rpc-url", "", "JSON-RPC URL; enables POST /v1/execute when set")
	fs.StringVar(&opts.SecretsDriver, "secrets-driver", secrets.DriverEnv, "secrets driver: env|aws")
	fs.StringVar(&opts.KeyRef, "key-ref", "CUSTODY_SIGNER_KEY", "secret holding the hex private key")
	fs.StringVar(&opts.AuthRef, "auth-ref", "CUSTODY_SIGNER_AUTH_TOKEN", "secret holding the bearer auth token")
	fs.IntVar(&opts.Polling.Attempts, "poll-attempts", txmanager.DefaultPollingAttempts, "receipt poll attempts")
	fs.DurationVar(&opts.Polling.Interval, "poll-interval", txmanager.DefaultPollingInterval, "receipt poll interval")
	fs.Float64Var(&opts.GasMult, "gas-mult", 1.2, "gas limit multiplier when estimating")
	fs.Uint64Var(&opts.MinTipWei, "min-tip-wei", 0, "minimum priority fee (wei)")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if opts.ChainID == 0 {
		return options{}, errors.New("--chain-id is required")
	}
	if opts.KeyRef == "" || opts.AuthRef == "" {
		return options{}, errors.New("--key-ref and --auth-ref are required")
	}
	if opts.Polling.Attempts <= 0 || opts.Polling.Interval < 0 {
		return options{}, errors.New("--poll-attempts must be > 0 and --poll-interval >= 0")
	}
	return opts, nil
}

func run(ctx context.Context, opts options, log *slog.Logger) error {
	startupCtx, cancelStartup := context.WithTimeout(ctx, 10*time.Second)
	defer cancelStartup()

	sp, err := secrets.New(startupCtx, opts.SecretsDriver)
	if err != nil {
		return err
	}
	authToken, err := sp.Get(startupCtx, opts.AuthRef)
	if err != nil {
		return fmt.Errorf("auth token: %w", err)
	}
	rawKey, err := sp.Get(startupCtx, opts.KeyRef)
	if err != nil {
		return fmt.Errorf("signer key: %w", err)
	}
	key, err := txmanager.ParsePrivateKeyHex(rawKey)
	if err != nil {
		return err
	}
	signer := txmanager.NewLocalSigner(key)

	reg := metrics.NewRegistry()
	obs := metrics.New(reg)

	hcfg := httpapi.Config{
		Signer:         signer,
		ChainID:        new(big.Int).SetUint64(opts.ChainID),
		AuthToken:      authToken,
		MaxBodyBytes:   1 << 20,
		MaxWaitSeconds: 300,
		Log:            log,
	}
	if opts.RPCURL != "" {
		chain, err := bootstrap.DialChain(startupCtx, opts.RPCURL, opts.ChainID)
		if err != nil {
			return err
		}
		defer chain.Close()

		wcfg := config.Default()
		wcfg.RPCURL = opts.RPCURL
		wcfg.ChainID = opts.ChainID
		wcfg.Polling = config.Polling{Attempts: opts.Polling.Attempts, Interval: opts.Polling.Interval}
		wcfg.Gas = config.Gas{LimitMultiplier: opts.GasMult, MinTipWei: opts.MinTipWei}
		wcfg.Signer = config.Signer{Mode: config.SignerLocal, KeyRef: opts.KeyRef}

		mgr, err := bootstrap.NewManager(startupCtx, chain, wcfg, sp, obs, log)
		if err != nil {
			return err
		}
		mgr.Describe()
		hcfg.Executor = mgr
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler(reg))
	mux.Handle("/", httpapi.NewHandler(hcfg))

	srv := &http.Server{
		Addr:              opts.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Minute,
		IdleTimeout:       2 * time.Minute,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", srv.Addr, "from", signer.Address().Hex(), "execute", hcfg.Executor != nil)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown", "signal", ctx.Err())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
