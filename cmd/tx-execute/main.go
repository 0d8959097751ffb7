package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/juno-intents/txmanager/internal/bootstrap"
	"github.com/juno-intents/txmanager/internal/config"
	"github.com/juno-intents/txmanager/internal/secrets"
	"github.com/juno-intents/txmanager/internal/txmanager"
	"github.com/juno-intents/txmanager/internal/txmanager/httpapi"
)

var errUsage = errors.New("usage")

func main() {
	if err := runMain(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode lets scripts branch on the failure kind without parsing output.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errUsage), errors.Is(err, config.ErrInvalidConfig):
		return 2
	case errors.Is(err, txmanager.ErrSubmissionRejected):
		return 3
	case errors.Is(err, txmanager.ErrConfirmationTimeout):
		return 4
	case errors.Is(err, txmanager.ErrPollTransport):
		return 5
	case errors.Is(err, txmanager.ErrTransport):
		return 6
	default:
		return 1
	}
}

func runMain(args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("tx-execute", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	custodyURL := fs.String("custody-url", "", "custody signer base URL; executes remotely when set")
	authEnv := fs.String("auth-env", "CUSTODY_SIGNER_AUTH_TOKEN", "env var containing the custody bearer token")
	configPath := fs.String("config", "", "worker YAML config; used when --custody-url is empty")

	to := fs.String("to", "", "recipient address; reads a JSON request from stdin when empty")
	data := fs.String("data", "", "0x-prefixed calldata")
	valueWei := fs.String("value-wei", "", "value in wei")
	gasPriceWei := fs.String("gas-price-wei", "", "legacy gas price in wei")
	gasLimit := fs.Uint64("gas-limit", 0, "gas limit; estimated when 0")
	timeout := fs.Duration("timeout", 5*time.Minute, "overall deadline")

	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if *timeout <= 0 {
		return fmt.Errorf("%w: --timeout must be > 0", errUsage)
	}

	req := httpapi.ExecuteRequest{
		To:          strings.TrimSpace(*to),
		Data:        *data,
		ValueWei:    *valueWei,
		GasPriceWei: *gasPriceWei,
		GasLimit:    *gasLimit,
	}
	if req.To == "" {
		var err error
		if req, err = readRequest(stdin); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var (
		resp httpapi.ExecuteResponse
		err  error
	)
	if *custodyURL != "" {
		resp, err = executeRemote(ctx, *custodyURL, os.Getenv(*authEnv), req, *timeout)
	} else {
		resp, err = executeLocal(ctx, *configPath, req)
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

func readRequest(stdin io.Reader) (httpapi.ExecuteRequest, error) {
	if stdin == nil {
		return httpapi.ExecuteRequest{}, fmt.Errorf("%w: --to or a JSON request on stdin is required", errUsage)
	}
	b, err := io.ReadAll(stdin)
	if err != nil {
		return httpapi.ExecuteRequest{}, fmt.Errorf("read stdin: %w", err)
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return httpapi.ExecuteRequest{}, fmt.Errorf("%w: --to or a JSON request on stdin is required", errUsage)
	}
	var req httpapi.ExecuteRequest
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return httpapi.ExecuteRequest{}, fmt.Errorf("%w: decode request: %v", errUsage, err)
	}
	return req, nil
}

func executeRemote(ctx context.Context, baseURL, token string, req httpapi.ExecuteRequest, timeout time.Duration) (httpapi.ExecuteResponse, error) {
	client, err := httpapi.NewClient(baseURL, token)
	if err != nil {
		return httpapi.ExecuteResponse{}, fmt.Errorf("%w: %v", errUsage, err)
	}
	if req.TimeoutSeconds == 0 {
		req.TimeoutSeconds = int(timeout / time.Second)
	}
	return client.Execute(ctx, req)
}

func executeLocal(ctx context.Context, configPath string, wire httpapi.ExecuteRequest) (httpapi.ExecuteResponse, error) {
	req, code := httpapi.ParseExecuteRequest(wire)
	if code != "" {
		return httpapi.ExecuteResponse{}, fmt.Errorf("%w: %s", errUsage, code)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return httpapi.ExecuteResponse{}, err
	}
	if err := cfg.Validate(); err != nil {
		return httpapi.ExecuteResponse{}, err
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	sp, err := secrets.New(ctx, cfg.SecretsDriver)
	if err != nil {
		return httpapi.ExecuteResponse{}, err
	}
	chain, err := bootstrap.DialChain(ctx, cfg.RPCURL, cfg.ChainID)
	if err != nil {
		return httpapi.ExecuteResponse{}, err
	}
	defer chain.Close()

	mgr, err := bootstrap.NewManager(ctx, chain, cfg, sp, nil, log)
	if err != nil {
		return httpapi.ExecuteResponse{}, err
	}
	out, err := mgr.Execute(ctx, req)
	if err != nil {
		return httpapi.ExecuteResponse{}, err
	}
	return httpapi.NewExecuteResponse(out), nil
}
