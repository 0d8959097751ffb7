package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/juno-intents/txmanager/internal/txmanager"
)

var (
	ErrInvalidClientConfig = errors.New("httpapi: invalid client config")
	ErrSignerMismatch      = errors.New("httpapi: remote signer returned unexpected transaction")
)

// StatusError is returned for any non-200 response. It unwraps to the
// txmanager sentinel matching its error kind so callers can keep using errors.Is.
type StatusError struct {
	StatusCode int
	Kind       string
	Message    string
	TxHash     string
}

func (e *StatusError) Error() string {
	msg := e.Kind
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.TxHash != "" {
		msg += " (tx " + e.TxHash + ")"
	}
	return fmt.Sprintf("httpapi: status %d: %s", e.StatusCode, msg)
}

func (e *StatusError) Unwrap() error {
	switch e.Kind {
	case "submission_rejected":
		return txmanager.ErrSubmissionRejected
	case "confirmation_timeout":
		return txmanager.ErrConfirmationTimeout
	case "poll_transport_failed":
		return txmanager.ErrPollTransport
	case "transport_error":
		return txmanager.ErrTransport
	case "invalid_request":
		return txmanager.ErrInvalidRequest
	}
	return nil
}

type ClientOption func(*Client) error

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) error {
		if hc == nil {
			return fmt.Errorf("%w: nil http client", ErrInvalidClientConfig)
		}
		c.hc = hc
		return nil
	}
}

func WithMaxResponseBytes(n int64) ClientOption {
	return func(c *Client) error {
		if n <= 0 {
			return fmt.Errorf("%w: max response bytes must be > 0", ErrInvalidClientConfig)
		}
		c.maxRespBytes = n
		return nil
	}
}

type Client struct {
	baseURL      *url.URL
	authToken    string
	hc           *http.Client
	maxRespBytes int64
}

func NewClient(baseURL string, authToken string, opts ...ClientOption) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("%w: missing base url", ErrInvalidClientConfig)
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse base url: %v", ErrInvalidClientConfig, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidClientConfig, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidClientConfig)
	}

	c := &Client{
		baseURL:      u,
		authToken:    authToken,
		hc:           &http.Client{Timeout: 5 * time.Minute},
		maxRespBytes: 1 << 20, // 1 MiB
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Client) Sign(ctx context.Context, req SignRequest) (SignResponse, error) {
	var out SignResponse
	if err := c.post(ctx, "/v1/sign", req, &out); err != nil {
		return SignResponse{}, err
	}
	return out, nil
}

func (c *Client) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResponse, error) {
	var out ExecuteResponse
	if err := c.post(ctx, "/v1/execute", req, &out); err != nil {
		return ExecuteResponse{}, err
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, route string, in any, out any) error {
	if c == nil || c.baseURL == nil || c.hc == nil {
		return fmt.Errorf("%w: nil client", ErrInvalidClientConfig)
	}

	u := *c.baseURL
	u.Path = joinPath(u.Path, route)

	b, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("httpapi: marshal request: %w", err)
	}

	r, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("httpapi: build request: %w", err)
	}
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Accept", "application/json")
	if c.authToken != "" {
		r.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.hc.Do(r)
	if err != nil {
		// Unreachable custody service: report it like any other transport failure.
		return &txmanager.TransportError{Op: "custody " + route, Err: err}
	}
	defer resp.Body.Close()

	body, err := readAllLimited(resp.Body, c.maxRespBytes)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		se := &StatusError{StatusCode: resp.StatusCode, Kind: strings.TrimSpace(string(body))}
		var er errorResponse
		if json.Unmarshal(body, &er) == nil && er.Error != "" {
			se.Kind, se.Message, se.TxHash = er.Error, er.Message, er.TxHash
		}
		if se.Kind == "" {
			se.Kind = resp.Status
		}
		return se
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("httpapi: unmarshal response: %w", err)
	}
	return nil
}

// RemoteSigner is a txmanager.Authorizer backed by a custody service's
// POST /v1/sign endpoint. The key never leaves the custody process.
type RemoteSigner struct {
	client *Client
	from   common.Address
}

func NewRemoteSigner(client *Client, from common.Address) (*RemoteSigner, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil client", ErrInvalidClientConfig)
	}
	if from == (common.Address{}) {
		return nil, fmt.Errorf("%w: missing signer address", ErrInvalidClientConfig)
	}
	return &RemoteSigner{client: client, from: from}, nil
}

func (s *RemoteSigner) Address() common.Address { return s.from }

func (s *RemoteSigner) Authorize(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if tx == nil || chainID == nil || chainID.Sign() <= 0 {
		return nil, fmt.Errorf("%w: missing tx or chain id", txmanager.ErrInvalidSigner)
	}
	unsigned, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("httpapi: encode tx: %w", err)
	}
	res, err := s.client.Sign(ctx, SignRequest{ChainID: chainID.String(), TxHex: hexutil.Encode(unsigned)})
	if err != nil {
		return nil, err
	}
	raw, err := hexutil.Decode(res.RawTx)
	if err != nil {
		return nil, fmt.Errorf("httpapi: decode signed tx: %w", err)
	}
	signed := new(types.Transaction)
	if err := signed.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("httpapi: decode signed tx: %w", err)
	}

	// The custody service must sign exactly what we asked for, with the key we expect.
	signer := types.LatestSignerForChainID(chainID)
	if signer.Hash(signed) != signer.Hash(tx) {
		return nil, fmt.Errorf("%w: payload changed", ErrSignerMismatch)
	}
	from, err := types.Sender(signer, signed)
	if err != nil {
		return nil, fmt.Errorf("%w: recover sender: %v", ErrSignerMismatch, err)
	}
	if from != s.from {
		return nil, fmt.Errorf("%w: signed by %s, want %s", ErrSignerMismatch, from.Hex(), s.from.Hex())
	}
	return signed, nil
}

func joinPath(basePath string, suffix string) string {
	// path.Join cleans up redundant slashes, but preserves a leading slash.
	if basePath == "" {
		basePath = "/"
	}
	return path.Join(basePath, suffix)
}

func readAllLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("httpapi: read response: %w", err)
	}
	if int64(len(b)) > maxBytes {
		return nil, fmt.Errorf("httpapi: response too large")
	}
	return b, nil
}
