package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/juno-intents/txmanager/internal/txmanager"
)

// Executor is the two halves of txmanager.Manager.Execute. The handler calls them
// separately so a caller whose deadline fires during the wait still learns the hash.
type Executor interface {
	Submit(ctx context.Context, req txmanager.Request) (common.Hash, error)
	Await(ctx context.Context, hash common.Hash) (txmanager.Outcome, error)
	Address() common.Address
}

type Config struct {
	// Signer enables POST /v1/sign. ChainID is required with it.
	Signer  txmanager.Authorizer
	ChainID *big.Int

	// Executor enables POST /v1/execute.
	Executor Executor

	// AuthToken enables bearer-token auth on every /v1 request when set.
	AuthToken string

	// MaxBodyBytes limits request sizes. Defaults to 1 MiB.
	MaxBodyBytes int64

	// MaxWaitSeconds bounds per-request execution time. Defaults to 300s.
	MaxWaitSeconds int

	Log *slog.Logger
}

func NewHandler(cfg Config) http.Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.MaxWaitSeconds <= 0 {
		cfg.MaxWaitSeconds = 300
	}
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	h := &handler{cfg: cfg}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	if cfg.Signer != nil && cfg.ChainID != nil {
		mux.HandleFunc("POST /v1/sign", h.authed(h.sign))
	}
	if cfg.Executor != nil {
		mux.HandleFunc("POST /v1/execute", h.authed(h.execute))
	}
	return mux
}

type handler struct {
	cfg Config
}

func (h *handler) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.cfg.AuthToken != "" && !checkBearer(r.Header.Get("Authorization"), h.cfg.AuthToken) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)
		next(w, r)
	}
}

func (h *handler) sign(w http.ResponseWriter, r *http.Request) {
	var req SignRequest
	if !decodeStrict(w, r, &req) {
		return
	}
	chainID, ok := new(big.Int).SetString(strings.TrimSpace(req.ChainID), 10)
	if !ok || chainID.Cmp(h.cfg.ChainID) != 0 {
		writeError(w, http.StatusBadRequest, "invalid_chain_id", "")
		return
	}
	raw, err := hexutil.Decode(req.TxHex)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_tx", "")
		return
	}
	var tx types.Transaction
	if err := tx.UnmarshalBinary(raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_tx", "")
		return
	}

	signed, err := h.cfg.Signer.Authorize(r.Context(), &tx, chainID)
	if err != nil {
		h.cfg.Log.Error("sign failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "")
		return
	}
	b, err := signed.MarshalBinary()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "")
		return
	}
	h.cfg.Log.Info("signed", "from", h.cfg.Signer.Address().Hex(), "tx_hash", signed.Hash().Hex(), "nonce", signed.Nonce())
	writeJSON(w, http.StatusOK, SignResponse{
		From:   h.cfg.Signer.Address().Hex(),
		TxHash: signed.Hash().Hex(),
		RawTx:  hexutil.Encode(b),
	})
}

func (h *handler) execute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if !decodeStrict(w, r, &req) {
		return
	}
	txReq, code := ParseExecuteRequest(req)
	if code != "" {
		writeError(w, http.StatusBadRequest, code, "")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.waitTimeout(req.TimeoutSeconds))
	defer cancel()

	txHash, err := h.cfg.Executor.Submit(ctx, txReq)
	if err != nil {
		h.writeExecuteError(w, err, "")
		return
	}
	out, err := h.cfg.Executor.Await(ctx, txHash)
	if err != nil {
		h.writeExecuteError(w, err, txHash.Hex())
		return
	}
	out.From = h.cfg.Executor.Address()

	writeJSON(w, http.StatusOK, NewExecuteResponse(out))
}

// waitTimeout caps the caller's requested seconds at MaxWaitSeconds. Comparing
// seconds before converting keeps huge values from overflowing time.Duration.
func (h *handler) waitTimeout(requested int) time.Duration {
	secs := h.cfg.MaxWaitSeconds
	if requested > 0 && requested < secs {
		secs = requested
	}
	return time.Duration(secs) * time.Second
}

func (h *handler) writeExecuteError(w http.ResponseWriter, err error, submitted string) {
	status, kind, msg, hash := describeError(err)
	if hash == "" {
		hash = submitted
	}
	h.cfg.Log.Warn("execute failed", "kind", kind, "tx_hash", hash, "err", err)
	writeJSON(w, status, errorResponse{Error: kind, Message: msg, TxHash: hash})
}

func NewExecuteResponse(out txmanager.Outcome) ExecuteResponse {
	resp := ExecuteResponse{
		From:     out.From.Hex(),
		TxHash:   out.Hash.Hex(),
		Attempts: out.Attempts,
	}
	if out.Receipt != nil {
		resp.Receipt = &ReceiptResponse{
			Status:  out.Receipt.Status,
			GasUsed: out.Receipt.GasUsed,
			Logs:    len(out.Receipt.Logs),
		}
		if out.Receipt.BlockNumber != nil {
			resp.Receipt.BlockNumber = out.Receipt.BlockNumber.String()
		}
	}
	return resp
}

// ParseExecuteRequest converts the wire form. A non-empty code names the
// first invalid field.
func ParseExecuteRequest(req ExecuteRequest) (txmanager.Request, string) {
	if !common.IsHexAddress(req.To) {
		return txmanager.Request{}, "invalid_to"
	}
	out := txmanager.Request{
		To:       common.HexToAddress(req.To),
		GasLimit: req.GasLimit,
	}
	if req.Data != "" {
		b, err := hexutil.Decode(req.Data)
		if err != nil {
			return txmanager.Request{}, "invalid_data"
		}
		out.Data = b
	}
	if req.ValueWei != "" {
		v, ok := new(big.Int).SetString(req.ValueWei, 10)
		if !ok || v.Sign() < 0 {
			return txmanager.Request{}, "invalid_value_wei"
		}
		out.Value = v
	}
	if req.GasPriceWei != "" {
		v, ok := new(big.Int).SetString(req.GasPriceWei, 10)
		if !ok || v.Sign() < 0 {
			return txmanager.Request{}, "invalid_gas_price_wei"
		}
		out.GasPrice = v
	}
	return out, ""
}

// describeError maps the txmanager taxonomy onto HTTP. Internal details are only
// exposed for rejections, where the node's message is what the caller needs.
func describeError(err error) (status int, kind, msg, hash string) {
	kind = txmanager.Kind(err)
	var (
		re *txmanager.RejectedError
		te *txmanager.TimeoutError
		pe *txmanager.PollError
	)
	switch {
	case errors.As(err, &re):
		status = http.StatusUnprocessableEntity
		if re.Node != nil {
			msg = re.Node.Message
		}
	case errors.As(err, &te):
		status, hash = http.StatusGatewayTimeout, te.Hash.Hex()
	case errors.As(err, &pe):
		status, hash = http.StatusBadGateway, pe.Hash.Hex()
	case errors.Is(err, txmanager.ErrTransport):
		status = http.StatusBadGateway
	case errors.Is(err, txmanager.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		status, kind = http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, context.Canceled):
		status = http.StatusRequestTimeout
	default:
		status = http.StatusInternalServerError
	}
	return status, kind, msg, hash
}

func decodeStrict(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil || dec.More() {
		writeError(w, http.StatusBadRequest, "invalid_json", "")
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, errorResponse{Error: kind, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func checkBearer(header string, wantToken string) bool {
	// Conservative parsing: exact "Bearer <token>" with single space.
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	got := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	return subtle.ConstantTimeCompare([]byte(got), []byte(wantToken)) == 1
}
