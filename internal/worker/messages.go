package worker

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/juno-intents/txmanager/internal/txmanager"
)

const (
	RequestVersion = "txmanager.request.v1"
	ResultVersion  = "txmanager.result.v1"
	FailureVersion = "txmanager.failure.v1"
)

var ErrInvalidPayload = errors.New("worker: invalid payload")

// RequestMessage is one transaction to execute. ID is the caller's
// idempotency key: the same ID and request are executed at most once.
type RequestMessage struct {
	Version     string `json:"version"`
	ID          string `json:"id"`
	To          string `json:"to"`
	Data        string `json:"data,omitempty"`
	ValueWei    string `json:"value_wei,omitempty"`
	GasPriceWei string `json:"gas_price_wei,omitempty"`
	GasLimit    uint64 `json:"gas_limit,omitempty"`
}

type ResultMessage struct {
	Version       string `json:"version"`
	ID            string `json:"id,omitempty"`
	Fingerprint   string `json:"fingerprint"`
	TxHash        string `json:"tx_hash"`
	From          string `json:"from"`
	State         string `json:"state"`
	Attempts      int    `json:"attempts"`
	BlockNumber   uint64 `json:"block_number"`
	ReceiptStatus uint64 `json:"receipt_status"`
	GasUsed       uint64 `json:"gas_used"`
}

type FailureMessage struct {
	Version     string `json:"version"`
	ID          string `json:"id,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	TxHash      string `json:"tx_hash,omitempty"`
	State       string `json:"state,omitempty"`
	Attempts    int    `json:"attempts,omitempty"`
	ErrorCode   string `json:"error_code"`
	Retryable   bool   `json:"retryable"`
	Message     string `json:"message,omitempty"`
}

// DecodeRequest parses and validates a request payload.
func DecodeRequest(b []byte) (RequestMessage, txmanager.Request, error) {
	var msg RequestMessage
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&msg); err != nil {
		return RequestMessage{}, txmanager.Request{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if dec.More() {
		return RequestMessage{}, txmanager.Request{}, fmt.Errorf("%w: trailing data", ErrInvalidPayload)
	}
	if msg.Version != RequestVersion {
		return RequestMessage{}, txmanager.Request{}, fmt.Errorf("%w: unsupported version %q", ErrInvalidPayload, msg.Version)
	}
	if strings.TrimSpace(msg.ID) == "" {
		return RequestMessage{}, txmanager.Request{}, fmt.Errorf("%w: missing id", ErrInvalidPayload)
	}
	if !common.IsHexAddress(msg.To) {
		return RequestMessage{}, txmanager.Request{}, fmt.Errorf("%w: invalid to", ErrInvalidPayload)
	}

	req := txmanager.Request{To: common.HexToAddress(msg.To), GasLimit: msg.GasLimit}
	if msg.Data != "" {
		data, err := hexutil.Decode(msg.Data)
		if err != nil {
			return RequestMessage{}, txmanager.Request{}, fmt.Errorf("%w: invalid data: %v", ErrInvalidPayload, err)
		}
		req.Data = data
	}
	var err error
	if req.Value, err = parseWei(msg.ValueWei, "value_wei"); err != nil {
		return RequestMessage{}, txmanager.Request{}, err
	}
	if req.GasPrice, err = parseWei(msg.GasPriceWei, "gas_price_wei"); err != nil {
		return RequestMessage{}, txmanager.Request{}, err
	}
	if err := req.Validate(); err != nil {
		return RequestMessage{}, txmanager.Request{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return msg, req, nil
}

func parseWei(s string, field string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%w: invalid %s", ErrInvalidPayload, field)
	}
	return v, nil
}

func EncodeResult(m ResultMessage) ([]byte, error) {
	m.Version = ResultVersion
	return json.Marshal(m)
}

func EncodeFailure(m FailureMessage) ([]byte, error) {
	m.Version = FailureVersion
	if m.ErrorCode == "" {
		return nil, fmt.Errorf("worker: failure message without error code")
	}
	return json.Marshal(m)
}
