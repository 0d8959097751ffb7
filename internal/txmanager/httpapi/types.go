package httpapi

// SignRequest carries an unsigned transaction in its canonical binary encoding.
type SignRequest struct {
	ChainID string `json:"chain_id"`
	TxHex   string `json:"tx_hex"`
}

type SignResponse struct {
	From   string `json:"from"`
	TxHash string `json:"tx_hash"`
	RawTx  string `json:"raw_tx"`
}

type ExecuteRequest struct {
	To             string `json:"to"`
	Data           string `json:"data,omitempty"`
	ValueWei       string `json:"value_wei,omitempty"`
	GasPriceWei    string `json:"gas_price_wei,omitempty"`
	GasLimit       uint64 `json:"gas_limit,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

type ExecuteResponse struct {
	From     string           `json:"from"`
	TxHash   string           `json:"tx_hash"`
	Attempts int              `json:"attempts"`
	Receipt  *ReceiptResponse `json:"receipt,omitempty"`
}

type ReceiptResponse struct {
	Status      uint64 `json:"status"`
	BlockNumber string `json:"block_number,omitempty"`
	GasUsed     uint64 `json:"gas_used,omitempty"`
	Logs        int    `json:"logs"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	TxHash  string `json:"tx_hash,omitempty"`
}
