package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS tx_journal (
	tx_hash BYTEA PRIMARY KEY,
	fingerprint BYTEA NOT NULL UNIQUE,
	from_addr BYTEA NOT NULL,
	state TEXT NOT NULL DEFAULT 'PENDING',
	attempts INTEGER NOT NULL DEFAULT 0,
	block_number BIGINT NOT NULL DEFAULT 0,
	receipt_status BIGINT NOT NULL DEFAULT 0,
	gas_used BIGINT NOT NULL DEFAULT 0,
	error_kind TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	submitted_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at TIMESTAMPTZ,

	CONSTRAINT tx_journal_hash_len CHECK (octet_length(tx_hash) = 32),
	CONSTRAINT tx_journal_fingerprint_len CHECK (octet_length(fingerprint) = 32),
	CONSTRAINT tx_journal_from_len CHECK (octet_length(from_addr) = 20)
);

CREATE INDEX IF NOT EXISTS tx_journal_state_idx ON tx_journal (state) WHERE state = 'PENDING';
`
