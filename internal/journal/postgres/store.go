package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juno-intents/txmanager/internal/journal"
	"github.com/juno-intents/txmanager/internal/txmanager"
)

var ErrInvalidConfig = errors.New("journal/postgres: invalid config")

type Store struct {
	pool *pgxpool.Pool
}

var _ journal.Store = (*Store)(nil)

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	_, err := s.pool.Exec(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("journal/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Submitted(ctx context.Context, fingerprint, hash common.Hash, from common.Address) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := journal.ValidateSubmitted(fingerprint, hash, from); err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO tx_journal (tx_hash, fingerprint, from_addr, submitted_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT DO NOTHING
	`, hash[:], fingerprint[:], from[:])
	if err != nil {
		return fmt.Errorf("journal/postgres: submitted: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Idempotent for the same pair; anything else is a conflict.
	e, err := s.LookupFingerprint(ctx, fingerprint)
	if errors.Is(err, journal.ErrNotFound) {
		return journal.ErrConflict
	}
	if err != nil {
		return err
	}
	if e.Hash != hash {
		return journal.ErrConflict
	}
	return nil
}

func (s *Store) Finish(ctx context.Context, hash common.Hash, t journal.Terminal) (bool, error) {
	if s == nil || s.pool == nil {
		return false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := journal.ValidateFinish(hash, t); err != nil {
		return false, err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE tx_journal
		SET state = $2,
			attempts = $3,
			block_number = $4,
			receipt_status = $5,
			gas_used = $6,
			error_kind = $7,
			error = $8,
			finished_at = now()
		WHERE tx_hash = $1 AND state = 'PENDING'
	`, hash[:], t.State.String(), t.Attempts, int64(t.BlockNumber), int64(t.ReceiptStatus), int64(t.GasUsed), t.ErrorKind, t.Error)
	if err != nil {
		return false, fmt.Errorf("journal/postgres: finish: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	// Already terminal, or never submitted.
	if _, err := s.Get(ctx, hash); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) Get(ctx context.Context, hash common.Hash) (journal.Entry, error) {
	if s == nil || s.pool == nil {
		return journal.Entry{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	return s.selectOne(ctx, "get", `WHERE tx_hash = $1`, hash[:])
}

func (s *Store) LookupFingerprint(ctx context.Context, fingerprint common.Hash) (journal.Entry, error) {
	if s == nil || s.pool == nil {
		return journal.Entry{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	return s.selectOne(ctx, "lookup fingerprint", `WHERE fingerprint = $1`, fingerprint[:])
}

func (s *Store) selectOne(ctx context.Context, op string, where string, arg []byte) (journal.Entry, error) {
	var (
		hashB, fpB, fromB []byte
		state             string
		attempts          int32
		blockNumber       int64
		receiptStatus     int64
		gasUsed           int64
		errKind, errMsg   string
		submittedAt       time.Time
		finishedAt        *time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT tx_hash, fingerprint, from_addr, state, attempts, block_number,
			receipt_status, gas_used, error_kind, error, submitted_at, finished_at
		FROM tx_journal `+where, arg).Scan(
		&hashB, &fpB, &fromB, &state, &attempts, &blockNumber,
		&receiptStatus, &gasUsed, &errKind, &errMsg, &submittedAt, &finishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return journal.Entry{}, journal.ErrNotFound
		}
		return journal.Entry{}, fmt.Errorf("journal/postgres: %s: %w", op, err)
	}

	st, err := txmanager.ParseState(state)
	if err != nil {
		return journal.Entry{}, fmt.Errorf("journal/postgres: %s: %w", op, err)
	}
	e := journal.Entry{
		Fingerprint: common.BytesToHash(fpB),
		Hash:        common.BytesToHash(hashB),
		From:        common.BytesToAddress(fromB),
		Terminal: journal.Terminal{
			State:         st,
			Attempts:      int(attempts),
			BlockNumber:   uint64(blockNumber),
			ReceiptStatus: uint64(receiptStatus),
			GasUsed:       uint64(gasUsed),
			ErrorKind:     errKind,
			Error:         errMsg,
		},
		SubmittedAt: submittedAt.UTC(),
	}
	if finishedAt != nil {
		e.FinishedAt = finishedAt.UTC()
	}
	return e, nil
}
