package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const (
	DriverS3     = "s3"
	DriverMemory = "memory"

	contentType = "application/json"

	defaultMaxGetSize int64 = 4 << 20
)

var (
	ErrInvalidConfig = errors.New("archive: invalid config")
	ErrInvalidRecord = errors.New("archive: invalid record")
	ErrNotFound      = errors.New("archive: not found")
	ErrTooLarge      = errors.New("archive: object too large")
)

// Record is what gets archived for a confirmed transaction.
type Record struct {
	Hash       common.Hash    `json:"tx_hash"`
	From       common.Address `json:"from"`
	Attempts   int            `json:"attempts"`
	Receipt    *types.Receipt `json:"receipt"`
	ArchivedAt time.Time      `json:"archived_at"`
}

// Key returns the object key a record for hash is stored under.
func Key(hash common.Hash) string {
	return "receipts/" + hash.Hex() + ".json"
}

// Archive is a write-once receipt archive. Put returns false when a record for
// the hash already exists; the stored record is never overwritten.
type Archive struct {
	objects objectStore
	now     func() time.Time
}

type objectStore interface {
	putIfAbsent(ctx context.Context, key string, payload []byte) (bool, error)
	get(ctx context.Context, key string) ([]byte, error)
}

type Config struct {
	Driver string
	Prefix string

	// MaxGetSize bounds bytes read back by Get. Defaults to 4 MiB when <= 0.
	MaxGetSize int64

	// S3 fields.
	Bucket   string
	S3Client S3Client

	Now func() time.Time
}

func New(cfg Config) (*Archive, error) {
	var (
		objects objectStore
		err     error
	)
	switch normalizeDriver(cfg.Driver) {
	case DriverMemory:
		objects = newMemoryStore(cfg.Prefix)
	case DriverS3:
		objects, err = newS3Store(cfg)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Archive{objects: objects, now: now}, nil
}

func (a *Archive) Put(ctx context.Context, rec Record) (bool, error) {
	if rec.Hash == (common.Hash{}) || rec.Receipt == nil {
		return false, fmt.Errorf("%w: hash and receipt are required", ErrInvalidRecord)
	}
	if rec.Receipt.TxHash != (common.Hash{}) && rec.Receipt.TxHash != rec.Hash {
		return false, fmt.Errorf("%w: receipt is for %s", ErrInvalidRecord, rec.Receipt.TxHash.Hex())
	}

	r := *rec.Receipt
	if r.Logs == nil {
		r.Logs = []*types.Log{}
	}
	r.TxHash = rec.Hash
	rec.Receipt = &r
	if rec.ArchivedAt.IsZero() {
		rec.ArchivedAt = a.now().UTC()
	}

	b, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("archive: marshal %s: %w", rec.Hash.Hex(), err)
	}
	return a.objects.putIfAbsent(ctx, Key(rec.Hash), b)
}

func (a *Archive) Get(ctx context.Context, hash common.Hash) (Record, error) {
	b, err := a.objects.get(ctx, Key(hash))
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return Record{}, fmt.Errorf("archive: unmarshal %s: %w", hash.Hex(), err)
	}
	return rec, nil
}

func normalizeDriver(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return DriverS3
	}
	return v
}

func normalizePrefix(prefix string) string {
	return strings.Trim(strings.TrimSpace(prefix), "/")
}

func joinPrefix(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}
