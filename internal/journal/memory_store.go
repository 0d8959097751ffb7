package journal

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore is an in-memory journal intended for unit tests and single-process usage.
// It is safe for concurrent use.
type MemoryStore struct {
	mu     sync.Mutex
	now    func() time.Time
	byHash map[common.Hash]Entry
	byFP   map[common.Hash]common.Hash
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:    now,
		byHash: make(map[common.Hash]Entry),
		byFP:   make(map[common.Hash]common.Hash),
	}
}

func (s *MemoryStore) Submitted(_ context.Context, fingerprint, hash common.Hash, from common.Address) error {
	if err := ValidateSubmitted(fingerprint, hash, from); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.byFP[fingerprint]; ok {
		if h != hash {
			return ErrConflict
		}
		return nil
	}
	if _, ok := s.byHash[hash]; ok {
		return ErrConflict
	}
	s.byFP[fingerprint] = hash
	s.byHash[hash] = Entry{
		Fingerprint: fingerprint,
		Hash:        hash,
		From:        from,
		SubmittedAt: s.now().UTC(),
	}
	return nil
}

func (s *MemoryStore) Finish(_ context.Context, hash common.Hash, t Terminal) (bool, error) {
	if err := ValidateFinish(hash, t); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byHash[hash]
	if !ok {
		return false, ErrNotFound
	}
	if e.State.Terminal() {
		return false, nil
	}
	e.Terminal = t
	e.FinishedAt = s.now().UTC()
	s.byHash[hash] = e
	return true, nil
}

func (s *MemoryStore) Get(_ context.Context, hash common.Hash) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byHash[hash]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

func (s *MemoryStore) LookupFingerprint(ctx context.Context, fingerprint common.Hash) (Entry, error) {
	s.mu.Lock()
	h, ok := s.byFP[fingerprint]
	s.mu.Unlock()
	if !ok {
		return Entry{}, ErrNotFound
	}
	return s.Get(ctx, h)
}
