package txmanager

import (
	"context"
	"slices"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type PendingNoncer interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// NonceManager hands out nonces for one account across concurrent submissions.
//
// Reserved nonces are never handed out twice. A released nonce is handed out again
// before any fresh one, so a broadcast the node refused does not leave a gap behind
// later reservations.
type NonceManager struct {
	backend PendingNoncer
	addr    common.Address

	mu       sync.Mutex
	next     uint64
	have     bool
	released []uint64 // sorted, all < next
}

func NewNonceManager(backend PendingNoncer, addr common.Address) *NonceManager {
	return &NonceManager{backend: backend, addr: addr}
}

func (m *NonceManager) Next(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.have {
		n, err := m.backend.PendingNonceAt(ctx, m.addr)
		if err != nil {
			return 0, err
		}
		m.next = n
		m.have = true
	}

	if len(m.released) > 0 {
		n := m.released[0]
		m.released = m.released[1:]
		return n, nil
	}
	n := m.next
	m.next++
	return n, nil
}

// Release returns a reserved nonce that was never accepted by the node.
func (m *NonceManager) Release(nonce uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.have || nonce >= m.next {
		return
	}
	i, found := slices.BinarySearch(m.released, nonce)
	if found {
		return
	}
	m.released = slices.Insert(m.released, i, nonce)

	// Fold a released tail back into next.
	for len(m.released) > 0 && m.released[len(m.released)-1] == m.next-1 {
		m.released = m.released[:len(m.released)-1]
		m.next--
	}
}

// Sync refreshes from the backend's pending nonce. Released nonces the node has
// already consumed are dropped, and next only moves forward.
func (m *NonceManager) Sync(ctx context.Context) (uint64, error) {
	n, err := m.backend.PendingNonceAt(ctx, m.addr)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.have || n > m.next {
		m.next = n
		m.have = true
	}
	i, _ := slices.BinarySearch(m.released, n)
	m.released = m.released[i:]
	return n, nil
}
