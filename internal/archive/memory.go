package archive

import (
	"context"
	"fmt"
	"sync"
)

type memoryStore struct {
	mu      sync.RWMutex
	prefix  string
	objects map[string][]byte
}

func newMemoryStore(prefix string) *memoryStore {
	return &memoryStore{
		prefix:  normalizePrefix(prefix),
		objects: make(map[string][]byte),
	}
}

func (m *memoryStore) putIfAbsent(_ context.Context, key string, payload []byte) (bool, error) {
	fullKey := joinPrefix(m.prefix, key)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[fullKey]; ok {
		return false, nil
	}
	m.objects[fullKey] = append([]byte(nil), payload...)
	return true, nil
}

func (m *memoryStore) get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	b, ok := m.objects[joinPrefix(m.prefix, key)]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return append([]byte(nil), b...), nil
}
