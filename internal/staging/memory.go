package staging

import (
	"context"
	"errors"
	"sync"

	"github.com/ChuLiYu/webptar/pkg/types"
)

// ErrKeyNotFound is returned by Get for a key that was never put.
var ErrKeyNotFound = errors.New("staging: key not found")

// MemoryStore is the degraded, in-process staging backend.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[int][]byte
}

// NewMemoryStore returns an empty memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[int][]byte)}
}

// Put stores a private copy of data under key.
func (m *MemoryStore) Put(_ context.Context, key int, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return writeError(key, ErrStoreClosed)
	}
	m.data[key] = cp
	return nil
}

// Get returns the bytes stored under key.
func (m *MemoryStore) Get(_ context.Context, key int) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.data == nil {
		return nil, readError(key, ErrStoreClosed)
	}
	b, ok := m.data[key]
	if !ok {
		return nil, readError(key, ErrKeyNotFound)
	}
	return b, nil
}

// Clear drops every entry.
func (m *MemoryStore) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[int][]byte)
	return nil
}

// Len returns the number of staged keys.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Kind reports types.StagingMemory.
func (m *MemoryStore) Kind() types.StagingKind { return types.StagingMemory }

// Close releases the map. Later calls fail with ErrStoreClosed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = nil
	return nil
}
