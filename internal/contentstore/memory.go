package contentstore

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store keyed by ComputeCIDv0.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

// Fetch implements Store.
func (m *MemoryStore) Fetch(_ context.Context, cid string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[cid]
	if !ok {
		return nil, &FetchError{CID: cid, Err: ErrNotFound}
	}
	return append([]byte(nil), data...), nil
}

// Store implements Store.
func (m *MemoryStore) Store(_ context.Context, data []byte) (string, error) {
	cid := ComputeCIDv0(data)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[cid] = append([]byte(nil), data...)
	return cid, nil
}

// Pin implements Pinner, so a MemoryStore can stand in for a pinning service.
func (m *MemoryStore) Pin(ctx context.Context, _ string, data []byte) (string, error) {
	return m.Store(ctx, data)
}

// Len returns the number of stored objects.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
