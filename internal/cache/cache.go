// Package cache provides keyed storage for compiled workspace payloads.
// Payloads are opaque bytes so a hit is byte-identical to what the compiler
// produced; there is no expiry beyond explicit invalidation.
package cache

import (
	"context"
	"sync"
)

// Key addresses one compiled workspace. OrganizationID is the content's
// owning organization, not whichever organization the caller had active.
type Key struct {
	OrganizationID string
	ContentID      string
}

// Store is the injected backend: an in-process map for a single instance or
// redis when several processes must share one invalidation domain.
type Store interface {
	Get(ctx context.Context, key Key) ([]byte, bool, error)
	Set(ctx context.Context, key Key, payload []byte) error
	Invalidate(ctx context.Context, key Key) error
}

// MemoryStore is the in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[Key][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[Key][]byte)}
}

func (m *MemoryStore) Get(_ context.Context, key Key) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	payload, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	// Copy out so callers cannot mutate the cached bytes.
	out := make([]byte, len(payload))
	copy(out, payload)
	return out, true, nil
}

func (m *MemoryStore) Set(_ context.Context, key Key, payload []byte) error {
	stored := make([]byte, len(payload))
	copy(stored, payload)
	m.mu.Lock()
	m.entries[key] = stored
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Invalidate(_ context.Context, key Key) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}
