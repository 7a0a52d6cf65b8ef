package directory

import (
	"context"
	"sync"
	"time"
)

// MemStore is an in-memory [Store], used by tests and by standalone
// development deployments that don't have an etcd cluster available. It
// guards a plain map from id to expiry with a mutex, and sweeps expired
// entries lazily when they are read.
type MemStore struct {
	mu      sync.Mutex
	entries map[string]time.Time // id -> expiresAt

	// now, if set, replaces time.Now for tests.
	now func() time.Time
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{entries: make(map[string]time.Time)}
}

func (m *MemStore) clock() time.Time {
	if m.now != nil {
		return m.now()
	}
	return time.Now()
}

func (m *MemStore) liveLocked(id string) bool {
	exp, ok := m.entries[id]
	if !ok {
		return false
	}
	if !exp.After(m.clock()) {
		delete(m.entries, id)
		return false
	}
	return true
}

func (m *MemStore) Allocate(ctx context.Context, id string) (time.Time, bool, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.liveLocked(id) {
		return time.Time{}, false, nil
	}

	exp := m.clock().Add(TTL)
	m.entries[id] = exp
	return exp, true, nil
}

func (m *MemStore) Renew(ctx context.Context, id string) (time.Time, bool, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.liveLocked(id) {
		return time.Time{}, false, nil
	}

	exp := m.clock().Add(TTL)
	m.entries[id] = exp
	return exp, true, nil
}

// Len reports the number of live entries, sweeping expired ones first. It
// exists for tests.
func (m *MemStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.entries {
		m.liveLocked(id)
	}
	return len(m.entries)
}
