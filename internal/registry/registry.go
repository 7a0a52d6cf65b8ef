// Package registry implements the process-wide client registry: a
// concurrent DeviceID -> *session.Session map.
package registry

import (
	"sync"

	"github.com/mirrorx-relay/relayd/internal/session"
)

// Registry is a concurrent associative map from device ID to the
// registered session handling it, grounded on the teacher's read-biased
// server-list map (a plain RWMutex over a plain map is sufficient here:
// point operations only, no iteration under lock).
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*session.Session
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*session.Session)}
}

// Insert publishes s under deviceID. Last writer wins if deviceID is
// already present, though in practice the NX/XX directory write is the
// sole source of uniqueness and callers only insert once per session.
func (r *Registry) Insert(deviceID string, s *session.Session) {
	r.mu.Lock()
	r.entries[deviceID] = s
	r.mu.Unlock()
}

// Get returns the session registered under deviceID, or nil if absent. The
// returned handle remains safe to use even after a concurrent removal.
func (r *Registry) Get(deviceID string) *session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[deviceID]
}

// Remove deletes deviceID's entry if it maps to s, and is a no-op
// otherwise — in particular, idempotent when called twice for the same
// session, and safe against removing a newer session that replaced s under
// the same ID.
func (r *Registry) Remove(deviceID string, s *session.Session) {
	r.mu.Lock()
	if cur, ok := r.entries[deviceID]; ok && cur == s {
		delete(r.entries, deviceID)
	}
	r.mu.Unlock()
}

// Len reports the number of registered sessions. It exists for tests.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
