// Package server tracks which session currently owns each user name.
package server

import (
	"slices"
	"sync"
)

// Registry maps each user name to its current session. Registering a name
// that is already present replaces the entry; unregistering only removes an
// entry that still points at the given session, so a late cleanup from an
// older connection never evicts the newer one.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register binds s.Name to s and returns the session it displaced, if any.
func (r *Registry) Register(s *Session) (replaced *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	replaced = r.sessions[s.Name]
	r.sessions[s.Name] = s
	return replaced
}

// Unregister removes s.Name only if it is still bound to s.
func (r *Registry) Unregister(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.sessions[s.Name]; ok && current == s {
		delete(r.sessions, s.Name)
		return true
	}
	return false
}

// Lookup returns the session currently bound to name.
func (r *Registry) Lookup(name string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[name]
	return s, ok
}

// Snapshot returns the registered sessions ordered by connection sequence.
// The slice is a copy; the registry may change while callers iterate it.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	slices.SortFunc(sessions, func(a, b *Session) int {
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		default:
			return 0
		}
	})
	return sessions
}

// Count reports how many names are registered.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
