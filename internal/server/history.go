// Package server keeps the per-user message history replayed on reconnect.
package server

import (
	"slices"
	"sync"
)

// History keeps every message each user has published, in arrival order.
// Logs only grow. A snapshot is a copy of a prefix, so appends that land
// after it was taken never show up in it.
type History struct {
	mu   sync.RWMutex
	logs map[string]*userLog
}

type userLog struct {
	mu       sync.Mutex
	messages []string
}

// NewHistory returns an empty history store.
func NewHistory() *History {
	return &History{logs: make(map[string]*userLog)}
}

func (h *History) log(name string, create bool) *userLog {
	h.mu.RLock()
	l, ok := h.logs[name]
	h.mu.RUnlock()
	if ok || !create {
		return l
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if l, ok = h.logs[name]; !ok {
		l = &userLog{}
		h.logs[name] = l
	}
	return l
}

// Append adds msg to name's log and returns the new length.
func (h *History) Append(name, msg string) int {
	l := h.log(name, true)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, msg)
	return len(l.messages)
}

// Snapshot returns a copy of name's log and its length at the time of the
// call. An unknown name yields an empty snapshot.
func (h *History) Snapshot(name string) ([]string, int) {
	l := h.log(name, false)
	if l == nil {
		return nil, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.messages), len(l.messages)
}

// Len reports how many messages name has stored.
func (h *History) Len(name string) int {
	l := h.log(name, false)
	if l == nil {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.messages)
}

// Users lists every name with a log, sorted.
func (h *History) Users() []string {
	h.mu.RLock()
	names := make([]string, 0, len(h.logs))
	for name := range h.logs {
		names = append(names, name)
	}
	h.mu.RUnlock()

	slices.Sort(names)
	return names
}
