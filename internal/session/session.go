// Package session tracks the agent continuation token for each group folder.
package session

import (
	"fmt"
	"sync"
)

// Backend persists tokens. *store.Store satisfies it.
type Backend interface {
	AllSessions() (map[string]string, error)
	SetSession(groupFolder, sessionID string) error
}

// Manager caches continuation tokens in memory and writes them through to
// the backend. A token is replaced whenever an invocation returns a new one.
type Manager struct {
	backend Backend
	cache   map[string]string
	mu      sync.RWMutex
}

// NewManager creates a manager and loads every persisted token.
func NewManager(backend Backend) (*Manager, error) {
	all, err := backend.AllSessions()
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	if all == nil {
		all = map[string]string{}
	}
	return &Manager{backend: backend, cache: all}, nil
}

// Get returns the token for a folder, or "" for a fresh conversation.
func (m *Manager) Get(groupFolder string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cache[groupFolder]
}

// Set stores a new token. Empty tokens are ignored.
func (m *Manager) Set(groupFolder, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.backend.SetSession(groupFolder, sessionID); err != nil {
		return fmt.Errorf("persist session %s: %w", groupFolder, err)
	}
	m.cache[groupFolder] = sessionID
	return nil
}

// All returns a copy of every known token.
func (m *Manager) All() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.cache))
	for k, v := range m.cache {
		out[k] = v
	}
	return out
}
