package bridge

import (
	"errors"
	"sync"
)

// ErrSessionNotFound is returned by a SessionStore for unknown ids.
var ErrSessionNotFound = errors.New("relay session not found")

// SessionStore keeps the sessions a relay serves.
type SessionStore interface {
	Put(s *Session) error
	Get(sid string) (*Session, error)
	Delete(sid string) error
}

// MemoryStore is a SessionStore for a single relay process.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]Session)}
}

func (m *MemoryStore) Put(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.SID] = *s
	return nil
}

func (m *MemoryStore) Get(sid string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sid]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return &s, nil
}

func (m *MemoryStore) Delete(sid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sid)
	return nil
}
