package testsupport

import (
	"sync"

	"streamcast/internal/models"
)

// SessionStoreStub is an in-memory read-only session lookup for tests that
// do not need a full repository.
type SessionStoreStub struct {
	mu       sync.RWMutex
	sessions map[string]models.Session
}

// NewSessionStoreStub constructs a SessionStoreStub with empty state.
func NewSessionStoreStub() *SessionStoreStub {
	return &SessionStoreStub{sessions: make(map[string]models.Session)}
}

// Put seeds or replaces a session record.
func (s *SessionStoreStub) Put(session models.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = session
}

// GetSession retrieves the session with the provided identifier.
func (s *SessionStoreStub) GetSession(id string) (models.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	return session, ok
}
