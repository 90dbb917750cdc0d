package hub

import "sync"

// PresenceTracker maintains the set of distinct viewer identities attached to
// each session. Multiple connections from the same identity count once: each
// connection holds a reference on its (session, user) entry and the entry
// leaves the set when the last reference is released.
type PresenceTracker struct {
	mu       sync.RWMutex
	sessions map[string]map[string]int
}

// NewPresenceTracker initialises an empty tracker.
func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{sessions: make(map[string]map[string]int)}
}

// Attach records a viewer connection for userID and returns the session's new
// distinct-identity cardinality.
func (t *PresenceTracker) Attach(sessionID, userID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	viewers, ok := t.sessions[sessionID]
	if !ok {
		viewers = make(map[string]int)
		t.sessions[sessionID] = viewers
	}
	viewers[userID]++
	return len(viewers)
}

// Detach releases one connection's reference for userID and returns the new
// cardinality plus whether the identity held a reference at all. Detaching an
// absent identity leaves the count unchanged.
func (t *PresenceTracker) Detach(sessionID, userID string) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	viewers, ok := t.sessions[sessionID]
	if !ok {
		return 0, false
	}
	refs, present := viewers[userID]
	if !present {
		return len(viewers), false
	}
	if refs <= 1 {
		delete(viewers, userID)
	} else {
		viewers[userID] = refs - 1
	}
	if len(viewers) == 0 {
		delete(t.sessions, sessionID)
		return 0, true
	}
	return len(viewers), true
}

// Count reports the session's current distinct-identity cardinality.
func (t *PresenceTracker) Count(sessionID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions[sessionID])
}

// Clear drops the session's whole presence set. Used when a broadcast ends
// and all viewer connections are being force-closed.
func (t *PresenceTracker) Clear(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, sessionID)
}
