package hub

import "sync"

// Registry owns the set of open connections grouped by session. It is pure
// mechanism: all fan-out decisions are made by the hub, which is also
// responsible for serializing mutations per session.
type Registry struct {
	mu      sync.RWMutex
	buckets map[string]map[*Connection]struct{}
}

// NewRegistry initialises an empty registry.
func NewRegistry() *Registry {
	return &Registry{buckets: make(map[string]map[*Connection]struct{})}
}

// Admit adds the connection to its session bucket. Admitting the same
// connection twice is a no-op so replayed admission events cannot
// double-count.
func (r *Registry) Admit(sessionID string, conn *Connection) {
	if conn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	bucket, ok := r.buckets[sessionID]
	if !ok {
		bucket = make(map[*Connection]struct{})
		r.buckets[sessionID] = bucket
	}
	bucket[conn] = struct{}{}
}

// Remove drops the connection from its session bucket, tolerating duplicate
// close signals, and reports whether the bucket became empty.
func (r *Registry) Remove(sessionID string, conn *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	bucket, ok := r.buckets[sessionID]
	if !ok {
		return true
	}
	delete(bucket, conn)
	if len(bucket) == 0 {
		delete(r.buckets, sessionID)
		return true
	}
	return false
}

// Snapshot copies the session's current connection set so fan-out can iterate
// without holding the registry lock against concurrent admits and removals.
func (r *Registry) Snapshot(sessionID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bucket := r.buckets[sessionID]
	if len(bucket) == 0 {
		return nil
	}
	conns := make([]*Connection, 0, len(bucket))
	for conn := range bucket {
		conns = append(conns, conn)
	}
	return conns
}

// Len reports the number of connections in a session bucket.
func (r *Registry) Len(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.buckets[sessionID])
}

// Broadcast enqueues the payload to every connection in the session bucket,
// optionally excluding one connection.
func (r *Registry) Broadcast(sessionID string, payload []byte, exclude *Connection) {
	for _, conn := range r.Snapshot(sessionID) {
		if conn == exclude {
			continue
		}
		conn.enqueue(payload)
	}
}

// BroadcastViewers enqueues the payload to the session's viewer connections
// only; the broadcaster does not participate in viewer fan-out.
func (r *Registry) BroadcastViewers(sessionID string, payload []byte, exclude *Connection) {
	for _, conn := range r.Snapshot(sessionID) {
		if conn == exclude || conn.role != RoleViewer {
			continue
		}
		conn.enqueue(payload)
	}
}
