package mcp

import "sync"

// SessionRegistry maps operator names to MCP session IDs. Populated
// automatically when an operator issues any override tool call.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // operator → sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates an operator with a session ID. If the operator
// already has a session, it is overwritten (reconnect).
func (r *SessionRegistry) Register(operator, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[operator] = sessionID
}

// SessionFor returns the session ID for the given operator, if connected.
func (r *SessionRegistry) SessionFor(operator string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[operator]
	return sid, ok
}

// Remove deletes all operator mappings for the given session ID.
// Called when a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for op, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, op)
		}
	}
}
