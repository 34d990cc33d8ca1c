package mcp

import "sync"

// SessionRegistry maps rig targets to the MCP session currently driving
// them. Populated automatically when a session calls any tool that names a
// target.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // target → sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates a target with a session ID. A target already claimed
// by another session is overwritten; the most recent caller drives it.
func (r *SessionRegistry) Register(target, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[target] = sessionID
}

// SessionFor returns the session ID driving the given target, if any.
func (r *SessionRegistry) SessionFor(target string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[target]
	return sid, ok
}

// Remove deletes all target mappings for the given session ID. Called when
// a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for target, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, target)
		}
	}
}
