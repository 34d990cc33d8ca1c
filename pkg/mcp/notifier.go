package mcp

import (
	"errors"
	"sync"

	"github.com/mark3labs/mcp-go/server"

	"github.com/beam-bots/bb-reactor/internal/rig"
	"github.com/beam-bots/bb-reactor/pkg/schema"
)

// SafetyNotifier forwards safety reports to the MCP session driving the
// affected target, on top of the rig's own safety sink. Push is
// best-effort: a disconnected session simply misses the alert.
type SafetyNotifier struct {
	next     rig.SafetySink
	sessions *SessionRegistry

	mu  sync.RWMutex
	srv *server.MCPServer
}

var _ rig.SafetySink = (*SafetyNotifier)(nil)

// NewSafetyNotifier wraps next with MCP push delivery. Bind must be called
// once the MCP server exists; until then reports only reach next.
func NewSafetyNotifier(next rig.SafetySink, sessions *SessionRegistry) *SafetyNotifier {
	return &SafetyNotifier{next: next, sessions: sessions}
}

// Bind attaches the MCP server used for push delivery.
func (n *SafetyNotifier) Bind(srv *server.MCPServer) {
	n.mu.Lock()
	n.srv = srv
	n.mu.Unlock()
}

// ReportError records the report and pushes it to the session driving the
// target.
func (n *SafetyNotifier) ReportError(target schema.RigHandle, path string, err error) {
	if n.next != nil {
		n.next.ReportError(target, path, err)
	}

	n.mu.RLock()
	srv := n.srv
	n.mu.RUnlock()
	if srv == nil {
		return
	}

	sessionID, ok := n.sessions.SessionFor(string(target))
	if !ok {
		return
	}

	payload := map[string]any{
		"type":   "safety_report",
		"target": string(target),
		"path":   path,
		"error":  err.Error(),
	}
	sendErr := srv.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(sendErr, server.ErrSessionNotFound) {
		// The session expired between lookup and send; drop the mapping.
		n.sessions.Remove(sessionID)
	}
}
