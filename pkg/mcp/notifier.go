package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"
)

// RunNotifier tells the client that started a run how it ended.
type RunNotifier interface {
	NotifyRun(ctx context.Context, runID string, payload map[string]any) error
}

// MCPNotifier implements RunNotifier with MCP server notifications.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// NotifyRun sends payload to the session registered for runID and forgets
// the mapping. Best-effort: returns nil if the session is gone.
func (n *MCPNotifier) NotifyRun(_ context.Context, runID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(runID)
	if !ok {
		return nil
	}
	n.sessions.Forget(runID)
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}
