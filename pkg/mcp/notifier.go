package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/feddericovonwernich/pr-checks-agent/internal/streaming"
	"github.com/feddericovonwernich/pr-checks-agent/pkg/schema"
)

// OperatorNotifier pushes notifications to connected operators.
type OperatorNotifier interface {
	Notify(ctx context.Context, operator string, payload map[string]any) error
}

// MCPNotifier implements OperatorNotifier using MCP SSE push.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes via MCP SSE.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the operator's SSE session.
// Best-effort: returns nil if the operator is not connected.
func (n *MCPNotifier) Notify(_ context.Context, operator string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(operator)
	if !ok {
		return nil // operator not connected, best-effort
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send — not an error.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// RunEscalationFeed subscribes to the event hub and pushes escalation
// events to every connected MCP client until ctx is cancelled. Call in
// a goroutine after the server is serving; a nil hub is a no-op.
func (s *AgentServer) RunEscalationFeed(ctx context.Context) error {
	if s.deps.Hub == nil {
		return nil
	}
	ch, cancel, err := s.deps.Hub.Subscribe(ctx, streaming.EventFilter{
		EventTypes: []string{
			schema.EventEscalationRaised,
			schema.EventEscalationAcknowledged,
			schema.EventEscalationResolved,
		},
	})
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-ch:
			if !ok {
				return nil
			}
			s.mcpServer.SendNotificationToAllClients("notifications/message", map[string]any{
				"event_type": event.EventType,
				"item_id":    event.ItemID,
				"repo":       event.Repo,
				"payload":    event.Payload,
			})
			s.logger.Debug("escalation pushed",
				slog.String("event_type", event.EventType),
				slog.String("item_id", event.ItemID))
		}
	}
}
