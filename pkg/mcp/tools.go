package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/feddericovonwernich/pr-checks-agent/internal/store"
	"github.com/feddericovonwernich/pr-checks-agent/pkg/schema"
)

// handleItems lists work items with optional filters.
func (s *AgentServer) handleItems(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.ItemFilter{
		Repo:  req.GetString("repo", ""),
		Limit: req.GetInt("limit", 50),
	}
	if v := req.GetString("status", ""); v != "" {
		status := schema.ItemStatus(v)
		filter.Status = &status
	}

	items, err := s.deps.Store.ListItems(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list items failed: %v", err)), nil
	}
	return marshalResult(map[string]any{
		"items": items,
		"count": len(items),
	})
}

// handleStatus returns one work item.
func (s *AgentServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	itemID, err := req.RequireString("item_id")
	if err != nil {
		return mcp.NewToolResultError("item_id is required"), nil
	}

	item, getErr := s.deps.Store.GetItem(ctx, itemID)
	if getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("item lookup failed: %v", getErr)), nil
	}
	return marshalResult(item)
}

// handleHistory returns an item's event log and attempt records.
func (s *AgentServer) handleHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	itemID, err := req.RequireString("item_id")
	if err != nil {
		return mcp.NewToolResultError("item_id is required"), nil
	}

	item, getErr := s.deps.Store.GetItem(ctx, itemID)
	if getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("item lookup failed: %v", getErr)), nil
	}
	events, evErr := s.deps.Store.GetEvents(ctx, itemID, 0)
	if evErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("event query failed: %v", evErr)), nil
	}
	attempts, atErr := s.deps.Store.ListAttempts(ctx, itemID)
	if atErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("attempt query failed: %v", atErr)), nil
	}

	return marshalResult(map[string]any{
		"item":     item,
		"events":   events,
		"attempts": attempts,
	})
}

// handleStats returns runtime counters plus per-status item counts.
func (s *AgentServer) handleStats(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats := map[string]any{}
	if s.deps.Stats != nil {
		stats = s.deps.Stats.Stats()
	}

	counts, err := s.deps.Store.CountByStatus(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("count query failed: %v", err)), nil
	}
	byStatus := make(map[string]int, len(counts))
	for _, c := range counts {
		byStatus[string(c.Status)] = c.Count
	}
	stats["items_by_status"] = byStatus

	return marshalResult(stats)
}

// handleEscalations lists escalations with optional filters.
func (s *AgentServer) handleEscalations(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.EscalationFilter{
		Repo:  req.GetString("repo", ""),
		Limit: req.GetInt("limit", 50),
	}
	if v := req.GetString("status", ""); v != "" {
		status := schema.EscalationStatus(v)
		filter.Status = &status
	}

	escalations, err := s.deps.Store.ListEscalations(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list escalations failed: %v", err)), nil
	}
	return marshalResult(map[string]any{
		"escalations": escalations,
		"count":       len(escalations),
	})
}

// handleForceRetry applies the force-retry override.
func (s *AgentServer) handleForceRetry(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	itemID, operator, note, errResult := s.overrideArgs(ctx, req)
	if errResult != nil {
		return errResult, nil
	}
	if err := s.deps.Overrides.ForceRetry(ctx, itemID, operator, note); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("force retry failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"ok": true, "item_id": itemID, "operator": operator})
}

// handleForceResolve applies the force-resolve override.
func (s *AgentServer) handleForceResolve(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	itemID, operator, note, errResult := s.overrideArgs(ctx, req)
	if errResult != nil {
		return errResult, nil
	}
	if err := s.deps.Overrides.ForceResolve(ctx, itemID, operator, note); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("force resolve failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"ok": true, "item_id": itemID, "operator": operator})
}

// handleClose closes a work item without resolving it.
func (s *AgentServer) handleClose(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	itemID, operator, note, errResult := s.overrideArgs(ctx, req)
	if errResult != nil {
		return errResult, nil
	}
	if err := s.deps.Overrides.CloseItem(ctx, itemID, operator, note); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("close failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"ok": true, "item_id": itemID, "operator": operator})
}

// handleAck acknowledges an escalation.
func (s *AgentServer) handleAck(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escalationID, err := req.RequireString("escalation_id")
	if err != nil {
		return mcp.NewToolResultError("escalation_id is required"), nil
	}
	operator, err := req.RequireString("operator")
	if err != nil {
		return mcp.NewToolResultError("operator is required"), nil
	}
	s.captureSession(ctx, operator)

	if ackErr := s.deps.Overrides.AcknowledgeEscalation(ctx, escalationID, operator); ackErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("acknowledge failed: %v", ackErr)), nil
	}
	return marshalResult(map[string]any{"ok": true, "escalation_id": escalationID, "operator": operator})
}

// handleScan runs a repository scan immediately.
func (s *AgentServer) handleScan(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	repo, err := req.RequireString("repo")
	if err != nil {
		return mcp.NewToolResultError("repo is required"), nil
	}
	if s.deps.Scans == nil {
		return mcp.NewToolResultError("scanner not running"), nil
	}
	if scanErr := s.deps.Scans.TriggerScan(ctx, repo); scanErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("scan failed: %v", scanErr)), nil
	}
	return marshalResult(map[string]any{"ok": true, "repo": repo})
}

// --- Internal helpers ---

// overrideArgs pulls the shared item_id/operator/note arguments and
// registers the operator's session for escalation pushes.
func (s *AgentServer) overrideArgs(ctx context.Context, req mcp.CallToolRequest) (itemID, operator, note string, errResult *mcp.CallToolResult) {
	itemID, err := req.RequireString("item_id")
	if err != nil {
		return "", "", "", mcp.NewToolResultError("item_id is required")
	}
	operator, err = req.RequireString("operator")
	if err != nil {
		return "", "", "", mcp.NewToolResultError("operator is required")
	}
	s.captureSession(ctx, operator)
	return itemID, operator, req.GetString("note", ""), nil
}

// captureSession maps the operator to its current MCP session for
// escalation pushes.
func (s *AgentServer) captureSession(ctx context.Context, operator string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(operator, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
