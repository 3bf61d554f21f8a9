// Package mcp exposes the agent to MCP clients: an operator (human or
// LLM) connects over stdio or SSE and inspects items, reads history,
// and applies the same overrides the HTTP panel offers.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/feddericovonwernich/pr-checks-agent/internal/store"
	"github.com/feddericovonwernich/pr-checks-agent/internal/streaming"
)

// ReadStore is the read slice of the store the tools query.
type ReadStore interface {
	GetItem(ctx context.Context, id string) (*store.WorkItem, error)
	ListItems(ctx context.Context, filter store.ItemFilter) ([]*store.WorkItem, error)
	CountByStatus(ctx context.Context) ([]store.StatusCount, error)
	ListAttempts(ctx context.Context, itemID string) ([]*store.Attempt, error)
	GetEvents(ctx context.Context, itemID string, since int64) ([]*store.Event, error)
	ListEscalations(ctx context.Context, filter store.EscalationFilter) ([]*store.Escalation, error)
}

// Overrides applies operator commands. Satisfied by the agent's Admin.
type Overrides interface {
	ForceRetry(ctx context.Context, itemID, actor, note string) error
	ForceResolve(ctx context.Context, itemID, actor, note string) error
	CloseItem(ctx context.Context, itemID, actor, note string) error
	AcknowledgeEscalation(ctx context.Context, escalationID, actor string) error
	ResolveEscalation(ctx context.Context, escalationID, actor, note string) error
}

// StatsSource snapshots runtime counters. Satisfied by the agent.
type StatsSource interface {
	Stats() map[string]any
}

// ScanTrigger runs a repository scan on demand. Satisfied by the scanner.
type ScanTrigger interface {
	TriggerScan(ctx context.Context, repo string) error
}

// AgentServerDeps holds the dependencies for creating an AgentServer.
// Hub and Stats may be nil.
type AgentServerDeps struct {
	Store     ReadStore
	Overrides Overrides
	Stats     StatsSource
	Scans     ScanTrigger
	Hub       streaming.EventHub
	Logger    *slog.Logger
}

// AgentServer wraps an MCP server with the operator tool handlers.
type AgentServer struct {
	deps      AgentServerDeps
	sessions  *SessionRegistry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewAgentServer creates a new AgentServer with all tools registered.
func NewAgentServer(deps AgentServerDeps) *AgentServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &AgentServer{
		deps:     deps,
		sessions: NewSessionRegistry(),
		logger:   logger,
	}

	mcpSrv := server.NewMCPServer(
		"pr-checks-agent",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("pr-checks-agent watches pull-request checks and drives automated fixes. Use agent.items to list work items, agent.status and agent.history to inspect one, agent.stats for runtime counters, agent.escalations for open escalations, and agent.force_retry / agent.force_resolve / agent.close / agent.ack to intervene. agent.scan runs a repository scan immediately."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes.
func (s *AgentServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom
// transports.
func (s *AgentServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *AgentServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: itemsTool(), Handler: s.handleItems},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: historyTool(), Handler: s.handleHistory},
		{Tool: statsTool(), Handler: s.handleStats},
		{Tool: escalationsTool(), Handler: s.handleEscalations},
		{Tool: forceRetryTool(), Handler: s.handleForceRetry},
		{Tool: forceResolveTool(), Handler: s.handleForceResolve},
		{Tool: closeTool(), Handler: s.handleClose},
		{Tool: ackTool(), Handler: s.handleAck},
		{Tool: scanTool(), Handler: s.handleScan},
	}
}

// --- Tool definitions ---

func itemsTool() mcp.Tool {
	return mcp.NewTool("agent.items",
		mcp.WithDescription("List work items, newest first"),
		mcp.WithString("status", mcp.Description("Filter by lifecycle status (scanning, monitoring, analyzing, fixing, retry_wait, escalating, succeeded, blocked, resolved, closed)")),
		mcp.WithString("repo", mcp.Description("Filter by repository (owner/name)")),
		mcp.WithNumber("limit", mcp.Description("Maximum items to return (default: 50)")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("agent.status",
		mcp.WithDescription("Get one work item's current state"),
		mcp.WithString("item_id", mcp.Required(), mcp.Description("ID of the work item")),
	)
}

func historyTool() mcp.Tool {
	return mcp.NewTool("agent.history",
		mcp.WithDescription("Get a work item's full audit trail: the event log and fix attempts"),
		mcp.WithString("item_id", mcp.Required(), mcp.Description("ID of the work item")),
	)
}

func statsTool() mcp.Tool {
	return mcp.NewTool("agent.stats",
		mcp.WithDescription("Get runtime counters: per-status item counts, daily fix budget, rate limits, breaker states"),
	)
}

func escalationsTool() mcp.Tool {
	return mcp.NewTool("agent.escalations",
		mcp.WithDescription("List escalations"),
		mcp.WithString("status", mcp.Description("Filter by status (pending, suppressed, notified, acknowledged, resolved)")),
		mcp.WithString("repo", mcp.Description("Filter by repository (owner/name)")),
		mcp.WithNumber("limit", mcp.Description("Maximum records to return (default: 50)")),
	)
}

func forceRetryTool() mcp.Tool {
	return mcp.NewTool("agent.force_retry",
		mcp.WithDescription("Put a work item back on the fix track: unblock it, supersede an exhausted one, or clear a backoff timer"),
		mcp.WithString("item_id", mcp.Required(), mcp.Description("ID of the work item")),
		mcp.WithString("operator", mcp.Required(), mcp.Description("Name of the operator issuing the override")),
		mcp.WithString("note", mcp.Description("Reason, recorded in the audit log")),
	)
}

func forceResolveTool() mcp.Tool {
	return mcp.NewTool("agent.force_resolve",
		mcp.WithDescription("Mark a work item resolved regardless of its current state"),
		mcp.WithString("item_id", mcp.Required(), mcp.Description("ID of the work item")),
		mcp.WithString("operator", mcp.Required(), mcp.Description("Name of the operator issuing the override")),
		mcp.WithString("note", mcp.Description("Reason, recorded in the audit log")),
	)
}

func closeTool() mcp.Tool {
	return mcp.NewTool("agent.close",
		mcp.WithDescription("Close a work item without resolving it (PR abandoned, check removed)"),
		mcp.WithString("item_id", mcp.Required(), mcp.Description("ID of the work item")),
		mcp.WithString("operator", mcp.Required(), mcp.Description("Name of the operator issuing the override")),
		mcp.WithString("note", mcp.Description("Reason, recorded in the audit log")),
	)
}

func ackTool() mcp.Tool {
	return mcp.NewTool("agent.ack",
		mcp.WithDescription("Acknowledge an escalation without resolving it"),
		mcp.WithString("escalation_id", mcp.Required(), mcp.Description("ID of the escalation")),
		mcp.WithString("operator", mcp.Required(), mcp.Description("Name of the acknowledging operator")),
	)
}

func scanTool() mcp.Tool {
	return mcp.NewTool("agent.scan",
		mcp.WithDescription("Run a repository's scan immediately, outside its schedule"),
		mcp.WithString("repo", mcp.Required(), mcp.Description("Repository to scan (owner/name)")),
	)
}
