// Package panel serves the operator HTTP surface: read-only JSON views
// over items, escalations and scan jobs, override mutations, and an SSE
// stream of live events.
package panel

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/feddericovonwernich/pr-checks-agent/internal/expressions"
	"github.com/feddericovonwernich/pr-checks-agent/internal/plugins"
	"github.com/feddericovonwernich/pr-checks-agent/internal/store"
	"github.com/feddericovonwernich/pr-checks-agent/internal/streaming"
)

// PanelStore is the read slice of the store the panel queries.
type PanelStore interface {
	GetItem(ctx context.Context, id string) (*store.WorkItem, error)
	ListItems(ctx context.Context, filter store.ItemFilter) ([]*store.WorkItem, error)
	CountByStatus(ctx context.Context) ([]store.StatusCount, error)
	ListAttempts(ctx context.Context, itemID string) ([]*store.Attempt, error)
	GetEvents(ctx context.Context, itemID string, since int64) ([]*store.Event, error)
	ListEscalations(ctx context.Context, filter store.EscalationFilter) ([]*store.Escalation, error)
	ListScanJobs(ctx context.Context, enabled *bool) ([]*store.ScanJob, error)
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

// PluginSource reports collaborator subprocess health. Satisfied by the
// plugin manager.
type PluginSource interface {
	Status() map[string]plugins.PluginStatus
}

// PanelDeps holds the dependencies for the panel server. Hub, Plugins
// and Stats may be nil; the affected endpoints degrade gracefully.
type PanelDeps struct {
	Store     PanelStore
	Overrides Overrides
	Stats     StatsSource
	Scans     ScanTrigger
	Plugins   PluginSource
	Hub       streaming.EventHub
	Logger    *slog.Logger
}

// PanelServer serves the operator API.
type PanelServer struct {
	deps PanelDeps
	jq   *expressions.GoJQEngine
}

// NewPanelServer creates a new PanelServer.
func NewPanelServer(deps PanelDeps) *PanelServer {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &PanelServer{
		deps: deps,
		jq:   expressions.NewGoJQEngine(),
	}
}

// Handler returns the HTTP handler for the panel routes.
func (s *PanelServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)

	// Read views.
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/items", s.handleListItems)
	mux.HandleFunc("GET /api/items/{id}", s.handleGetItem)
	mux.HandleFunc("GET /api/items/{id}/history", s.handleItemHistory)
	mux.HandleFunc("GET /api/escalations", s.handleListEscalations)
	mux.HandleFunc("GET /api/scans", s.handleListScans)

	// Overrides.
	mux.HandleFunc("POST /api/items/{id}/retry", s.handleForceRetry)
	mux.HandleFunc("POST /api/items/{id}/resolve", s.handleForceResolve)
	mux.HandleFunc("POST /api/items/{id}/close", s.handleCloseItem)
	mux.HandleFunc("POST /api/escalations/{id}/ack", s.handleAckEscalation)
	mux.HandleFunc("POST /api/escalations/{id}/resolve", s.handleResolveEscalation)
	mux.HandleFunc("POST /api/scans/{owner}/{name}/trigger", s.handleTriggerScan)

	// SSE streams.
	mux.HandleFunc("GET /sse/events", s.handleSSEGlobal)
	mux.HandleFunc("GET /sse/items/{id}", s.handleSSEItem)

	return mux
}

func (s *PanelServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
