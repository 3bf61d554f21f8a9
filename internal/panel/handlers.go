package panel

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/feddericovonwernich/pr-checks-agent/internal/store"
	"github.com/feddericovonwernich/pr-checks-agent/pkg/schema"
)

// handleStats returns the runtime counters plus per-status item counts,
// scan jobs, and collaborator plugin health.
func (s *PanelServer) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	stats := map[string]any{}
	if s.deps.Stats != nil {
		stats = s.deps.Stats.Stats()
	}

	counts, err := s.deps.Store.CountByStatus(ctx)
	if err != nil {
		writeAgentError(w, err)
		return
	}
	byStatus := make(map[string]int, len(counts))
	for _, c := range counts {
		byStatus[string(c.Status)] = c.Count
	}
	stats["items_by_status"] = byStatus

	jobs, err := s.deps.Store.ListScanJobs(ctx, nil)
	if err != nil {
		writeAgentError(w, err)
		return
	}
	stats["scan_jobs"] = len(jobs)

	if s.deps.Plugins != nil {
		stats["plugins"] = s.deps.Plugins.Status()
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleListItems lists work items. Query params: status, repo, pr,
// since (RFC3339), limit, offset, and filter (a jq expression applied
// per item; items where it yields true are kept).
func (s *PanelServer) handleListItems(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	filter := store.ItemFilter{
		Repo:     q.Get("repo"),
		PRNumber: queryInt(r, "pr", 0),
		Limit:    queryInt(r, "limit", 100),
		Offset:   queryInt(r, "offset", 0),
	}
	if v := q.Get("status"); v != "" {
		status := schema.ItemStatus(v)
		filter.Status = &status
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since timestamp")
			return
		}
		filter.Since = &t
	}

	items, err := s.deps.Store.ListItems(ctx, filter)
	if err != nil {
		writeAgentError(w, err)
		return
	}

	if expr := q.Get("filter"); expr != "" {
		items, err = s.filterItems(ctx, expr, items)
		if err != nil {
			writeAgentError(w, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"count": len(items),
	})
}

// filterItems keeps the items for which the jq expression yields true.
func (s *PanelServer) filterItems(ctx context.Context, expr string, items []*store.WorkItem) ([]*store.WorkItem, error) {
	kept := make([]*store.WorkItem, 0, len(items))
	for _, item := range items {
		raw, err := json.Marshal(item)
		if err != nil {
			return nil, err
		}
		var data map[string]any
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, err
		}
		result, err := s.jq.Evaluate(ctx, expr, data)
		if err != nil {
			return nil, err
		}
		if match, ok := result.(bool); ok && match {
			kept = append(kept, item)
		}
	}
	return kept, nil
}

func (s *PanelServer) handleGetItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.deps.Store.GetItem(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// handleItemHistory returns the item's full audit trail: the event log
// and the attempt records.
func (s *PanelServer) handleItemHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	itemID := r.PathValue("id")

	item, err := s.deps.Store.GetItem(ctx, itemID)
	if err != nil {
		writeAgentError(w, err)
		return
	}
	events, err := s.deps.Store.GetEvents(ctx, itemID, 0)
	if err != nil {
		writeAgentError(w, err)
		return
	}
	attempts, err := s.deps.Store.ListAttempts(ctx, itemID)
	if err != nil {
		writeAgentError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"item":     item,
		"events":   events,
		"attempts": attempts,
	})
}

// handleListEscalations lists escalations. Query params: status, repo,
// item, limit.
func (s *PanelServer) handleListEscalations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.EscalationFilter{
		Repo:   q.Get("repo"),
		ItemID: q.Get("item"),
		Limit:  queryInt(r, "limit", 100),
	}
	if v := q.Get("status"); v != "" {
		status := schema.EscalationStatus(v)
		filter.Status = &status
	}

	escalations, err := s.deps.Store.ListEscalations(r.Context(), filter)
	if err != nil {
		writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"escalations": escalations,
		"count":       len(escalations),
	})
}

func (s *PanelServer) handleListScans(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.deps.Store.ListScanJobs(r.Context(), nil)
	if err != nil {
		writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"scan_jobs": jobs,
		"count":     len(jobs),
	})
}
