package panel

import (
	"net/http"
)

// handleForceRetry puts an item back on the fix track.
func (s *PanelServer) handleForceRetry(w http.ResponseWriter, r *http.Request) {
	itemID := r.PathValue("id")
	actor, note := actorNote(r)

	if err := s.deps.Overrides.ForceRetry(r.Context(), itemID, actor, note); err != nil {
		writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ok":      "true",
		"item_id": itemID,
		"actor":   actor,
	})
}

// handleForceResolve marks an item resolved on the operator's say-so.
func (s *PanelServer) handleForceResolve(w http.ResponseWriter, r *http.Request) {
	itemID := r.PathValue("id")
	actor, note := actorNote(r)

	if err := s.deps.Overrides.ForceResolve(r.Context(), itemID, actor, note); err != nil {
		writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ok":      "true",
		"item_id": itemID,
		"actor":   actor,
	})
}

// handleCloseItem closes an item without resolving it.
func (s *PanelServer) handleCloseItem(w http.ResponseWriter, r *http.Request) {
	itemID := r.PathValue("id")
	actor, note := actorNote(r)

	if err := s.deps.Overrides.CloseItem(r.Context(), itemID, actor, note); err != nil {
		writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ok":      "true",
		"item_id": itemID,
		"actor":   actor,
	})
}

// handleAckEscalation records that an operator saw an escalation.
func (s *PanelServer) handleAckEscalation(w http.ResponseWriter, r *http.Request) {
	escalationID := r.PathValue("id")
	actor, _ := actorNote(r)

	if err := s.deps.Overrides.AcknowledgeEscalation(r.Context(), escalationID, actor); err != nil {
		writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ok":            "true",
		"escalation_id": escalationID,
		"actor":         actor,
	})
}

// handleResolveEscalation resolves an escalation from the panel.
func (s *PanelServer) handleResolveEscalation(w http.ResponseWriter, r *http.Request) {
	escalationID := r.PathValue("id")
	actor, note := actorNote(r)

	if err := s.deps.Overrides.ResolveEscalation(r.Context(), escalationID, actor, note); err != nil {
		writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ok":            "true",
		"escalation_id": escalationID,
		"actor":         actor,
	})
}

// handleTriggerScan runs a repository's scan immediately.
func (s *PanelServer) handleTriggerScan(w http.ResponseWriter, r *http.Request) {
	repo := r.PathValue("owner") + "/" + r.PathValue("name")

	if s.deps.Scans == nil {
		writeError(w, http.StatusServiceUnavailable, "scanner not running")
		return
	}
	if err := s.deps.Scans.TriggerScan(r.Context(), repo); err != nil {
		writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"ok":   "true",
		"repo": repo,
	})
}
