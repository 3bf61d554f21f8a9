package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feddericovonwernich/pr-checks-agent/internal/store"
	"github.com/feddericovonwernich/pr-checks-agent/pkg/schema"
)

// --- Mock store ---

type mockStore struct {
	items       []*store.WorkItem
	events      []*store.Event
	attempts    []*store.Attempt
	escalations []*store.Escalation
}

func (m *mockStore) GetItem(_ context.Context, id string) (*store.WorkItem, error) {
	for _, item := range m.items {
		if item.ID == id {
			return item, nil
		}
	}
	return nil, schema.NewError(schema.ErrCodeNotFound, "item not found")
}

func (m *mockStore) ListItems(_ context.Context, filter store.ItemFilter) ([]*store.WorkItem, error) {
	result := make([]*store.WorkItem, 0)
	for _, item := range m.items {
		if filter.Status != nil && item.Status != *filter.Status {
			continue
		}
		if filter.Repo != "" && item.Repo != filter.Repo {
			continue
		}
		result = append(result, item)
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *mockStore) CountByStatus(_ context.Context) ([]store.StatusCount, error) {
	counts := make(map[schema.ItemStatus]int)
	for _, item := range m.items {
		counts[item.Status]++
	}
	result := make([]store.StatusCount, 0, len(counts))
	for status, n := range counts {
		result = append(result, store.StatusCount{Status: status, Count: n})
	}
	return result, nil
}

func (m *mockStore) ListAttempts(_ context.Context, itemID string) ([]*store.Attempt, error) {
	result := make([]*store.Attempt, 0)
	for _, a := range m.attempts {
		if a.ItemID == itemID {
			result = append(result, a)
		}
	}
	return result, nil
}

func (m *mockStore) GetEvents(_ context.Context, itemID string, _ int64) ([]*store.Event, error) {
	result := make([]*store.Event, 0)
	for _, e := range m.events {
		if e.ItemID == itemID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (m *mockStore) ListEscalations(_ context.Context, filter store.EscalationFilter) ([]*store.Escalation, error) {
	result := make([]*store.Escalation, 0)
	for _, rec := range m.escalations {
		if filter.Status != nil && rec.Status != *filter.Status {
			continue
		}
		result = append(result, rec)
	}
	return result, nil
}

// --- Mock overrides ---

type mockOverrides struct {
	calls []string
	err   error
}

func (m *mockOverrides) record(call string) error {
	m.calls = append(m.calls, call)
	return m.err
}

func (m *mockOverrides) ForceRetry(_ context.Context, itemID, actor, _ string) error {
	return m.record("retry:" + itemID + ":" + actor)
}

func (m *mockOverrides) ForceResolve(_ context.Context, itemID, actor, _ string) error {
	return m.record("resolve:" + itemID + ":" + actor)
}

func (m *mockOverrides) CloseItem(_ context.Context, itemID, actor, _ string) error {
	return m.record("close:" + itemID + ":" + actor)
}

func (m *mockOverrides) AcknowledgeEscalation(_ context.Context, escalationID, actor string) error {
	return m.record("ack:" + escalationID + ":" + actor)
}

func (m *mockOverrides) ResolveEscalation(_ context.Context, escalationID, actor, _ string) error {
	return m.record("resolve-esc:" + escalationID + ":" + actor)
}

type mockScans struct {
	repos []string
	err   error
}

func (m *mockScans) TriggerScan(_ context.Context, repo string) error {
	m.repos = append(m.repos, repo)
	return m.err
}

// --- Helpers ---

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func resultJSON(t *testing.T, result *mcp.CallToolResult) map[string]any {
	t.Helper()
	require.NotNil(t, result)
	require.False(t, result.IsError)
	require.NotEmpty(t, result.Content)
	text, ok := mcp.AsTextContent(result.Content[0])
	require.True(t, ok)
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(text.Text), &out))
	return out
}

func newTestServer(ms *mockStore, ov *mockOverrides, scans *mockScans) *AgentServer {
	return NewAgentServer(AgentServerDeps{
		Store:     ms,
		Overrides: ov,
		Scans:     scans,
	})
}

// --- Tests ---

func TestItemsTool(t *testing.T) {
	ms := &mockStore{items: []*store.WorkItem{
		{ID: "a", Repo: "acme/api", Status: schema.StatusMonitoring},
		{ID: "b", Repo: "acme/api", Status: schema.StatusBlocked},
		{ID: "c", Repo: "acme/web", Status: schema.StatusBlocked},
	}}
	s := newTestServer(ms, &mockOverrides{}, &mockScans{})

	req := buildRequest("agent.items", map[string]any{"status": "blocked"})
	result, err := s.handleItems(context.Background(), req)
	require.NoError(t, err)

	out := resultJSON(t, result)
	assert.EqualValues(t, 2, out["count"])
}

func TestItemsTool_RepoFilter(t *testing.T) {
	ms := &mockStore{items: []*store.WorkItem{
		{ID: "a", Repo: "acme/api", Status: schema.StatusMonitoring},
		{ID: "c", Repo: "acme/web", Status: schema.StatusMonitoring},
	}}
	s := newTestServer(ms, &mockOverrides{}, &mockScans{})

	req := buildRequest("agent.items", map[string]any{"repo": "acme/web"})
	result, err := s.handleItems(context.Background(), req)
	require.NoError(t, err)

	out := resultJSON(t, result)
	assert.EqualValues(t, 1, out["count"])
}

func TestStatusTool(t *testing.T) {
	ms := &mockStore{items: []*store.WorkItem{
		{ID: "a", Repo: "acme/api", Status: schema.StatusFixing, AttemptCount: 2},
	}}
	s := newTestServer(ms, &mockOverrides{}, &mockScans{})

	req := buildRequest("agent.status", map[string]any{"item_id": "a"})
	result, err := s.handleStatus(context.Background(), req)
	require.NoError(t, err)

	out := resultJSON(t, result)
	assert.Equal(t, "fixing", out["status"])
	assert.EqualValues(t, 2, out["attempt_count"])
}

func TestStatusTool_NotFound(t *testing.T) {
	s := newTestServer(&mockStore{}, &mockOverrides{}, &mockScans{})

	req := buildRequest("agent.status", map[string]any{"item_id": "ghost"})
	result, err := s.handleStatus(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestStatusTool_MissingArg(t *testing.T) {
	s := newTestServer(&mockStore{}, &mockOverrides{}, &mockScans{})

	result, err := s.handleStatus(context.Background(), buildRequest("agent.status", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHistoryTool(t *testing.T) {
	ms := &mockStore{
		items: []*store.WorkItem{{ID: "a", Status: schema.StatusFixing}},
		events: []*store.Event{
			{ItemID: "a", Type: schema.EventMonitoringStarted, Sequence: 1},
			{ItemID: "a", Type: schema.EventFixStarted, Sequence: 2},
			{ItemID: "other", Type: schema.EventItemClosed, Sequence: 1},
		},
		attempts: []*store.Attempt{{ID: "at1", ItemID: "a", Number: 1}},
	}
	s := newTestServer(ms, &mockOverrides{}, &mockScans{})

	req := buildRequest("agent.history", map[string]any{"item_id": "a"})
	result, err := s.handleHistory(context.Background(), req)
	require.NoError(t, err)

	out := resultJSON(t, result)
	assert.Len(t, out["events"], 2)
	assert.Len(t, out["attempts"], 1)
}

func TestStatsTool(t *testing.T) {
	ms := &mockStore{items: []*store.WorkItem{
		{ID: "a", Status: schema.StatusMonitoring},
		{ID: "b", Status: schema.StatusMonitoring},
		{ID: "c", Status: schema.StatusBlocked},
	}}
	s := newTestServer(ms, &mockOverrides{}, &mockScans{})

	result, err := s.handleStats(context.Background(), buildRequest("agent.stats", nil))
	require.NoError(t, err)

	out := resultJSON(t, result)
	byStatus := out["items_by_status"].(map[string]any)
	assert.EqualValues(t, 2, byStatus["monitoring"])
	assert.EqualValues(t, 1, byStatus["blocked"])
}

func TestEscalationsTool(t *testing.T) {
	ms := &mockStore{escalations: []*store.Escalation{
		{ID: "e1", Status: schema.EscalationNotified},
		{ID: "e2", Status: schema.EscalationResolved},
	}}
	s := newTestServer(ms, &mockOverrides{}, &mockScans{})

	req := buildRequest("agent.escalations", map[string]any{"status": "notified"})
	result, err := s.handleEscalations(context.Background(), req)
	require.NoError(t, err)

	out := resultJSON(t, result)
	assert.EqualValues(t, 1, out["count"])
}

func TestForceRetryTool(t *testing.T) {
	ov := &mockOverrides{}
	s := newTestServer(&mockStore{}, ov, &mockScans{})

	req := buildRequest("agent.force_retry", map[string]any{
		"item_id":  "a",
		"operator": "alice",
		"note":     "flake cleared",
	})
	result, err := s.handleForceRetry(context.Background(), req)
	require.NoError(t, err)

	out := resultJSON(t, result)
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, []string{"retry:a:alice"}, ov.calls)
}

func TestForceRetryTool_MissingOperator(t *testing.T) {
	ov := &mockOverrides{}
	s := newTestServer(&mockStore{}, ov, &mockScans{})

	req := buildRequest("agent.force_retry", map[string]any{"item_id": "a"})
	result, err := s.handleForceRetry(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Empty(t, ov.calls)
}

func TestForceResolveTool_PropagatesError(t *testing.T) {
	ov := &mockOverrides{err: schema.NewError(schema.ErrCodeInvalidTransition, "item is already closed")}
	s := newTestServer(&mockStore{}, ov, &mockScans{})

	req := buildRequest("agent.force_resolve", map[string]any{
		"item_id":  "a",
		"operator": "alice",
	})
	result, err := s.handleForceResolve(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestCloseTool(t *testing.T) {
	ov := &mockOverrides{}
	s := newTestServer(&mockStore{}, ov, &mockScans{})

	req := buildRequest("agent.close", map[string]any{
		"item_id":  "a",
		"operator": "bob",
	})
	result, err := s.handleClose(context.Background(), req)
	require.NoError(t, err)

	resultJSON(t, result)
	assert.Equal(t, []string{"close:a:bob"}, ov.calls)
}

func TestAckTool(t *testing.T) {
	ov := &mockOverrides{}
	s := newTestServer(&mockStore{}, ov, &mockScans{})

	req := buildRequest("agent.ack", map[string]any{
		"escalation_id": "e1",
		"operator":      "carol",
	})
	result, err := s.handleAck(context.Background(), req)
	require.NoError(t, err)

	resultJSON(t, result)
	assert.Equal(t, []string{"ack:e1:carol"}, ov.calls)
}

func TestScanTool(t *testing.T) {
	scans := &mockScans{}
	s := newTestServer(&mockStore{}, &mockOverrides{}, scans)

	req := buildRequest("agent.scan", map[string]any{"repo": "acme/api"})
	result, err := s.handleScan(context.Background(), req)
	require.NoError(t, err)

	resultJSON(t, result)
	assert.Equal(t, []string{"acme/api"}, scans.repos)
}

func TestScanTool_Error(t *testing.T) {
	scans := &mockScans{err: schema.NewError(schema.ErrCodeConflict, "scan already running")}
	s := newTestServer(&mockStore{}, &mockOverrides{}, scans)

	req := buildRequest("agent.scan", map[string]any{"repo": "acme/api"})
	result, err := s.handleScan(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}
