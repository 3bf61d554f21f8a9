package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feddericovonwernich/pr-checks-agent/internal/engine"
	"github.com/feddericovonwernich/pr-checks-agent/internal/store"
	"github.com/feddericovonwernich/pr-checks-agent/pkg/schema"
)

// adminFake is an in-memory AdminStore. The FSM writes through the same
// SaveTransition, so overrides and transitions see one consistent state.
type adminFake struct {
	items       map[string]*store.WorkItem
	escalations map[string]*store.Escalation
	events      []*store.Event
}

func newAdminFake() *adminFake {
	return &adminFake{
		items:       make(map[string]*store.WorkItem),
		escalations: make(map[string]*store.Escalation),
	}
}

func (f *adminFake) GetItem(_ context.Context, id string) (*store.WorkItem, error) {
	item, ok := f.items[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "item %q not found", id)
	}
	cp := *item
	return &cp, nil
}

func (f *adminFake) CreateItem(_ context.Context, item *store.WorkItem) error {
	if _, ok := f.items[item.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "item %q exists", item.ID)
	}
	item.Version = 1
	item.CreatedAt = time.Now().UTC()
	cp := *item
	f.items[item.ID] = &cp
	return nil
}

func (f *adminFake) SaveTransition(_ context.Context, item *store.WorkItem, expectedVersion int64, delta *store.TransitionDelta) error {
	stored, ok := f.items[item.ID]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "item %q not found", item.ID)
	}
	if stored.Version != expectedVersion {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"version mismatch: have %d, want %d", stored.Version, expectedVersion)
	}
	item.Version++
	cp := *item
	f.items[item.ID] = &cp

	if delta == nil {
		return nil
	}
	if delta.NewEscalation != nil {
		rec := *delta.NewEscalation
		f.escalations[rec.ID] = &rec
	}
	if delta.EscalationUpdate != nil {
		f.applyEscalationUpdate(delta.EscalationID, delta.EscalationUpdate)
	}
	for _, ev := range delta.Events {
		cp := *ev
		cp.Timestamp = time.Now().UTC()
		f.events = append(f.events, &cp)
	}
	return nil
}

func (f *adminFake) applyEscalationUpdate(id string, update *store.EscalationUpdate) {
	rec, ok := f.escalations[id]
	if !ok {
		return
	}
	if update.Status != nil {
		rec.Status = *update.Status
	}
	if update.AcknowledgedBy != "" {
		rec.AcknowledgedBy = update.AcknowledgedBy
	}
	if update.AcknowledgedAt != nil {
		rec.AcknowledgedAt = update.AcknowledgedAt
	}
	if update.ResolvedAt != nil {
		rec.ResolvedAt = update.ResolvedAt
	}
	if update.ResolutionNote != "" {
		rec.ResolutionNote = update.ResolutionNote
	}
}

func (f *adminFake) GetEscalation(_ context.Context, id string) (*store.Escalation, error) {
	rec, ok := f.escalations[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "escalation %q not found", id)
	}
	cp := *rec
	return &cp, nil
}

func (f *adminFake) ActiveEscalationForItem(_ context.Context, itemID string) (*store.Escalation, error) {
	for _, rec := range f.escalations {
		if rec.ItemID == itemID && rec.Status.IsActive() {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no active escalation for %q", itemID)
}

func (f *adminFake) UpdateEscalation(_ context.Context, id string, update store.EscalationUpdate) error {
	if _, ok := f.escalations[id]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "escalation %q not found", id)
	}
	f.applyEscalationUpdate(id, &update)
	return nil
}

func (f *adminFake) AppendEvent(_ context.Context, event *store.Event) error {
	cp := *event
	cp.Timestamp = time.Now().UTC()
	f.events = append(f.events, &cp)
	return nil
}

func (f *adminFake) eventTypes(itemID string) []string {
	var types []string
	for _, ev := range f.events {
		if ev.ItemID == itemID {
			types = append(types, ev.Type)
		}
	}
	return types
}

type policyMap map[string]*schema.RepositoryPolicy

func (m policyMap) Get(repo string) (*schema.RepositoryPolicy, bool) {
	pol, ok := m[repo]
	return pol, ok
}

type adminHarness struct {
	admin *Admin
	store *adminFake
	woken int
}

func newAdminHarness(t *testing.T, policies policyMap) *adminHarness {
	t.Helper()
	h := &adminHarness{store: newAdminFake()}
	if policies == nil {
		policies = policyMap{"acme/api": {Owner: "acme", Name: "api"}}
	}
	h.admin = NewAdmin(AdminDeps{
		Store:    h.store,
		FSM:      engine.NewItemFSM(h.store),
		Policies: policies,
		Wake:     func() { h.woken++ },
	})
	return h
}

func (h *adminHarness) seedItem(t *testing.T, status schema.ItemStatus, mutate func(*store.WorkItem)) *store.WorkItem {
	t.Helper()
	item := &store.WorkItem{
		ID:        uuid.NewString(),
		Repo:      "acme/api",
		PRNumber:  42,
		Branch:    "main",
		CheckName: "unit-tests",
		CheckType: "tests",
		Priority:  5,
		Status:    status,
		Version:   1,
	}
	if mutate != nil {
		mutate(item)
	}
	cp := *item
	h.store.items[item.ID] = &cp
	return item
}

func (h *adminHarness) seedEscalation(t *testing.T, itemID string, status schema.EscalationStatus) *store.Escalation {
	t.Helper()
	rec := &store.Escalation{
		ID:          uuid.NewString(),
		ItemID:      itemID,
		Repo:        "acme/api",
		CheckName:   "unit-tests",
		Reason:      "retry budget exhausted",
		Status:      status,
		TriggeredAt: time.Now().UTC(),
	}
	cp := *rec
	h.store.escalations[rec.ID] = &cp
	return rec
}

func TestAdmin_ForceResolve_MidFlight(t *testing.T) {
	h := newAdminHarness(t, nil)
	item := h.seedItem(t, schema.StatusFixing, nil)

	require.NoError(t, h.admin.ForceResolve(context.Background(), item.ID, "alice", "fixed out of band"))

	got := h.store.items[item.ID]
	assert.Equal(t, schema.StatusResolved, got.Status)
	assert.NotNil(t, got.ClosedAt)
	assert.Greater(t, got.Version, int64(1))
	types := h.store.eventTypes(item.ID)
	assert.Contains(t, types, schema.EventOperatorOverride)
	assert.Contains(t, types, schema.EventItemResolved)
}

func TestAdmin_ForceResolve_FromEscalatingResolvesEscalation(t *testing.T) {
	h := newAdminHarness(t, nil)
	item := h.seedItem(t, schema.StatusEscalating, nil)
	rec := h.seedEscalation(t, item.ID, schema.EscalationNotified)

	require.NoError(t, h.admin.ForceResolve(context.Background(), item.ID, "alice", "done"))

	assert.Equal(t, schema.StatusResolved, h.store.items[item.ID].Status)
	got := h.store.escalations[rec.ID]
	assert.Equal(t, schema.EscalationResolved, got.Status)
	require.NotNil(t, got.ResolvedAt)
	assert.Equal(t, "done", got.ResolutionNote)
	assert.Contains(t, h.store.eventTypes(item.ID), schema.EventEscalationResolved)
}

func TestAdmin_ForceResolve_TerminalRejected(t *testing.T) {
	h := newAdminHarness(t, nil)
	item := h.seedItem(t, schema.StatusClosed, nil)

	err := h.admin.ForceResolve(context.Background(), item.ID, "alice", "")
	require.Error(t, err)
	var agentErr *schema.AgentError
	require.True(t, errors.As(err, &agentErr))
	assert.Equal(t, schema.ErrCodeInvalidTransition, agentErr.Code)
}

func TestAdmin_ForceRetry_UnblocksWithinBudget(t *testing.T) {
	h := newAdminHarness(t, nil)
	soon := time.Now().UTC().Add(time.Hour)
	item := h.seedItem(t, schema.StatusBlocked, func(i *store.WorkItem) {
		i.AttemptCount = 1
		i.ConsecutiveErrors = 3
		i.NextEligibleAt = &soon
	})

	require.NoError(t, h.admin.ForceRetry(context.Background(), item.ID, "bob", "flake cleared"))

	got := h.store.items[item.ID]
	assert.Equal(t, schema.StatusMonitoring, got.Status)
	assert.Zero(t, got.ConsecutiveErrors)
	assert.Nil(t, got.NextEligibleAt)
	assert.Contains(t, h.store.eventTypes(item.ID), schema.EventItemUnblocked)
	assert.Equal(t, 1, h.woken)
}

func TestAdmin_ForceRetry_SupersedesExhaustedItem(t *testing.T) {
	h := newAdminHarness(t, nil)
	item := h.seedItem(t, schema.StatusBlocked, func(i *store.WorkItem) {
		i.AttemptCount = 3 // default budget spent
	})

	require.NoError(t, h.admin.ForceRetry(context.Background(), item.ID, "bob", ""))

	old := h.store.items[item.ID]
	assert.Equal(t, schema.StatusClosed, old.Status)
	assert.Contains(t, h.store.eventTypes(item.ID), schema.EventItemSuperseded)

	var fresh *store.WorkItem
	for _, it := range h.store.items {
		if it.RetryOf == item.ID {
			fresh = it
		}
	}
	require.NotNil(t, fresh, "expected a fresh item linked via RetryOf")
	assert.Equal(t, schema.StatusMonitoring, fresh.Status)
	assert.Equal(t, item.CheckName, fresh.CheckName)
	assert.Equal(t, item.PRNumber, fresh.PRNumber)
	assert.Zero(t, fresh.AttemptCount)
}

func TestAdmin_ForceRetry_SupersedeResolvesEscalation(t *testing.T) {
	h := newAdminHarness(t, nil)
	item := h.seedItem(t, schema.StatusEscalating, func(i *store.WorkItem) {
		i.AttemptCount = 3
	})
	rec := h.seedEscalation(t, item.ID, schema.EscalationNotified)

	require.NoError(t, h.admin.ForceRetry(context.Background(), item.ID, "bob", ""))

	assert.Equal(t, schema.EscalationResolved, h.store.escalations[rec.ID].Status)
	assert.Equal(t, schema.StatusClosed, h.store.items[item.ID].Status)
}

func TestAdmin_ForceRetry_ExpeditesParkedItem(t *testing.T) {
	h := newAdminHarness(t, nil)
	later := time.Now().UTC().Add(30 * time.Minute)
	item := h.seedItem(t, schema.StatusRetryWait, func(i *store.WorkItem) {
		i.AttemptCount = 1
		i.NextEligibleAt = &later
	})

	require.NoError(t, h.admin.ForceRetry(context.Background(), item.ID, "bob", ""))

	got := h.store.items[item.ID]
	assert.Equal(t, schema.StatusRetryWait, got.Status)
	assert.Nil(t, got.NextEligibleAt)
	assert.Contains(t, h.store.eventTypes(item.ID), schema.EventOperatorOverride)
	assert.Equal(t, 1, h.woken)
}

func TestAdmin_ForceRetry_NoPolicy(t *testing.T) {
	h := newAdminHarness(t, policyMap{})
	item := h.seedItem(t, schema.StatusBlocked, nil)

	err := h.admin.ForceRetry(context.Background(), item.ID, "bob", "")
	require.Error(t, err)
	var agentErr *schema.AgentError
	require.True(t, errors.As(err, &agentErr))
	assert.Equal(t, schema.ErrCodeNotFound, agentErr.Code)
}

func TestAdmin_CloseItem(t *testing.T) {
	h := newAdminHarness(t, nil)
	item := h.seedItem(t, schema.StatusMonitoring, nil)
	rec := h.seedEscalation(t, item.ID, schema.EscalationPending)

	require.NoError(t, h.admin.CloseItem(context.Background(), item.ID, "carol", "PR abandoned"))

	assert.Equal(t, schema.StatusClosed, h.store.items[item.ID].Status)
	assert.Equal(t, schema.EscalationResolved, h.store.escalations[rec.ID].Status)
	types := h.store.eventTypes(item.ID)
	assert.Contains(t, types, schema.EventOperatorOverride)
	assert.Contains(t, types, schema.EventItemClosed)
}

func TestAdmin_AcknowledgeEscalation(t *testing.T) {
	h := newAdminHarness(t, nil)
	item := h.seedItem(t, schema.StatusEscalating, nil)
	rec := h.seedEscalation(t, item.ID, schema.EscalationNotified)

	require.NoError(t, h.admin.AcknowledgeEscalation(context.Background(), rec.ID, "carol"))

	got := h.store.escalations[rec.ID]
	assert.Equal(t, schema.EscalationAcknowledged, got.Status)
	assert.Equal(t, "carol", got.AcknowledgedBy)
	require.NotNil(t, got.AcknowledgedAt)
	// The item stays escalating; acknowledgement is not resolution.
	assert.Equal(t, schema.StatusEscalating, h.store.items[item.ID].Status)
}

func TestAdmin_AcknowledgeEscalation_AlreadyResolved(t *testing.T) {
	h := newAdminHarness(t, nil)
	item := h.seedItem(t, schema.StatusEscalating, nil)
	rec := h.seedEscalation(t, item.ID, schema.EscalationResolved)

	err := h.admin.AcknowledgeEscalation(context.Background(), rec.ID, "carol")
	require.Error(t, err)
	var agentErr *schema.AgentError
	require.True(t, errors.As(err, &agentErr))
	assert.Equal(t, schema.ErrCodeConflict, agentErr.Code)
}

func TestAdmin_ResolveEscalation_OpenItem(t *testing.T) {
	h := newAdminHarness(t, nil)
	item := h.seedItem(t, schema.StatusEscalating, nil)
	rec := h.seedEscalation(t, item.ID, schema.EscalationAcknowledged)

	require.NoError(t, h.admin.ResolveEscalation(context.Background(), rec.ID, "carol", "rolled back"))

	assert.Equal(t, schema.StatusResolved, h.store.items[item.ID].Status)
	got := h.store.escalations[rec.ID]
	assert.Equal(t, schema.EscalationResolved, got.Status)
	assert.Equal(t, "rolled back", got.ResolutionNote)
}

func TestAdmin_ResolveEscalation_TerminalItem(t *testing.T) {
	h := newAdminHarness(t, nil)
	now := time.Now().UTC()
	item := h.seedItem(t, schema.StatusClosed, func(i *store.WorkItem) {
		i.ClosedAt = &now
	})
	rec := h.seedEscalation(t, item.ID, schema.EscalationNotified)

	require.NoError(t, h.admin.ResolveEscalation(context.Background(), rec.ID, "carol", "stale"))

	// The item stays closed; only the escalation record changes.
	assert.Equal(t, schema.StatusClosed, h.store.items[item.ID].Status)
	assert.Equal(t, schema.EscalationResolved, h.store.escalations[rec.ID].Status)
	assert.Contains(t, h.store.eventTypes(item.ID), schema.EventEscalationResolved)
}

func TestAdmin_Apply_DispatchesByKind(t *testing.T) {
	h := newAdminHarness(t, nil)
	item := h.seedItem(t, schema.StatusFixing, nil)

	require.NoError(t, h.admin.Apply(context.Background(), schema.Override{
		Kind:   schema.OverrideForceResolve,
		ItemID: item.ID,
		Actor:  "alice",
	}))
	assert.Equal(t, schema.StatusResolved, h.store.items[item.ID].Status)

	err := h.admin.Apply(context.Background(), schema.Override{Kind: "shrug", ItemID: item.ID})
	require.Error(t, err)
	var agentErr *schema.AgentError
	require.True(t, errors.As(err, &agentErr))
	assert.Equal(t, schema.ErrCodeValidation, agentErr.Code)
}
