package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/feddericovonwernich/pr-checks-agent/internal/engine"
	"github.com/feddericovonwernich/pr-checks-agent/internal/store"
	"github.com/feddericovonwernich/pr-checks-agent/pkg/schema"
)

// AdminStore is the slice of the store the overrides touch.
type AdminStore interface {
	GetItem(ctx context.Context, id string) (*store.WorkItem, error)
	CreateItem(ctx context.Context, item *store.WorkItem) error
	SaveTransition(ctx context.Context, item *store.WorkItem, expectedVersion int64, delta *store.TransitionDelta) error
	GetEscalation(ctx context.Context, id string) (*store.Escalation, error)
	ActiveEscalationForItem(ctx context.Context, itemID string) (*store.Escalation, error)
	UpdateEscalation(ctx context.Context, id string, update store.EscalationUpdate) error
	AppendEvent(ctx context.Context, event *store.Event) error
}

// PolicySource resolves the policy for a repo key.
type PolicySource interface {
	Get(repo string) (*schema.RepositoryPolicy, bool)
}

// AdminDeps bundles what the override handlers need. Wake may be nil
// when no dispatcher is listening.
type AdminDeps struct {
	Store    AdminStore
	FSM      *engine.ItemFSM
	Policies PolicySource
	Wake     func()
	Logger   *slog.Logger
}

// Admin applies operator overrides to work items and escalations. Every
// override appends an audit event carrying the operator as actor, so the
// item history distinguishes human intervention from agent activity.
type Admin struct {
	deps AdminDeps
}

// NewAdmin builds the override handler set.
func NewAdmin(deps AdminDeps) *Admin {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Admin{deps: deps}
}

// Apply dispatches an override by kind.
func (a *Admin) Apply(ctx context.Context, ov schema.Override) error {
	switch ov.Kind {
	case schema.OverrideForceRetry:
		return a.ForceRetry(ctx, ov.ItemID, ov.Actor, ov.Note)
	case schema.OverrideForceResolve:
		return a.ForceResolve(ctx, ov.ItemID, ov.Actor, ov.Note)
	case schema.OverrideClose:
		return a.CloseItem(ctx, ov.ItemID, ov.Actor, ov.Note)
	case schema.OverrideAcknowledge:
		return a.AcknowledgeEscalation(ctx, ov.ItemID, ov.Actor)
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown override kind %q", ov.Kind)
	}
}

// ForceResolve marks an item resolved regardless of where it sits in the
// lifecycle, resolving any active escalation in the same write. States
// with no resolved edge in the transition table (an operator confirming
// a fix landed out of band mid-flight) are moved directly.
func (a *Admin) ForceResolve(ctx context.Context, itemID, actor, note string) error {
	item, err := a.deps.Store.GetItem(ctx, itemID)
	if err != nil {
		return err
	}
	if item.Status.IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"item is already %s", item.Status).WithItem(item.ID)
	}

	delta := &store.TransitionDelta{
		Events: []*store.Event{overrideEvent(item.ID, actor, schema.OverrideForceResolve, note)},
	}
	if err := a.attachEscalationResolution(ctx, item.ID, actor, note, delta); err != nil {
		return err
	}

	if engine.CanTransition(item.Status, schema.StatusResolved) {
		if err := a.deps.FSM.Transition(ctx, item, schema.StatusResolved, delta); err != nil {
			return err
		}
	} else if err := a.moveDirect(ctx, item, schema.StatusResolved, delta); err != nil {
		return err
	}

	a.deps.Logger.Info("item force-resolved",
		slog.String("item_id", item.ID), slog.String("actor", actor))
	return nil
}

// ForceRetry puts an item back on the fix track. Blocked items with
// attempt budget left are unblocked in place; exhausted or escalating
// items are superseded by a fresh item carrying the same coordinates;
// parked dispatchable items just lose their backoff timer.
func (a *Admin) ForceRetry(ctx context.Context, itemID, actor, note string) error {
	item, err := a.deps.Store.GetItem(ctx, itemID)
	if err != nil {
		return err
	}
	if item.Status.IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"item is already %s", item.Status).WithItem(item.ID)
	}
	pol, ok := a.deps.Policies.Get(item.Repo)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound,
			"no policy for repository %q", item.Repo).WithItem(item.ID)
	}

	ov := overrideEvent(item.ID, actor, schema.OverrideForceRetry, note)

	switch {
	case item.Status == schema.StatusBlocked && item.AttemptCount < pol.RetryPolicy().MaxAttempts:
		item.ConsecutiveErrors = 0
		item.NextEligibleAt = nil
		item.LastError = nil
		delta := &store.TransitionDelta{Events: []*store.Event{
			ov,
			{ItemID: item.ID, Type: schema.EventItemUnblocked, Actor: actor},
		}}
		if err := a.deps.FSM.Transition(ctx, item, schema.StatusMonitoring, delta); err != nil {
			return err
		}
		a.deps.Logger.Info("item unblocked",
			slog.String("item_id", item.ID), slog.String("actor", actor))

	case item.Status == schema.StatusBlocked || item.Status == schema.StatusEscalating:
		fresh, err := a.supersede(ctx, item, actor, ov)
		if err != nil {
			return err
		}
		a.deps.Logger.Info("item superseded",
			slog.String("item_id", item.ID),
			slog.String("superseded_by", fresh.ID),
			slog.String("actor", actor))

	default:
		// Already dispatchable; clear the backoff so the next poll picks
		// it up immediately.
		item.NextEligibleAt = nil
		delta := &store.TransitionDelta{Events: []*store.Event{ov}}
		if err := a.deps.Store.SaveTransition(ctx, item, item.Version, delta); err != nil {
			return err
		}
		a.deps.Logger.Info("item retry expedited",
			slog.String("item_id", item.ID), slog.String("actor", actor))
	}

	a.wake()
	return nil
}

// supersede closes the exhausted item and creates a fresh one with the
// same coordinates and a zeroed attempt counter, linked via RetryOf.
func (a *Admin) supersede(ctx context.Context, item *store.WorkItem, actor string, ov *store.Event) (*store.WorkItem, error) {
	fresh := &store.WorkItem{
		ID:        uuid.NewString(),
		Repo:      item.Repo,
		PRNumber:  item.PRNumber,
		PRTitle:   item.PRTitle,
		Branch:    item.Branch,
		CheckName: item.CheckName,
		CheckType: item.CheckType,
		Priority:  item.Priority,
		Status:    schema.StatusScanning,
		Failure:   item.Failure,
		RetryOf:   item.ID,
	}

	payload, _ := json.Marshal(map[string]any{"superseded_by": fresh.ID})
	delta := &store.TransitionDelta{Events: []*store.Event{
		ov,
		{ItemID: item.ID, Type: schema.EventItemSuperseded, Payload: payload, Actor: actor},
	}}
	if err := a.attachEscalationResolution(ctx, item.ID, actor, "superseded by operator retry", delta); err != nil {
		return nil, err
	}
	if err := a.deps.FSM.Close(ctx, item, delta); err != nil {
		return nil, err
	}

	if err := a.deps.Store.CreateItem(ctx, fresh); err != nil {
		return nil, err
	}
	if err := a.deps.FSM.Transition(ctx, fresh, schema.StatusMonitoring, nil); err != nil {
		return nil, err
	}
	return fresh, nil
}

// CloseItem closes an item without resolving it, recording the operator
// and resolving any active escalation as moot.
func (a *Admin) CloseItem(ctx context.Context, itemID, actor, note string) error {
	item, err := a.deps.Store.GetItem(ctx, itemID)
	if err != nil {
		return err
	}
	if item.Status.IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"item is already %s", item.Status).WithItem(item.ID)
	}

	delta := &store.TransitionDelta{
		Events: []*store.Event{overrideEvent(item.ID, actor, schema.OverrideClose, note)},
	}
	if err := a.attachEscalationResolution(ctx, item.ID, actor, note, delta); err != nil {
		return err
	}
	if err := a.deps.FSM.Close(ctx, item, delta); err != nil {
		return err
	}
	a.deps.Logger.Info("item closed by operator",
		slog.String("item_id", item.ID), slog.String("actor", actor))
	return nil
}

// AcknowledgeEscalation records that an operator has seen an escalation
// without resolving it.
func (a *Admin) AcknowledgeEscalation(ctx context.Context, escalationID, actor string) error {
	rec, err := a.deps.Store.GetEscalation(ctx, escalationID)
	if err != nil {
		return err
	}
	if !rec.Status.IsActive() {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"escalation %s is already resolved", rec.ID)
	}

	now := time.Now().UTC()
	status := schema.EscalationAcknowledged
	update := store.EscalationUpdate{
		Status:         &status,
		AcknowledgedBy: actor,
		AcknowledgedAt: &now,
	}
	payload, _ := json.Marshal(map[string]any{
		"escalation_id":   rec.ID,
		"acknowledged_by": actor,
	})
	ev := &store.Event{
		ItemID:  rec.ItemID,
		Type:    schema.EventEscalationAcknowledged,
		Payload: payload,
		Actor:   actor,
	}

	item, err := a.deps.Store.GetItem(ctx, rec.ItemID)
	if err != nil {
		return err
	}
	if item.Status.IsTerminal() {
		if err := a.deps.Store.UpdateEscalation(ctx, rec.ID, update); err != nil {
			return err
		}
		return a.deps.Store.AppendEvent(ctx, ev)
	}
	delta := &store.TransitionDelta{
		EscalationID:     rec.ID,
		EscalationUpdate: &update,
		Events:           []*store.Event{ev},
	}
	return a.deps.Store.SaveTransition(ctx, item, item.Version, delta)
}

// ResolveEscalation resolves an escalation from the operator surface,
// transitioning the item to Resolved when it is still open.
func (a *Admin) ResolveEscalation(ctx context.Context, escalationID, actor, note string) error {
	rec, err := a.deps.Store.GetEscalation(ctx, escalationID)
	if err != nil {
		return err
	}
	if !rec.Status.IsActive() {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"escalation %s is already resolved", rec.ID)
	}
	item, err := a.deps.Store.GetItem(ctx, rec.ItemID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	status := schema.EscalationResolved
	update := store.EscalationUpdate{
		Status:         &status,
		ResolvedAt:     &now,
		ResolutionNote: note,
	}
	payload, _ := json.Marshal(map[string]any{
		"escalation_id": rec.ID,
		"resolved_by":   actor,
		"note":          note,
	})
	ev := &store.Event{
		ItemID:  rec.ItemID,
		Type:    schema.EventEscalationResolved,
		Payload: payload,
		Actor:   actor,
	}

	if item.Status.IsTerminal() {
		if err := a.deps.Store.UpdateEscalation(ctx, rec.ID, update); err != nil {
			return err
		}
		return a.deps.Store.AppendEvent(ctx, ev)
	}
	delta := &store.TransitionDelta{
		EscalationID:     rec.ID,
		EscalationUpdate: &update,
		Events:           []*store.Event{ev},
	}
	if err := a.deps.FSM.Transition(ctx, item, schema.StatusResolved, delta); err != nil {
		return err
	}
	a.deps.Logger.Info("escalation resolved by operator",
		slog.String("escalation_id", rec.ID),
		slog.String("item_id", item.ID),
		slog.String("actor", actor))
	return nil
}

// attachEscalationResolution folds the resolution of the item's active
// escalation, if any, into the delta.
func (a *Admin) attachEscalationResolution(ctx context.Context, itemID, actor, note string, delta *store.TransitionDelta) error {
	rec, err := a.deps.Store.ActiveEscalationForItem(ctx, itemID)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return err
	}
	now := time.Now().UTC()
	status := schema.EscalationResolved
	delta.EscalationID = rec.ID
	delta.EscalationUpdate = &store.EscalationUpdate{
		Status:         &status,
		ResolvedAt:     &now,
		ResolutionNote: note,
	}
	payload, _ := json.Marshal(map[string]any{
		"escalation_id": rec.ID,
		"resolved_by":   actor,
		"note":          note,
	})
	delta.Events = append(delta.Events, &store.Event{
		ItemID:  itemID,
		Type:    schema.EventEscalationResolved,
		Payload: payload,
		Actor:   actor,
	})
	return nil
}

// moveDirect writes a transition the table does not model. Reserved for
// operator overrides; the audit event trail carries the actor.
func (a *Admin) moveDirect(ctx context.Context, item *store.WorkItem, to schema.ItemStatus, delta *store.TransitionDelta) error {
	if delta == nil {
		delta = &store.TransitionDelta{}
	}
	eventType := schema.EventItemClosed
	if to == schema.StatusResolved {
		eventType = schema.EventItemResolved
	}
	hasEvent := false
	for _, e := range delta.Events {
		if e.Type == eventType {
			hasEvent = true
			break
		}
	}
	if !hasEvent {
		delta.Events = append(delta.Events, &store.Event{ItemID: item.ID, Type: eventType})
	}

	now := time.Now().UTC()
	from := item.Status
	prevTransition, prevClosed := item.LastTransitionAt, item.ClosedAt
	item.Status = to
	item.LastTransitionAt = now
	if to.IsTerminal() {
		item.ClosedAt = &now
	}
	if err := a.deps.Store.SaveTransition(ctx, item, item.Version, delta); err != nil {
		item.Status = from
		item.LastTransitionAt = prevTransition
		item.ClosedAt = prevClosed
		return err
	}
	return nil
}

func (a *Admin) wake() {
	if a.deps.Wake != nil {
		a.deps.Wake()
	}
}

func isNotFound(err error) bool {
	var agentErr *schema.AgentError
	return errors.As(err, &agentErr) && agentErr.Code == schema.ErrCodeNotFound
}

func overrideEvent(itemID, actor string, kind schema.OverrideKind, note string) *store.Event {
	payload, _ := json.Marshal(map[string]any{
		"kind": string(kind),
		"note": note,
	})
	return &store.Event{
		ItemID:  itemID,
		Type:    schema.EventOperatorOverride,
		Payload: payload,
		Actor:   actor,
	}
}
