// Package escalation hands items automation could not fix to humans and
// drives the resulting notifications to resolution. At most one active
// escalation exists per work item, and each (repository, check) pair is
// throttled by a cooldown window: raises inside the window land as
// suppressed records that are delivered once the window expires.
package escalation

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/feddericovonwernich/pr-checks-agent/internal/collab"
	"github.com/feddericovonwernich/pr-checks-agent/internal/policy"
	"github.com/feddericovonwernich/pr-checks-agent/internal/store"
	"github.com/feddericovonwernich/pr-checks-agent/pkg/schema"
)

// Store is the slice of the persistence layer the manager uses.
type Store interface {
	GetItem(ctx context.Context, id string) (*store.WorkItem, error)
	SaveTransition(ctx context.Context, item *store.WorkItem, expectedVersion int64, delta *store.TransitionDelta) error
	ActiveEscalationForItem(ctx context.Context, itemID string) (*store.Escalation, error)
	LatestEscalationForCheck(ctx context.Context, repo, checkName string) (*store.Escalation, error)
	UpdateEscalation(ctx context.Context, id string, update store.EscalationUpdate) error
	ListDueEscalations(ctx context.Context, now time.Time) ([]*store.Escalation, error)
	AppendEvent(ctx context.Context, event *store.Event) error
}

// Transitioner advances a work item through the lifecycle table.
type Transitioner interface {
	Transition(ctx context.Context, item *store.WorkItem, to schema.ItemStatus, delta *store.TransitionDelta) error
}

// Admitter gates notifier calls behind the rate limiter and circuit
// breaker and records their outcomes.
type Admitter interface {
	Do(ctx context.Context, collaborator string, fn func(ctx context.Context) error) error
}

// PolicySource resolves the policy for a repository.
type PolicySource interface {
	Get(repo string) (*schema.RepositoryPolicy, bool)
}

// Manager raises escalations and polls their human resolution.
type Manager struct {
	store    Store
	fsm      Transitioner
	governor Admitter
	notifier collab.Notifier
	policies PolicySource
	router   *policy.Router
	logger   *slog.Logger

	now func() time.Time
}

// NewManager creates a Manager. A nil logger falls back to slog.Default.
func NewManager(s Store, fsm Transitioner, gov Admitter, notifier collab.Notifier, policies PolicySource, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	router, err := policy.NewRouter()
	if err != nil {
		return nil, err
	}
	return &Manager{
		store:    s,
		fsm:      fsm,
		governor: gov,
		notifier: notifier,
		policies: policies,
		router:   router,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Raise opens an escalation for the item, or returns the already-active
// one. Raises inside the per-check cooldown window, and raises against a
// policy with escalation disabled, are recorded suppressed without
// notifying anyone; a disabled-policy suppression starts no cooldown.
// Delivery failures leave the record pending for the resolution poll to
// retry.
func (m *Manager) Raise(ctx context.Context, item *store.WorkItem, pol *schema.RepositoryPolicy, reason, urgency string) (*store.Escalation, error) {
	active, err := m.store.ActiveEscalationForItem(ctx, item.ID)
	if err != nil && !isNotFound(err) {
		return nil, err
	}
	if active != nil {
		return active, nil
	}

	now := m.now().UTC()
	if urgency == "" {
		urgency = schema.UrgencyNormal
	}
	rec := &store.Escalation{
		ID:          uuid.NewString(),
		ItemID:      item.ID,
		Repo:        item.Repo,
		CheckName:   item.CheckName,
		Reason:      reason,
		Urgency:     urgency,
		TriggeredAt: now,
	}

	if !pol.FixLimits.Escalate() {
		rec.Status = schema.EscalationSuppressed
		ev := event(item.ID, schema.EventEscalationSuppressed, map[string]any{
			"escalation_id": rec.ID,
			"reason":        "escalation disabled",
		})
		return rec, m.commitNew(ctx, item, rec, ev)
	}

	latest, err := m.store.LatestEscalationForCheck(ctx, item.Repo, item.CheckName)
	if err != nil && !isNotFound(err) {
		return nil, err
	}
	if latest != nil && now.Before(latest.CooldownUntil) {
		rec.Status = schema.EscalationSuppressed
		rec.CooldownUntil = latest.CooldownUntil // delivered when the window expires
		ev := event(item.ID, schema.EventEscalationSuppressed, map[string]any{
			"escalation_id":  rec.ID,
			"reason":         "cooldown",
			"cooldown_until": latest.CooldownUntil.Format(time.RFC3339),
		})
		m.logger.Info("escalation suppressed by cooldown",
			"item_id", item.ID, "repo", item.Repo, "check", item.CheckName,
			"cooldown_until", latest.CooldownUntil)
		return rec, m.commitNew(ctx, item, rec, ev)
	}

	route, err := m.router.Route(ctx, pol, item, rec)
	if err != nil {
		return nil, err
	}
	rec.Channel, rec.Mentions, rec.Urgency = route.Channel, route.Mentions, route.Urgency

	cooldown, err := pol.FixLimits.CooldownDuration()
	if err != nil {
		return nil, err
	}
	rec.CooldownUntil = now.Add(cooldown)

	raised := event(item.ID, schema.EventEscalationRaised, map[string]any{
		"escalation_id": rec.ID,
		"reason":        reason,
		"urgency":       rec.Urgency,
		"channel":       rec.Channel,
	})

	receipt, notifyErr := m.deliver(ctx, item, rec)
	if notifyErr != nil {
		// Pending records are re-delivered by PollResolutions.
		m.logger.Warn("escalation delivery failed",
			"item_id", item.ID, "channel", rec.Channel, "error", notifyErr)
		rec.Status = schema.EscalationPending
		return rec, m.commitNew(ctx, item, rec, raised)
	}

	rec.Status = schema.EscalationNotified
	rec.NotificationID = receipt.NotificationID
	notified := event(item.ID, schema.EventEscalationNotified, map[string]any{
		"escalation_id":   rec.ID,
		"notification_id": receipt.NotificationID,
		"channel":         rec.Channel,
	})
	m.logger.Info("escalation notified",
		"item_id", item.ID, "repo", item.Repo, "check", item.CheckName,
		"channel", rec.Channel, "urgency", rec.Urgency)
	return rec, m.commitNew(ctx, item, rec, raised, notified)
}

// PollResolutions walks escalations needing attention: it delivers
// suppressed records whose cooldown expired, retries pending deliveries,
// and folds acknowledgements and resolutions reported by the notifier
// back into the records and their items. Per-record failures are logged
// and skipped so one broken escalation cannot starve the rest.
func (m *Manager) PollResolutions(ctx context.Context) error {
	due, err := m.store.ListDueEscalations(ctx, m.now().UTC())
	if err != nil {
		return err
	}
	for _, rec := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := m.pollOne(ctx, rec); err != nil {
			m.logger.Warn("escalation poll failed",
				"escalation_id", rec.ID, "item_id", rec.ItemID, "status", rec.Status, "error", err)
		}
	}
	return nil
}

func (m *Manager) pollOne(ctx context.Context, rec *store.Escalation) error {
	item, err := m.store.GetItem(ctx, rec.ItemID)
	if err != nil {
		return err
	}
	switch rec.Status {
	case schema.EscalationSuppressed, schema.EscalationPending:
		return m.promote(ctx, item, rec)
	case schema.EscalationNotified, schema.EscalationAcknowledged:
		return m.checkResolution(ctx, item, rec)
	}
	return nil
}

// promote delivers a record that was created without a notification:
// a suppressed one whose cooldown expired, or a pending one whose first
// delivery failed.
func (m *Manager) promote(ctx context.Context, item *store.WorkItem, rec *store.Escalation) error {
	pol, ok := m.policies.Get(rec.Repo)
	if !ok || !pol.FixLimits.Escalate() {
		return nil // stays suppressed
	}
	if item.Status.IsTerminal() {
		// The item finished on its own; nobody needs paging anymore.
		return m.resolve(ctx, item, rec, "", "item closed before delivery")
	}
	if rec.Channel == "" {
		route, err := m.router.Route(ctx, pol, item, rec)
		if err != nil {
			return err
		}
		rec.Channel, rec.Mentions, rec.Urgency = route.Channel, route.Mentions, route.Urgency
	}

	receipt, err := m.deliver(ctx, item, rec)
	if err != nil {
		return err
	}

	cooldown, err := pol.FixLimits.CooldownDuration()
	if err != nil {
		return err
	}
	windowEnd := m.now().UTC().Add(cooldown)
	status := schema.EscalationNotified
	delta := &store.TransitionDelta{
		EscalationID: rec.ID,
		EscalationUpdate: &store.EscalationUpdate{
			Status:         &status,
			NotificationID: receipt.NotificationID,
			CooldownUntil:  &windowEnd,
		},
		Events: []*store.Event{event(item.ID, schema.EventEscalationNotified, map[string]any{
			"escalation_id":   rec.ID,
			"notification_id": receipt.NotificationID,
			"channel":         rec.Channel,
		})},
	}
	if err := m.store.SaveTransition(ctx, item, item.Version, delta); err != nil {
		return err
	}
	rec.Status = status
	rec.NotificationID = receipt.NotificationID
	rec.CooldownUntil = windowEnd
	m.logger.Info("suppressed escalation delivered",
		"escalation_id", rec.ID, "item_id", item.ID, "channel", rec.Channel)
	return nil
}

func (m *Manager) checkResolution(ctx context.Context, item *store.WorkItem, rec *store.Escalation) error {
	var state *collab.ResolutionState
	err := m.governor.Do(ctx, collab.NameNotifier, func(ctx context.Context) error {
		var err error
		state, err = m.notifier.CheckResolution(ctx, rec.NotificationID)
		return err
	})
	if err != nil {
		return err
	}

	switch state.State {
	case collab.ResolutionAcknowledged:
		if rec.Status == schema.EscalationAcknowledged {
			return nil // already recorded
		}
		return m.acknowledge(ctx, item, rec, state.By)
	case collab.ResolutionResolved:
		return m.resolve(ctx, item, rec, state.By, state.Note)
	}
	return nil // still waiting on a human
}

func (m *Manager) acknowledge(ctx context.Context, item *store.WorkItem, rec *store.Escalation, by string) error {
	now := m.now().UTC()
	status := schema.EscalationAcknowledged
	ev := event(item.ID, schema.EventEscalationAcknowledged, map[string]any{
		"escalation_id":   rec.ID,
		"acknowledged_by": by,
	})
	ev.Actor = by
	delta := &store.TransitionDelta{
		EscalationID: rec.ID,
		EscalationUpdate: &store.EscalationUpdate{
			Status:         &status,
			AcknowledgedBy: by,
			AcknowledgedAt: &now,
		},
		Events: []*store.Event{ev},
	}
	if err := m.store.SaveTransition(ctx, item, item.Version, delta); err != nil {
		return err
	}
	rec.Status = status
	m.logger.Info("escalation acknowledged",
		"escalation_id", rec.ID, "item_id", item.ID, "by", by)
	return nil
}

// resolve stamps the record resolved and moves the item to Resolved. The
// item transition happens regardless of any remaining cooldown; items
// already terminal only get their record closed out.
func (m *Manager) resolve(ctx context.Context, item *store.WorkItem, rec *store.Escalation, by, note string) error {
	now := m.now().UTC()
	status := schema.EscalationResolved
	update := store.EscalationUpdate{
		Status:         &status,
		ResolvedAt:     &now,
		ResolutionNote: note,
	}
	ev := event(item.ID, schema.EventEscalationResolved, map[string]any{
		"escalation_id": rec.ID,
		"resolved_by":   by,
		"note":          note,
	})
	ev.Actor = by

	if item.Status.IsTerminal() {
		if err := m.store.UpdateEscalation(ctx, rec.ID, update); err != nil {
			return err
		}
		rec.Status = status
		rec.ResolvedAt = &now
		return m.store.AppendEvent(ctx, ev)
	}

	delta := &store.TransitionDelta{
		EscalationID:     rec.ID,
		EscalationUpdate: &update,
		Events:           []*store.Event{ev},
	}
	if err := m.fsm.Transition(ctx, item, schema.StatusResolved, delta); err != nil {
		return err
	}
	rec.Status = status
	rec.ResolvedAt = &now
	m.logger.Info("escalation resolved",
		"escalation_id", rec.ID, "item_id", item.ID, "by", by)
	return nil
}

func (m *Manager) deliver(ctx context.Context, item *store.WorkItem, rec *store.Escalation) (*collab.NotifyReceipt, error) {
	n := buildNotification(item, rec)
	var receipt *collab.NotifyReceipt
	err := m.governor.Do(ctx, collab.NameNotifier, func(ctx context.Context) error {
		var err error
		receipt, err = m.notifier.Notify(ctx, n)
		return err
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// commitNew persists a fresh escalation record, its events, and the item
// row in one write. The item keeps its current status.
func (m *Manager) commitNew(ctx context.Context, item *store.WorkItem, rec *store.Escalation, events ...*store.Event) error {
	delta := &store.TransitionDelta{NewEscalation: rec, Events: events}
	return m.store.SaveTransition(ctx, item, item.Version, delta)
}

func event(itemID, eventType string, payload map[string]any) *store.Event {
	raw, _ := json.Marshal(payload)
	return &store.Event{ItemID: itemID, Type: eventType, Payload: raw}
}

func isNotFound(err error) bool {
	var agentErr *schema.AgentError
	return errors.As(err, &agentErr) && agentErr.Code == schema.ErrCodeNotFound
}
