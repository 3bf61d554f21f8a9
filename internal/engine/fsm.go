package engine

import (
	"context"
	"sync"
	"time"

	"github.com/feddericovonwernich/pr-checks-agent/internal/store"
	"github.com/feddericovonwernich/pr-checks-agent/pkg/schema"
)

// TransitionHook is called before or after an item state transition.
type TransitionHook func(from, to schema.ItemStatus) error

// TransitionStore is the slice of the Store the FSM needs: the single
// atomic write that advances an item and its side records together.
type TransitionStore interface {
	SaveTransition(ctx context.Context, item *store.WorkItem, expectedVersion int64, delta *store.TransitionDelta) error
}

type hookKey struct {
	from, to schema.ItemStatus
}

// ItemFSM manages work item lifecycle state transitions. Every transition
// is validated against ValidItemTransitions and lands as one guarded
// store write; a stale version surfaces as a CONFLICT error and the item
// in memory is left as it was read.
type ItemFSM struct {
	mu     sync.Mutex
	store  TransitionStore
	before map[hookKey][]TransitionHook
	after  map[hookKey][]TransitionHook
}

// NewItemFSM creates an ItemFSM persisting through the given store.
func NewItemFSM(s TransitionStore) *ItemFSM {
	return &ItemFSM{
		store:  s,
		before: make(map[hookKey][]TransitionHook),
		after:  make(map[hookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition is persisted.
// A hook error aborts the transition.
func (f *ItemFSM) OnBefore(from, to schema.ItemStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition has been persisted.
func (f *ItemFSM) OnAfter(from, to schema.ItemStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a state transition, persisting the
// item together with the delta in one atomic write. The canonical event
// for the destination state is appended unless the delta already carries
// one of that type (actions attach their own payload-bearing copy).
func (f *ItemFSM) Transition(ctx context.Context, item *store.WorkItem, to schema.ItemStatus, delta *store.TransitionDelta) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	from := item.Status
	if !CanTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid transition: %s -> %s", from, to).
			WithItem(item.ID).
			WithDetails(map[string]any{"from": string(from), "to": string(to)})
	}

	key := hookKey{from, to}
	for _, hook := range f.before[key] {
		if err := hook(from, to); err != nil {
			return err
		}
	}

	if delta == nil {
		delta = &store.TransitionDelta{}
	}
	if eventType := itemEventType(to); eventType != "" && !deltaHasEvent(delta, eventType) {
		delta.Events = append(delta.Events, &store.Event{
			ItemID: item.ID,
			Type:   eventType,
		})
	}

	now := time.Now().UTC()
	prevTransition, prevClosed := item.LastTransitionAt, item.ClosedAt
	item.Status = to
	item.LastTransitionAt = now
	if to.IsTerminal() {
		item.ClosedAt = &now
	}

	if err := f.store.SaveTransition(ctx, item, item.Version, delta); err != nil {
		item.Status = from
		item.LastTransitionAt = prevTransition
		item.ClosedAt = prevClosed
		return err
	}

	for _, hook := range f.after[key] {
		if err := hook(from, to); err != nil {
			return err
		}
	}

	return nil
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to schema.ItemStatus) bool {
	allowed, ok := ValidItemTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func deltaHasEvent(delta *store.TransitionDelta, eventType string) bool {
	for _, e := range delta.Events {
		if e.Type == eventType {
			return true
		}
	}
	return false
}

func itemEventType(to schema.ItemStatus) string {
	switch to {
	case schema.StatusMonitoring:
		return schema.EventMonitoringStarted
	case schema.StatusAnalyzing:
		return schema.EventAnalysisStarted
	case schema.StatusFixing:
		return schema.EventFixStarted
	case schema.StatusRetryWait:
		return schema.EventRetryScheduled
	case schema.StatusResolved:
		return schema.EventItemResolved
	case schema.StatusClosed:
		return schema.EventItemClosed
	case schema.StatusBlocked:
		return schema.EventItemBlocked
	default:
		// Succeeded and Escalating always carry their own delta events
		// (check_green/fix_succeeded, escalation_raised/suppressed).
		return ""
	}
}

// Close transitions a non-terminal item to Closed. Legal from every
// non-terminal state, so operator close and PR-closed handling share it.
func (f *ItemFSM) Close(ctx context.Context, item *store.WorkItem, delta *store.TransitionDelta) error {
	return f.Transition(ctx, item, schema.StatusClosed, delta)
}

// ValidItemTransitions defines the allowed state transitions for work items.
var ValidItemTransitions = map[schema.ItemStatus][]schema.ItemStatus{
	schema.StatusScanning:   {schema.StatusMonitoring, schema.StatusClosed},
	schema.StatusMonitoring: {schema.StatusAnalyzing, schema.StatusSucceeded, schema.StatusClosed, schema.StatusBlocked},
	schema.StatusAnalyzing:  {schema.StatusFixing, schema.StatusEscalating, schema.StatusSucceeded, schema.StatusClosed, schema.StatusBlocked},
	schema.StatusFixing:     {schema.StatusSucceeded, schema.StatusRetryWait, schema.StatusEscalating, schema.StatusClosed, schema.StatusBlocked},
	schema.StatusRetryWait:  {schema.StatusFixing, schema.StatusSucceeded, schema.StatusEscalating, schema.StatusClosed},
	schema.StatusEscalating: {schema.StatusResolved, schema.StatusClosed},
	schema.StatusSucceeded:  {schema.StatusResolved, schema.StatusClosed},
	schema.StatusBlocked:    {schema.StatusMonitoring, schema.StatusClosed},
}
