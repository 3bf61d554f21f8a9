package schema

// Event type constants for the per-item audit log.
const (
	EventItemDiscovered = "item_discovered"
	EventItemResolved   = "item_resolved"
	EventItemClosed     = "item_closed"
	EventItemBlocked    = "item_blocked"
	EventItemUnblocked  = "item_unblocked"
	EventItemSuperseded = "item_superseded"

	EventMonitoringStarted = "monitoring_started"
	EventFailureObserved   = "failure_observed"
	EventCheckGreen        = "check_green"

	EventAnalysisStarted   = "analysis_started"
	EventAnalysisCompleted = "analysis_completed"

	EventFixStarted   = "fix_started"
	EventFixSucceeded = "fix_succeeded"
	EventFixFailed    = "fix_failed"
	EventFixSkipped   = "fix_skipped"

	EventRetryScheduled = "retry_scheduled"
	EventRetryExhausted = "retry_exhausted"

	EventEscalationRaised       = "escalation_raised"
	EventEscalationSuppressed   = "escalation_suppressed"
	EventEscalationNotified     = "escalation_notified"
	EventEscalationAcknowledged = "escalation_acknowledged"
	EventEscalationResolved     = "escalation_resolved"

	EventBreakerOpen     = "breaker_open"
	EventBreakerHalfOpen = "breaker_half_open"
	EventBreakerClosed   = "breaker_closed"

	EventOperatorOverride = "operator_override"
	EventAttemptInterrupted = "attempt_interrupted"
)

// ItemStatus represents the lifecycle state of a work item.
type ItemStatus string

const (
	StatusScanning   ItemStatus = "scanning"
	StatusMonitoring ItemStatus = "monitoring"
	StatusAnalyzing  ItemStatus = "analyzing"
	StatusFixing     ItemStatus = "fixing"
	StatusRetryWait  ItemStatus = "retry_wait"
	StatusEscalating ItemStatus = "escalating"
	StatusSucceeded  ItemStatus = "succeeded"
	StatusResolved   ItemStatus = "resolved"
	StatusClosed     ItemStatus = "closed"
	StatusBlocked    ItemStatus = "blocked"
)

// IsTerminal reports whether the status admits no further transitions.
func (s ItemStatus) IsTerminal() bool {
	return s == StatusResolved || s == StatusClosed
}

// IsDispatchable reports whether the scheduler may hand the item to a
// worker. Blocked items are excluded until an operator clears them.
func (s ItemStatus) IsDispatchable() bool {
	switch s {
	case StatusMonitoring, StatusAnalyzing, StatusFixing, StatusRetryWait,
		StatusEscalating, StatusSucceeded:
		return true
	}
	return false
}

// AttemptOutcome represents the recorded result of one fix attempt.
type AttemptOutcome string

const (
	AttemptSucceeded   AttemptOutcome = "succeeded"
	AttemptFailed      AttemptOutcome = "failed"
	AttemptError       AttemptOutcome = "error"
	AttemptInterrupted AttemptOutcome = "interrupted"
)

// EscalationStatus represents the lifecycle state of an escalation record.
type EscalationStatus string

const (
	EscalationPending      EscalationStatus = "pending"
	EscalationSuppressed   EscalationStatus = "suppressed"
	EscalationNotified     EscalationStatus = "notified"
	EscalationAcknowledged EscalationStatus = "acknowledged"
	EscalationResolved     EscalationStatus = "resolved"
)

// IsActive reports whether the escalation still awaits resolution.
func (s EscalationStatus) IsActive() bool {
	return s != EscalationResolved
}

// Urgency levels attached to escalations by routing rules.
const (
	UrgencyLow      = "low"
	UrgencyNormal   = "normal"
	UrgencyCritical = "critical"
)
