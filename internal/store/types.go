package store

import (
	"encoding/json"
	"time"

	"github.com/feddericovonwernich/pr-checks-agent/pkg/schema"
)

// WorkItem is the persisted unit of scheduling, one per monitored
// (repository, pull request, check) triple.
type WorkItem struct {
	ID                string            `json:"id"`
	Repo              string            `json:"repo"` // owner/name
	PRNumber          int               `json:"pr_number"`
	PRTitle           string            `json:"pr_title,omitempty"`
	Branch            string            `json:"branch,omitempty"`
	CheckName         string            `json:"check_name"`
	CheckType         string            `json:"check_type,omitempty"`
	Priority          int               `json:"priority"` // lower = more urgent, snapshot at creation
	Status            schema.ItemStatus `json:"status"`
	Version           int64             `json:"version"` // optimistic concurrency counter
	AttemptCount      int               `json:"attempt_count"`
	ConsecutiveErrors int               `json:"consecutive_errors"`
	Failure           json.RawMessage   `json:"failure,omitempty"`    // last observed failure detail
	LastError         json.RawMessage   `json:"last_error,omitempty"` // reason + timestamp annotation
	RetryOf           string            `json:"retry_of,omitempty"`   // superseded item ID
	NextEligibleAt    *time.Time        `json:"next_eligible_at,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	LastTransitionAt  time.Time         `json:"last_transition_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	ClosedAt          *time.Time        `json:"closed_at,omitempty"`
}

// Attempt is one fix-agent invocation against a work item. Append-only;
// the outcome fields are written exactly once on completion.
type Attempt struct {
	ID            string                `json:"id"`
	ItemID        string                `json:"item_id"`
	Number        int                   `json:"attempt_number"` // strictly increasing per item, 1-based
	Outcome       schema.AttemptOutcome `json:"outcome,omitempty"`
	Summary       string                `json:"summary,omitempty"`
	ErrorMessage  string                `json:"error_message,omitempty"`
	ContextDigest string                `json:"context_digest,omitempty"` // sha256 of the rendered fix context
	StartedAt     time.Time             `json:"started_at"`
	FinishedAt    *time.Time            `json:"finished_at,omitempty"`
	DurationMs    int64                 `json:"duration_ms,omitempty"`
}

// Escalation is one human-notification record. At most one active
// (unresolved) record exists per work item; records raised inside the
// per-check cooldown window are stored suppressed.
type Escalation struct {
	ID             string                  `json:"id"`
	ItemID         string                  `json:"item_id"`
	Repo           string                  `json:"repo"`
	CheckName      string                  `json:"check_name"`
	Reason         string                  `json:"reason"`
	Urgency        string                  `json:"urgency,omitempty"`
	Status         schema.EscalationStatus `json:"status"`
	NotificationID string                  `json:"notification_id,omitempty"`
	Channel        string                  `json:"channel,omitempty"`
	Mentions       []string                `json:"mentions,omitempty"`
	TriggeredAt    time.Time               `json:"triggered_at"`
	CooldownUntil  time.Time               `json:"cooldown_until"`
	AcknowledgedBy string                  `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time              `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time              `json:"resolved_at,omitempty"` // immutable once set
	ResolutionNote string                  `json:"resolution_note,omitempty"`
}

// Event is an immutable entry in the per-item audit log.
type Event struct {
	ID        int64           `json:"id"`
	ItemID    string          `json:"item_id"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Actor     string          `json:"actor,omitempty"` // operator name on overrides, empty for the agent itself
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"` // contiguous per item, from 1
}

// ScanJob is the per-repository scan schedule bookkeeping row.
type ScanJob struct {
	Repo              string     `json:"repo"`
	CronExpression    string     `json:"cron_expression"`
	Enabled           bool       `json:"enabled"`
	LastRunAt         *time.Time `json:"last_run_at,omitempty"`
	NextRunAt         *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus     string     `json:"last_run_status,omitempty"`
	ConsecutiveErrors int        `json:"consecutive_errors"`
	CreatedAt         time.Time  `json:"created_at"`
}

// Secret is an encrypted key-value entry.
type Secret struct {
	Key       string    `json:"key"`
	Value     []byte    `json:"-"` // encrypted, never serialized
	CreatedAt time.Time `json:"created_at"`
}

// --- Transition deltas ---

// TransitionDelta carries the optional side records committed atomically
// with a work-item transition: either the whole delta persists or nothing
// does.
type TransitionDelta struct {
	NewAttempt       *Attempt
	AttemptDone      *AttemptCompletion
	NewEscalation    *Escalation
	EscalationID     string // target of EscalationUpdate
	EscalationUpdate *EscalationUpdate
	Events           []*Event
}

// AttemptCompletion closes a running attempt.
type AttemptCompletion struct {
	AttemptID    string
	Outcome      schema.AttemptOutcome
	Summary      string
	ErrorMessage string
	FinishedAt   time.Time
	DurationMs   int64
}

// EscalationUpdate specifies mutable fields of an escalation. ResolvedAt
// is write-once; updates against an already-resolved record are rejected.
type EscalationUpdate struct {
	Status         *schema.EscalationStatus
	NotificationID string
	CooldownUntil  *time.Time // restarted when a suppressed record is delivered
	AcknowledgedBy string
	AcknowledgedAt *time.Time
	ResolvedAt     *time.Time
	ResolutionNote string
}

// --- Filter types ---

// ItemFilter specifies criteria for listing work items.
type ItemFilter struct {
	Status   *schema.ItemStatus `json:"status,omitempty"`
	Repo     string             `json:"repo,omitempty"`
	PRNumber int                `json:"pr_number,omitempty"`
	Since    *time.Time         `json:"since,omitempty"`
	Limit    int                `json:"limit,omitempty"`
	Offset   int                `json:"offset,omitempty"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	ItemID    string     `json:"item_id,omitempty"`
	EventType string     `json:"event_type,omitempty"`
	Since     *time.Time `json:"since,omitempty"`
	Limit     int        `json:"limit,omitempty"`
}

// EscalationFilter specifies criteria for listing escalations.
type EscalationFilter struct {
	ItemID string                   `json:"item_id,omitempty"`
	Repo   string                   `json:"repo,omitempty"`
	Status *schema.EscalationStatus `json:"status,omitempty"`
	Limit  int                      `json:"limit,omitempty"`
}

// ScanJobUpdate specifies mutable fields of a scan job.
type ScanJobUpdate struct {
	Enabled           *bool      `json:"enabled,omitempty"`
	CronExpression    string     `json:"cron_expression,omitempty"`
	LastRunAt         *time.Time `json:"last_run_at,omitempty"`
	NextRunAt         *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus     string     `json:"last_run_status,omitempty"`
	ConsecutiveErrors *int       `json:"consecutive_errors,omitempty"`
}

// StatusCount is one row of the status breakdown used by stats queries.
type StatusCount struct {
	Status schema.ItemStatus `json:"status"`
	Count  int               `json:"count"`
}
