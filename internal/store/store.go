package store

import (
	"context"
	"time"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Work Items
	CreateItem(ctx context.Context, item *WorkItem) error
	GetItem(ctx context.Context, id string) (*WorkItem, error)
	FindOpenItem(ctx context.Context, repo string, prNumber int, checkName string) (*WorkItem, error)
	SaveTransition(ctx context.Context, item *WorkItem, expectedVersion int64, delta *TransitionDelta) error
	ListPending(ctx context.Context, now time.Time, maxPriority int, limit int) ([]*WorkItem, error)
	ListUnfinished(ctx context.Context) ([]*WorkItem, error)
	ListItems(ctx context.Context, filter ItemFilter) ([]*WorkItem, error)
	CountByStatus(ctx context.Context) ([]StatusCount, error)

	// Attempts (append-only)
	ListAttempts(ctx context.Context, itemID string) ([]*Attempt, error)
	CountAttempts(ctx context.Context, itemID string) (int, error)
	CountAttemptsSince(ctx context.Context, since time.Time) (int, error)
	MarkInterrupted(ctx context.Context) (int, error)

	// Escalations
	GetEscalation(ctx context.Context, id string) (*Escalation, error)
	ActiveEscalationForItem(ctx context.Context, itemID string) (*Escalation, error)
	LatestEscalationForCheck(ctx context.Context, repo, checkName string) (*Escalation, error)
	UpdateEscalation(ctx context.Context, id string, update EscalationUpdate) error
	ListEscalations(ctx context.Context, filter EscalationFilter) ([]*Escalation, error)
	ListDueEscalations(ctx context.Context, now time.Time) ([]*Escalation, error)

	// Audit Log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, itemID string, since int64) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)
	ReplayEvents(ctx context.Context, itemID string, fromSeq int64) ([]*Event, error)

	// Scan Jobs
	UpsertScanJob(ctx context.Context, job *ScanJob) error
	GetScanJob(ctx context.Context, repo string) (*ScanJob, error)
	UpdateScanJob(ctx context.Context, repo string, update ScanJobUpdate) error
	ListScanJobs(ctx context.Context, enabled *bool) ([]*ScanJob, error)
	DeleteScanJob(ctx context.Context, repo string) error

	// Secrets
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)

	// Janitor
	ListStaleActive(ctx context.Context, cutoff time.Time) ([]*WorkItem, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
