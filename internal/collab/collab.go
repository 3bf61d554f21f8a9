// Package collab defines the contracts for the four external collaborators
// the agent coordinates: the repository observer, the failure classifier,
// the fix agent, and the notifier. Implementations live out of process
// (plugin providers, §internal/plugins) or in tests (fakes).
//
// All operations are idempotency-tolerant: the agent guarantees
// at-least-once invocation, so a collaborator may see the same logical
// request twice and must treat the duplicate as a no-op or a cheap
// re-read.
package collab

import (
	"context"
	"encoding/json"
)

// Collaborator names used for rate limiting, circuit breaking, and logs.
const (
	NameObserver   = "observer"
	NameClassifier = "classifier"
	NameFixer      = "fixer"
	NameNotifier   = "notifier"
)

// CheckRef identifies one check on one pull request.
type CheckRef struct {
	Repo      string `json:"repo"`
	PRNumber  int    `json:"pr_number"`
	CheckName string `json:"check_name"`
}

// PullRequest is the observer's view of an open PR.
type PullRequest struct {
	Repo    string `json:"repo"`
	Number  int    `json:"number"`
	Title   string `json:"title"`
	Branch  string `json:"branch"`
	HeadSHA string `json:"head_sha"`
	State   string `json:"state"` // open, closed, merged
}

// CheckFailure is one failing check discovered during a scan.
type CheckFailure struct {
	CheckName  string `json:"check_name"`
	CheckType  string `json:"check_type"` // tests, linting, build, deploy, ...
	Status     string `json:"status"`
	DetailsURL string `json:"details_url,omitempty"`
	Excerpt    string `json:"excerpt,omitempty"`
}

// PullState pairs a PR with its currently failing checks.
type PullState struct {
	PR            PullRequest    `json:"pr"`
	FailingChecks []CheckFailure `json:"failing_checks"`
}

// CheckState is the point-in-time status of one check.
type CheckState struct {
	Green   bool   `json:"green"`
	Status  string `json:"status"`
	PRState string `json:"pr_state"`
	HeadSHA string `json:"head_sha,omitempty"`
}

// FailureDetail is the full failure context fetched for analysis.
type FailureDetail struct {
	CheckName  string `json:"check_name"`
	CheckType  string `json:"check_type"`
	Excerpt    string `json:"excerpt"`
	LogTail    string `json:"log_tail,omitempty"`
	DetailsURL string `json:"details_url,omitempty"`
	HeadSHA    string `json:"head_sha,omitempty"`
}

// Observer watches repositories: it scans for PRs with failing checks,
// reports current check status, and fetches failure detail.
type Observer interface {
	ScanPulls(ctx context.Context, repo string, branchFilters []string) ([]PullState, error)
	CheckStatus(ctx context.Context, ref CheckRef) (*CheckState, error)
	FetchFailure(ctx context.Context, ref CheckRef) (*FailureDetail, error)
}

// AnalyzeRequest carries a failure to the classifier.
type AnalyzeRequest struct {
	Repo         string          `json:"repo"`
	PRNumber     int             `json:"pr_number"`
	Branch       string          `json:"branch"`
	CheckName    string          `json:"check_name"`
	CheckType    string          `json:"check_type"`
	Failure      json.RawMessage `json:"failure"`
	Instructions string          `json:"instructions,omitempty"`
}

// Verdict is the classifier's judgement of a failure.
type Verdict struct {
	Fixable      bool    `json:"fixable"`
	Severity     string  `json:"severity"` // low, normal, critical
	Reason       string  `json:"reason"`
	SuggestedFix string  `json:"suggested_fix,omitempty"`
	Confidence   float64 `json:"confidence,omitempty"`
}

// Classifier judges whether a failure is automatically fixable.
type Classifier interface {
	Analyze(ctx context.Context, req AnalyzeRequest) (*Verdict, error)
}

// FixRequest carries one fix attempt to the fix agent. Attempt numbers
// are strictly increasing per item; a re-delivered request carries the
// same number, which the fixer must tolerate.
type FixRequest struct {
	ItemID    string `json:"item_id"`
	Repo      string `json:"repo"`
	PRNumber  int    `json:"pr_number"`
	Branch    string `json:"branch"`
	CheckName string `json:"check_name"`
	Attempt   int    `json:"attempt"`
	Prompt    string `json:"prompt"`
}

// FixResult reports the outcome of a fix attempt. Success false with a
// nil error means the fixer ran but the check is still failing.
type FixResult struct {
	Success   bool   `json:"success"`
	Summary   string `json:"summary"`
	CommitSHA string `json:"commit_sha,omitempty"`
}

// Fixer attempts to repair a failing check.
type Fixer interface {
	AttemptFix(ctx context.Context, req FixRequest) (*FixResult, error)
}

// Notification is a human escalation message.
type Notification struct {
	ItemID    string   `json:"item_id"`
	Repo      string   `json:"repo"`
	PRNumber  int      `json:"pr_number"`
	CheckName string   `json:"check_name"`
	Channel   string   `json:"channel"`
	Mentions  []string `json:"mentions,omitempty"`
	Urgency   string   `json:"urgency"`
	Subject   string   `json:"subject"`
	Body      string   `json:"body"`
}

// NotifyReceipt identifies a delivered notification for later polling.
type NotifyReceipt struct {
	NotificationID string `json:"notification_id"`
}

// Resolution state constants reported by CheckResolution.
const (
	ResolutionPending      = "pending"
	ResolutionAcknowledged = "acknowledged"
	ResolutionResolved     = "resolved"
)

// ResolutionState is the non-blocking answer to "has a human dealt with
// this yet".
type ResolutionState struct {
	State string `json:"state"` // pending, acknowledged, resolved
	By    string `json:"by,omitempty"`
	Note  string `json:"note,omitempty"`
}

// Notifier delivers escalations and reports their human resolution.
type Notifier interface {
	Notify(ctx context.Context, n Notification) (*NotifyReceipt, error)
	CheckResolution(ctx context.Context, notificationID string) (*ResolutionState, error)
}

// Set bundles the four collaborators an agent runs with.
type Set struct {
	Observer   Observer
	Classifier Classifier
	Fixer      Fixer
	Notifier   Notifier
}
