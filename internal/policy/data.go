// Package policy turns the per-repository configuration into decisions:
// which branches to monitor, what priority a new item gets, and where an
// escalation is routed. Policies are loaded once per scan cycle and
// passed explicitly into every decision function.
package policy

import (
	"time"

	"github.com/feddericovonwernich/pr-checks-agent/internal/store"
	"github.com/feddericovonwernich/pr-checks-agent/pkg/schema"
)

// ItemData builds the item namespace exposed to rule expressions and
// prompt interpolation. Keys match the work item's JSON field names.
func ItemData(item *store.WorkItem) map[string]any {
	if item == nil {
		return map[string]any{}
	}
	m := map[string]any{
		"id":            item.ID,
		"repo":          item.Repo,
		"pr_number":     item.PRNumber,
		"pr_title":      item.PRTitle,
		"branch":        item.Branch,
		"check_name":    item.CheckName,
		"check_type":    item.CheckType,
		"priority":      item.Priority,
		"status":        string(item.Status),
		"attempt_count": item.AttemptCount,
		"created_at":    item.CreatedAt.Format(time.RFC3339),
	}
	if item.RetryOf != "" {
		m["retry_of"] = item.RetryOf
	}
	return m
}

// PolicyData builds the policy namespace: the knobs rule expressions may
// read. Durations stay in their configured string form.
func PolicyData(pol *schema.RepositoryPolicy) map[string]any {
	if pol == nil {
		return map[string]any{}
	}
	limits := map[string]any{
		"max_attempts": pol.FixLimits.MaxAttempts,
		"base_delay":   pol.FixLimits.BaseDelay,
		"max_delay":    pol.FixLimits.MaxDelay,
		"cooldown":     pol.FixLimits.Cooldown,
	}
	types := make([]any, 0, len(pol.CheckTypes))
	for _, ct := range pol.CheckTypes {
		types = append(types, ct)
	}
	return map[string]any{
		"repo":               pol.FullName(),
		"escalation_enabled": pol.FixLimits.Escalate(),
		"escalation_channel": pol.Escalation.Channel,
		"fix_limits":         limits,
		"check_types":        types,
	}
}

// RepoData builds the repo namespace: repository metadata for prompts.
func RepoData(pol *schema.RepositoryPolicy) map[string]any {
	if pol == nil {
		return map[string]any{}
	}
	return map[string]any{
		"owner":     pol.Owner,
		"name":      pol.Name,
		"full_name": pol.FullName(),
		"context":   pol.Prompt.Context,
	}
}

// EscalationData builds the escalation namespace routing rules match on.
func EscalationData(esc *store.Escalation) map[string]any {
	if esc == nil {
		return map[string]any{}
	}
	return map[string]any{
		"id":         esc.ID,
		"item_id":    esc.ItemID,
		"repo":       esc.Repo,
		"check_name": esc.CheckName,
		"reason":     esc.Reason,
		"urgency":    esc.Urgency,
		"status":     string(esc.Status),
	}
}
