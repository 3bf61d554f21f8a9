package plugins

import (
	"context"
	"encoding/json"

	"github.com/feddericovonwernich/pr-checks-agent/internal/collab"
	"github.com/feddericovonwernich/pr-checks-agent/pkg/schema"
)

// Tool names the collaborator plugins must expose.
const (
	ToolScanPulls       = "observer.scan_pulls"
	ToolCheckStatus     = "observer.check_status"
	ToolFetchFailure    = "observer.fetch_failure"
	ToolAnalyze         = "classifier.analyze"
	ToolAttemptFix      = "fixer.attempt_fix"
	ToolNotify          = "notifier.notify"
	ToolCheckResolution = "notifier.check_resolution"
)

// Collaborators returns the four collab contracts backed by this
// manager's subprocesses. Calls against an unloaded role fail with
// COLLABORATOR_UNAVAILABLE, which the retry machinery treats as
// transient.
func (m *Manager) Collaborators() collab.Set {
	return collab.Set{
		Observer:   &observerPlugin{m: m},
		Classifier: &classifierPlugin{m: m},
		Fixer:      &fixerPlugin{m: m},
		Notifier:   &notifierPlugin{m: m},
	}
}

// decodeToolResult unwraps an MCP tools/call result into v. Structured
// content wins; otherwise the first text block is parsed as JSON. An
// isError result surfaces as an execution error.
func decodeToolResult(raw json.RawMessage, role, tool string, v any) error {
	var res struct {
		IsError           bool            `json:"isError"`
		StructuredContent json.RawMessage `json:"structuredContent"`
		Content           []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution,
			"plugin %q: malformed %s result", role, tool).WithCause(err)
	}

	if res.IsError {
		msg := "tool reported an error"
		if len(res.Content) > 0 && res.Content[0].Text != "" {
			msg = res.Content[0].Text
		}
		return schema.NewErrorf(schema.ErrCodeExecution, "plugin %q %s: %s", role, tool, msg)
	}

	payload := res.StructuredContent
	if len(payload) == 0 {
		for _, c := range res.Content {
			if c.Type == "text" && c.Text != "" {
				payload = json.RawMessage(c.Text)
				break
			}
		}
	}
	if len(payload) == 0 {
		return schema.NewErrorf(schema.ErrCodeExecution,
			"plugin %q %s returned no content", role, tool)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution,
			"plugin %q: decode %s payload", role, tool).WithCause(err)
	}
	return nil
}

func (m *Manager) callInto(ctx context.Context, role, tool string, args, v any) error {
	raw, err := m.CallTool(ctx, role, tool, args)
	if err != nil {
		return err
	}
	return decodeToolResult(raw, role, tool, v)
}

type observerPlugin struct{ m *Manager }

func (o *observerPlugin) ScanPulls(ctx context.Context, repo string, branchFilters []string) ([]collab.PullState, error) {
	var out struct {
		Pulls []collab.PullState `json:"pulls"`
	}
	err := o.m.callInto(ctx, collab.NameObserver, ToolScanPulls, map[string]any{
		"repo":           repo,
		"branch_filters": branchFilters,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Pulls, nil
}

func (o *observerPlugin) CheckStatus(ctx context.Context, ref collab.CheckRef) (*collab.CheckState, error) {
	var out collab.CheckState
	if err := o.m.callInto(ctx, collab.NameObserver, ToolCheckStatus, ref, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (o *observerPlugin) FetchFailure(ctx context.Context, ref collab.CheckRef) (*collab.FailureDetail, error) {
	var out collab.FailureDetail
	if err := o.m.callInto(ctx, collab.NameObserver, ToolFetchFailure, ref, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type classifierPlugin struct{ m *Manager }

func (c *classifierPlugin) Analyze(ctx context.Context, req collab.AnalyzeRequest) (*collab.Verdict, error) {
	var out collab.Verdict
	if err := c.m.callInto(ctx, collab.NameClassifier, ToolAnalyze, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type fixerPlugin struct{ m *Manager }

func (f *fixerPlugin) AttemptFix(ctx context.Context, req collab.FixRequest) (*collab.FixResult, error) {
	var out collab.FixResult
	if err := f.m.callInto(ctx, collab.NameFixer, ToolAttemptFix, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type notifierPlugin struct{ m *Manager }

func (n *notifierPlugin) Notify(ctx context.Context, note collab.Notification) (*collab.NotifyReceipt, error) {
	var out collab.NotifyReceipt
	if err := n.m.callInto(ctx, collab.NameNotifier, ToolNotify, note, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (n *notifierPlugin) CheckResolution(ctx context.Context, notificationID string) (*collab.ResolutionState, error) {
	var out collab.ResolutionState
	err := n.m.callInto(ctx, collab.NameNotifier, ToolCheckResolution, map[string]any{
		"notification_id": notificationID,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}
