package escalation

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/feddericovonwernich/pr-checks-agent/internal/collab"
	"github.com/feddericovonwernich/pr-checks-agent/internal/reasoning"
	"github.com/feddericovonwernich/pr-checks-agent/internal/store"
)

// maxBodyExcerpt caps the failure output quoted in a notification so the
// message fits chat-channel limits.
const maxBodyExcerpt = 1500

func buildNotification(item *store.WorkItem, rec *store.Escalation) collab.Notification {
	var b strings.Builder
	fmt.Fprintf(&b, "Automated fixing gave up on %s#%d (branch %s).\n", item.Repo, item.PRNumber, item.Branch)
	if item.PRTitle != "" {
		fmt.Fprintf(&b, "PR: %s\n", item.PRTitle)
	}
	fmt.Fprintf(&b, "Check: %s", item.CheckName)
	if item.CheckType != "" {
		fmt.Fprintf(&b, " (%s)", item.CheckType)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Reason: %s\n", rec.Reason)
	if item.AttemptCount > 0 {
		fmt.Fprintf(&b, "Fix attempts: %d\n", item.AttemptCount)
	}
	if excerpt := failureExcerpt(item.Failure); excerpt != "" {
		b.WriteString("\nFailure output:\n")
		b.WriteString(excerpt)
		b.WriteString("\n")
	}
	b.WriteString("\nReply with one of:\n")
	for _, opt := range reasoning.DefaultResolutionOptions {
		fmt.Fprintf(&b, "- %s: %s\n", opt.ID, opt.Description)
	}

	return collab.Notification{
		ItemID:    item.ID,
		Repo:      item.Repo,
		PRNumber:  item.PRNumber,
		CheckName: item.CheckName,
		Channel:   rec.Channel,
		Mentions:  rec.Mentions,
		Urgency:   rec.Urgency,
		Subject:   fmt.Sprintf("[%s] %s failing on PR #%d", item.Repo, item.CheckName, item.PRNumber),
		Body:      b.String(),
	}
}

func failureExcerpt(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var detail collab.FailureDetail
	if err := json.Unmarshal(raw, &detail); err != nil {
		return ""
	}
	excerpt := detail.Excerpt
	if len(excerpt) <= maxBodyExcerpt {
		return excerpt
	}
	cut := maxBodyExcerpt
	for cut > 0 && !utf8.RuneStart(excerpt[cut]) {
		cut--
	}
	return excerpt[:cut] + "\n... (truncated)"
}
