// Package reasoning assembles the context handed to the fix agent and
// validates the resolution options offered to humans in escalations.
package reasoning

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/feddericovonwernich/pr-checks-agent/internal/expressions"
	"github.com/feddericovonwernich/pr-checks-agent/internal/policy"
	"github.com/feddericovonwernich/pr-checks-agent/internal/secrets"
	"github.com/feddericovonwernich/pr-checks-agent/internal/store"
	"github.com/feddericovonwernich/pr-checks-agent/pkg/schema"
)

// MaxExcerptBytes caps the failure excerpt embedded in a fix prompt.
const MaxExcerptBytes = 4000

// HistoryStore is the slice of the store the builder reads: prior
// attempts and the classifier verdict persisted in the audit log.
type HistoryStore interface {
	ListAttempts(ctx context.Context, itemID string) ([]*store.Attempt, error)
	GetEventsByType(ctx context.Context, eventType string, filter store.EventFilter) ([]*store.Event, error)
}

// FixContext is one rendered fix prompt plus its digest. The digest is
// stored on the attempt record, so a re-delivered attempt can be matched
// to the exact context it was built from.
type FixContext struct {
	Prompt string
	Digest string // hex sha256 of the prompt
}

// ContextBuilder renders fix-agent prompts from the item, its policy,
// the observed failure, the classifier verdict, and prior attempts.
type ContextBuilder struct {
	history HistoryStore
	interp  *expressions.Interpolator
}

// NewContextBuilder creates a builder. The vault backs ${{secrets.*}}
// references in prompt templates and may be nil when none are used.
func NewContextBuilder(history HistoryStore, vault secrets.Vault) *ContextBuilder {
	return &ContextBuilder{
		history: history,
		interp:  expressions.NewInterpolator(vault),
	}
}

// Build renders the prompt for the item's next fix attempt. A configured
// template wins; otherwise the prompt is composed from the repository
// context, the failure excerpt, the verdict, and prior attempt summaries.
func (b *ContextBuilder) Build(ctx context.Context, item *store.WorkItem, pol *schema.RepositoryPolicy) (*FixContext, error) {
	scope, err := b.buildScope(ctx, item, pol)
	if err != nil {
		return nil, err
	}

	var prompt string
	if pol.Prompt.Template != "" {
		prompt, err = b.interp.ResolveString(ctx, pol.Prompt.Template, scope)
		if err != nil {
			return nil, err
		}
	} else {
		attempts, aerr := b.history.ListAttempts(ctx, item.ID)
		if aerr != nil {
			return nil, aerr
		}
		prompt, err = b.compose(ctx, item, pol, scope, attempts)
		if err != nil {
			return nil, err
		}
	}

	sum := sha256.Sum256([]byte(prompt))
	return &FixContext{
		Prompt: prompt,
		Digest: hex.EncodeToString(sum[:]),
	}, nil
}

// Scope builds the interpolation scope for the item: used for fix
// prompts here and for notification bodies in the escalation path.
func (b *ContextBuilder) Scope(ctx context.Context, item *store.WorkItem, pol *schema.RepositoryPolicy) (*expressions.InterpolationScope, error) {
	return b.buildScope(ctx, item, pol)
}

func (b *ContextBuilder) buildScope(ctx context.Context, item *store.WorkItem, pol *schema.RepositoryPolicy) (*expressions.InterpolationScope, error) {
	sb := expressions.NewScopeBuilder(policy.ItemData(item), policy.RepoData(pol), policy.PolicyData(pol))
	if err := sb.SetFailure(item.Failure); err != nil {
		return nil, err
	}

	verdict, err := b.latestVerdict(ctx, item.ID)
	if err != nil {
		return nil, err
	}
	if err := sb.SetAnalysis(verdict); err != nil {
		return nil, err
	}
	return sb.Build(), nil
}

// latestVerdict returns the payload of the newest analysis_completed
// event, or nil when the item has not been analyzed yet.
func (b *ContextBuilder) latestVerdict(ctx context.Context, itemID string) ([]byte, error) {
	events, err := b.history.GetEventsByType(ctx, schema.EventAnalysisCompleted, store.EventFilter{ItemID: itemID})
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	return events[len(events)-1].Payload, nil
}

func (b *ContextBuilder) compose(ctx context.Context, item *store.WorkItem, pol *schema.RepositoryPolicy, scope *expressions.InterpolationScope, attempts []*store.Attempt) (string, error) {
	var sb strings.Builder

	if pol.Prompt.Context != "" {
		repoCtx, err := b.interp.ResolveString(ctx, pol.Prompt.Context, scope)
		if err != nil {
			return "", err
		}
		sb.WriteString(repoCtx)
		sb.WriteString("\n\n")
	}

	fmt.Fprintf(&sb, "Fix the failing check %q (%s) on %s#%d, branch %s.\n",
		item.CheckName, item.CheckType, item.Repo, item.PRNumber, item.Branch)
	if item.PRTitle != "" {
		fmt.Fprintf(&sb, "PR title: %s\n", item.PRTitle)
	}

	if excerpt, ok := scope.Failure["excerpt"].(string); ok && excerpt != "" {
		sb.WriteString("\nFailure output:\n")
		sb.WriteString(capExcerpt(excerpt, MaxExcerptBytes))
		sb.WriteString("\n")
	}

	if reason, ok := scope.Analysis["reason"].(string); ok && reason != "" {
		fmt.Fprintf(&sb, "\nClassifier assessment: %s\n", reason)
	}
	if fix, ok := scope.Analysis["suggested_fix"].(string); ok && fix != "" {
		fmt.Fprintf(&sb, "Suggested fix: %s\n", fix)
	}

	if len(attempts) > 0 {
		sb.WriteString("\nPrior attempts:\n")
		for _, a := range attempts {
			line := a.Summary
			if line == "" {
				line = a.ErrorMessage
			}
			fmt.Fprintf(&sb, "- attempt %d (%s): %s\n", a.Number, a.Outcome, line)
		}
	}

	return sb.String(), nil
}

// capExcerpt truncates at a rune boundary at or below n bytes.
func capExcerpt(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n... (truncated)"
}
