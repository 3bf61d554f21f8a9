package policy

import (
	"context"
	"path"
	"sort"

	"github.com/feddericovonwernich/pr-checks-agent/internal/expressions"
	"github.com/feddericovonwernich/pr-checks-agent/pkg/schema"
)

// DefaultWeight is the check weight for types without a configured entry.
// Lower is more urgent, so unknown checks land mid-scale.
const DefaultWeight = 5

// Scorer computes item priority at creation time. The score is a static
// snapshot: once an item is created its priority never changes.
type Scorer struct {
	expr *expressions.ExprEngine
}

// NewScorer creates a Scorer with its own expression cache.
func NewScorer() *Scorer {
	return &Scorer{expr: expressions.NewExprEngine()}
}

// Score returns the priority for a new item on the given check and
// branch. Without a rule expression the score is check weight plus
// branch weight; a configured rule receives both weights and the item
// coordinates and its numeric result wins.
func (s *Scorer) Score(ctx context.Context, pol *schema.RepositoryPolicy, checkType, checkName, branch string, prNumber int) (int, error) {
	checkWeight := DefaultWeight
	if w, ok := pol.Priorities.CheckTypes[checkType]; ok {
		checkWeight = w
	}
	branchWeight := matchWeight(pol.Priorities.Branches, branch)

	if pol.Priorities.Rule == "" {
		return checkWeight + branchWeight, nil
	}

	out, err := s.expr.Evaluate(ctx, pol.Priorities.Rule, map[string]any{
		"check_weight":  checkWeight,
		"branch_weight": branchWeight,
		"check_type":    checkType,
		"check_name":    checkName,
		"branch":        branch,
		"pr_number":     prNumber,
	})
	if err != nil {
		return 0, err
	}
	n, ok := asInt(out)
	if !ok {
		return 0, schema.NewErrorf(schema.ErrCodeValidation,
			"priority rule returned %T, want a number", out).
			WithDetails(map[string]any{"rule": pol.Priorities.Rule})
	}
	return n, nil
}

// matchWeight finds the branch weight: an exact entry wins, otherwise
// glob patterns are tried in sorted order so matching is deterministic.
// No match contributes nothing.
func matchWeight(branches map[string]int, branch string) int {
	if len(branches) == 0 {
		return 0
	}
	if w, ok := branches[branch]; ok {
		return w
	}
	patterns := make([]string, 0, len(branches))
	for p := range branches {
		patterns = append(patterns, p)
	}
	sort.Strings(patterns)
	for _, p := range patterns {
		if ok, err := path.Match(p, branch); err == nil && ok {
			return branches[p]
		}
	}
	return 0
}

// MatchesBranch reports whether the policy monitors the given branch.
// Empty filters admit every branch; a malformed pattern admits nothing
// (validation rejects it before it gets here).
func MatchesBranch(pol *schema.RepositoryPolicy, branch string) bool {
	if len(pol.BranchFilters) == 0 {
		return true
	}
	for _, f := range pol.BranchFilters {
		if f == branch {
			return true
		}
		if ok, err := path.Match(f, branch); err == nil && ok {
			return true
		}
	}
	return false
}

// MonitorsCheckType reports whether the policy monitors the check type.
// An empty list monitors everything.
func MonitorsCheckType(pol *schema.RepositoryPolicy, checkType string) bool {
	if len(pol.CheckTypes) == 0 {
		return true
	}
	for _, t := range pol.CheckTypes {
		if t == checkType {
			return true
		}
	}
	return false
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case float32:
		return int(n), true
	case uint64:
		return int(n), true
	}
	return 0, false
}
