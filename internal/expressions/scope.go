package expressions

import (
	"encoding/json"
	"sync"

	"github.com/feddericovonwernich/pr-checks-agent/pkg/schema"
)

// ScopeBuilder accumulates namespace data for interpolation as an item
// moves through its lifecycle: item and repo facts at creation, the
// failure detail after observation, the analysis verdict after
// classification. Every namespace is frozen (deep-copied) on insert, so
// a scope built for one prompt cannot be mutated by later pipeline work.
type ScopeBuilder struct {
	mu       sync.RWMutex
	item     map[string]any
	failure  map[string]any
	analysis map[string]any
	repo     map[string]any
	policy   map[string]any
}

// NewScopeBuilder creates a ScopeBuilder initialized with the item, repo,
// and policy namespaces. All maps are deep-copied.
func NewScopeBuilder(item, repo, policy map[string]any) *ScopeBuilder {
	return &ScopeBuilder{
		item:   deepCopyMap(item),
		repo:   deepCopyMap(repo),
		policy: deepCopyMap(policy),
	}
}

// SetFailure registers the observed failure detail. A second call is
// rejected; the failure snapshot an analysis saw must stay the one the
// fix prompt sees.
func (sb *ScopeBuilder) SetFailure(raw json.RawMessage) error {
	return sb.setFrozen(&sb.failure, "failure", raw)
}

// SetAnalysis registers the classifier verdict. Immutable once set.
func (sb *ScopeBuilder) SetAnalysis(raw json.RawMessage) error {
	return sb.setFrozen(&sb.analysis, "analysis", raw)
}

func (sb *ScopeBuilder) setFrozen(target *map[string]any, name string, raw json.RawMessage) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if *target != nil {
		return schema.NewErrorf(schema.ErrCodeInterpolation,
			"%s scope already registered; namespaces are immutable once set", name)
	}
	if len(raw) == 0 {
		*target = map[string]any{}
		return nil
	}

	var parsed map[string]any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return schema.NewErrorf(schema.ErrCodeInterpolation,
			"cannot parse %s data: %s", name, err.Error())
	}
	*target = deepCopyMap(parsed)
	return nil
}

// Build creates an InterpolationScope snapshot. The returned scope is
// safe for concurrent use: all data is copied.
func (sb *ScopeBuilder) Build() *InterpolationScope {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	return &InterpolationScope{
		Item:     deepCopyMap(sb.item),
		Failure:  deepCopyMap(sb.failure),
		Analysis: deepCopyMap(sb.analysis),
		Repo:     deepCopyMap(sb.repo),
		Policy:   deepCopyMap(sb.policy),
	}
}

// ToMap flattens the scope into the map form the CEL and expr engines
// evaluate against.
func (s *InterpolationScope) ToMap() map[string]any {
	return map[string]any{
		"item":     orEmpty(s.Item),
		"failure":  orEmpty(s.Failure),
		"analysis": orEmpty(s.Analysis),
		"repo":     orEmpty(s.Repo),
		"policy":   orEmpty(s.Policy),
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// --- Deep copy utilities ---

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively deep-copies a value.
// Handles maps, slices, and primitives (which are inherently immutable).
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		// Primitives (string, float64, bool, nil, int, int64) are value types.
		return v
	}
}
