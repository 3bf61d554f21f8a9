package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/feddericovonwernich/pr-checks-agent/internal/secrets"
	"github.com/feddericovonwernich/pr-checks-agent/pkg/schema"
)

// InterpolationScope holds all data available for variable resolution in
// prompt templates and notification bodies. Each namespace is a plain map
// built by the caller (reasoning package) from the typed records.
type InterpolationScope struct {
	Item     map[string]any // work item fields (id, repo, pr_number, check_name, ...)
	Failure  map[string]any // failure detail (excerpt, log_tail, check_type, ...)
	Analysis map[string]any // classifier verdict (fixable, severity, suggested_fix, ...)
	Repo     map[string]any // repository metadata (owner, name, full_name)
	Policy   map[string]any // repository policy knobs (max_attempts, prompt context, ...)
}

// Interpolator resolves ${{...}} references in templates.
// Two-pass: first resolves non-secret variables, second resolves secrets.
type Interpolator struct {
	vault secrets.Vault
}

// NewInterpolator creates a new Interpolator with an optional Vault for secret resolution.
func NewInterpolator(vault secrets.Vault) *Interpolator {
	return &Interpolator{vault: vault}
}

// Resolve performs two-pass interpolation on a raw template.
// Pass 1: resolves item.*, failure.*, analysis.*, repo.*, policy.* references.
// Pass 2: resolves secrets.* references via the Vault.
// Returns the interpolated bytes.
func (interp *Interpolator) Resolve(ctx context.Context, raw json.RawMessage, scope *InterpolationScope) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}

	s := string(raw)

	// Pass 1: non-secret variables.
	resolved, err := interp.resolvePass(ctx, s, scope, false)
	if err != nil {
		return nil, err
	}

	// Pass 2: secrets only.
	resolved, err = interp.resolvePass(ctx, resolved, scope, true)
	if err != nil {
		return nil, err
	}

	return json.RawMessage(resolved), nil
}

// ResolveString is Resolve for plain-text templates (prompts, message bodies).
func (interp *Interpolator) ResolveString(ctx context.Context, template string, scope *InterpolationScope) (string, error) {
	out, err := interp.Resolve(ctx, json.RawMessage(template), scope)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// resolvePass scans for ${{...}} tokens and resolves them.
// If secretPass is false, it resolves everything except secrets.* and leaves secrets untouched.
// If secretPass is true, it only resolves secrets.* references.
func (interp *Interpolator) resolvePass(ctx context.Context, input string, scope *InterpolationScope, secretPass bool) (string, error) {
	var result strings.Builder
	result.Grow(len(input))

	i := 0
	for i < len(input) {
		// Look for ${{ marker.
		idx := strings.Index(input[i:], "${{")
		if idx == -1 {
			result.WriteString(input[i:])
			break
		}

		// Write everything before the marker.
		result.WriteString(input[i : i+idx])
		start := i + idx + 3 // skip "${{".

		// Find the closing }}.
		end := strings.Index(input[start:], "}}")
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeInterpolation, "unclosed ${{ expression")
		}
		end += start

		expr := strings.TrimSpace(input[start:end])

		// Reject recursive interpolation: no nested ${{ inside the expression.
		if strings.Contains(expr, "${{") {
			return "", schema.NewError(schema.ErrCodeInterpolation,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}

		if expr == "" {
			return "", schema.NewError(schema.ErrCodeInterpolation, "empty variable reference: ${{  }}")
		}

		isSecret := strings.HasPrefix(expr, "secrets.")

		if secretPass && !isSecret {
			// Pass 2 but not a secret — write back the original token unchanged.
			result.WriteString(input[i+idx : end+2])
			i = end + 2
			continue
		}
		if !secretPass && isSecret {
			// Pass 1 but it's a secret — write back the original token unchanged.
			result.WriteString(input[i+idx : end+2])
			i = end + 2
			continue
		}

		val, err := interp.resolveExpr(ctx, expr, scope)
		if err != nil {
			return "", err
		}

		// Embed the resolved value into the output.
		result.WriteString(marshalInline(val))

		i = end + 2 // skip "}}".
	}

	return result.String(), nil
}

// resolveExpr resolves a single expression path like "failure.excerpt".
func (interp *Interpolator) resolveExpr(ctx context.Context, expr string, scope *InterpolationScope) (any, error) {
	parts := strings.SplitN(expr, ".", 2)
	namespace := parts[0]
	if len(parts) < 2 || parts[1] == "" {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid reference %q: expected <namespace>.<field>", expr).
			WithDetails(map[string]any{"expression": expr})
	}
	fieldPath := parts[1]

	switch namespace {
	case "item":
		return interp.resolveFromMap(scope.Item, fieldPath, expr, "item")
	case "failure":
		return interp.resolveFromMap(scope.Failure, fieldPath, expr, "failure")
	case "analysis":
		return interp.resolveFromMap(scope.Analysis, fieldPath, expr, "analysis")
	case "repo":
		return interp.resolveFromMap(scope.Repo, fieldPath, expr, "repo")
	case "policy":
		return interp.resolveFromMap(scope.Policy, fieldPath, expr, "policy")
	case "secrets":
		return interp.resolveSecret(ctx, expr)
	default:
		available := []string{"item", "failure", "analysis", "repo", "policy", "secrets"}
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"unknown namespace %q in ${{%s}}; available: %s", namespace, expr, strings.Join(available, ", ")).
			WithDetails(map[string]any{"expression": expr, "available_namespaces": available})
	}
}

// resolveSecret resolves secrets.<key> via the Vault.
func (interp *Interpolator) resolveSecret(ctx context.Context, expr string) (any, error) {
	parts := strings.SplitN(expr, ".", 2)
	if len(parts) < 2 || parts[1] == "" {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid secret reference %q: expected secrets.<KEY>", expr).
			WithDetails(map[string]any{"expression": expr})
	}

	key := parts[1]

	if interp.vault == nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"cannot resolve secret %q: no vault configured", key).
			WithDetails(map[string]any{"expression": expr})
	}

	val, err := interp.vault.Resolve(ctx, key)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"failed to resolve secret %q: %s", key, err.Error()).
			WithDetails(map[string]any{"expression": expr}).WithCause(err)
	}

	return string(val), nil
}

// resolveFromMap resolves a dot-delimited field path from a map.
func (interp *Interpolator) resolveFromMap(data map[string]any, fieldPath, expr, namespace string) (any, error) {
	if data == nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"cannot resolve %q: %s scope is empty", expr, namespace).
			WithDetails(map[string]any{"expression": expr})
	}

	// Try direct key lookup first (supports keys with dots).
	if val, ok := data[fieldPath]; ok {
		return val, nil
	}

	// Traverse by splitting on dots.
	return interp.traversePath(data, fieldPath, expr)
}

// traversePath navigates into nested maps using a dot-delimited path.
func (interp *Interpolator) traversePath(root any, path, expr string) (any, error) {
	segments := strings.Split(path, ".")
	current := root

	for i, seg := range segments {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"empty segment in path %q at position %d", expr, i).
				WithDetails(map[string]any{"expression": expr})
		}

		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				availableKeys := mapKeys(v)
				return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
					"field %q not found in %q; available: [%s]", seg, expr, strings.Join(availableKeys, ", ")).
					WithDetails(map[string]any{"expression": expr, "available_fields": availableKeys})
			}
			current = val
		default:
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"cannot traverse into non-object at %q in %q (type: %T)", seg, expr, current).
				WithDetails(map[string]any{"expression": expr})
		}
	}

	return current, nil
}

// marshalInline converts a resolved value into its inline representation.
// Strings are embedded without extra quotes; complex types JSON-encode inline.
func marshalInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// mapKeys returns sorted keys from a map[string]any.
func mapKeys(m map[string]any) []string {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Simple insertion sort for small slices.
	for i := 1; i < len(keys); i++ {
		key := keys[i]
		j := i - 1
		for j >= 0 && keys[j] > key {
			keys[j+1] = keys[j]
			j--
		}
		keys[j+1] = key
	}
	return keys
}

// HasInterpolation checks if a blob contains any ${{...}} references.
func HasInterpolation(raw json.RawMessage) bool {
	return strings.Contains(string(raw), "${{")
}
