package policy

import (
	"context"

	"github.com/feddericovonwernich/pr-checks-agent/internal/expressions"
	"github.com/feddericovonwernich/pr-checks-agent/internal/store"
	"github.com/feddericovonwernich/pr-checks-agent/pkg/schema"
)

// Route is the chosen destination for one escalation.
type Route struct {
	Channel  string
	Mentions []string
	Urgency  string
}

// Router evaluates the policy's ordered routing rules. The first rule
// whose CEL condition holds wins; no match falls back to the repo
// default channel.
type Router struct {
	cel *expressions.CELEngine
}

// NewRouter creates a Router with its own compiled-rule cache.
func NewRouter() (*Router, error) {
	eng, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Router{cel: eng}, nil
}

// Route picks the destination for an escalation. Rule conditions see the
// item, the escalation record, and the policy. A rule that fails to
// evaluate surfaces as an error rather than being skipped.
func (r *Router) Route(ctx context.Context, pol *schema.RepositoryPolicy, item *store.WorkItem, esc *store.Escalation) (Route, error) {
	fallback := Route{
		Channel:  pol.Escalation.Channel,
		Mentions: pol.Escalation.Mentions,
		Urgency:  esc.Urgency,
	}
	if fallback.Urgency == "" {
		fallback.Urgency = schema.UrgencyNormal
	}
	if len(pol.Escalation.Routing) == 0 {
		return fallback, nil
	}

	data := map[string]any{
		"item":       ItemData(item),
		"escalation": EscalationData(esc),
		"policy":     PolicyData(pol),
	}
	for _, rule := range pol.Escalation.Routing {
		out, err := r.cel.Evaluate(ctx, rule.When, data)
		if err != nil {
			return Route{}, err
		}
		matched, ok := out.(bool)
		if !ok {
			return Route{}, schema.NewErrorf(schema.ErrCodeValidation,
				"routing condition %q returned %T, want bool", rule.When, out)
		}
		if !matched {
			continue
		}

		route := fallback
		if rule.Channel != "" {
			route.Channel = rule.Channel
		}
		if len(rule.Mentions) > 0 {
			route.Mentions = rule.Mentions
		}
		if rule.Urgency != "" {
			route.Urgency = rule.Urgency
		}
		return route, nil
	}
	return fallback, nil
}
