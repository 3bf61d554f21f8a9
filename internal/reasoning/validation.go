package reasoning

import (
	"github.com/feddericovonwernich/pr-checks-agent/pkg/schema"
)

// ResolutionOption is one action offered to the human in an escalation
// message.
type ResolutionOption struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

// DefaultResolutionOptions are offered when the policy defines none.
var DefaultResolutionOptions = []ResolutionOption{
	{ID: "retry", Description: "Re-run the fix with a fresh attempt budget"},
	{ID: "resolve", Description: "Mark the failure as handled"},
	{ID: "close", Description: "Close the item without a fix"},
}

// ValidateResolution checks that the chosen option ID exists in the
// available options. Empty options accept any choice (free-form reply).
func ValidateResolution(options []ResolutionOption, choice string) error {
	if len(options) == 0 {
		return nil
	}
	for _, opt := range options {
		if opt.ID == choice {
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "invalid choice %q: not in available options", choice)
}

// OverrideForChoice maps a resolution choice to the operator override it
// triggers.
func OverrideForChoice(choice string) (schema.OverrideKind, error) {
	switch choice {
	case "retry":
		return schema.OverrideForceRetry, nil
	case "resolve":
		return schema.OverrideForceResolve, nil
	case "close":
		return schema.OverrideClose, nil
	}
	return "", schema.NewErrorf(schema.ErrCodeValidation, "no override for choice %q", choice)
}
