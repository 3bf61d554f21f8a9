package schema

// OverrideKind enumerates the administrative overrides an operator can
// apply to a work item.
type OverrideKind string

const (
	OverrideForceRetry   OverrideKind = "force_retry"
	OverrideForceResolve OverrideKind = "force_resolve"
	OverrideClose        OverrideKind = "close"
	OverrideAcknowledge  OverrideKind = "acknowledge"
)

// Override is an operator-initiated command against a work item. It is
// not persisted as its own row; applying one records an audit event with
// the operator as actor.
type Override struct {
	Kind   OverrideKind `json:"kind"`
	ItemID string       `json:"item_id"`
	Actor  string       `json:"actor,omitempty"`
	Note   string       `json:"note,omitempty"`
}
