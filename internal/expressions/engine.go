package expressions

import "context"

// Engine evaluates expressions against scope data.
// Three implementations: CEL (routing rules), GoJQ (operator queries), Expr (priority rules).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
