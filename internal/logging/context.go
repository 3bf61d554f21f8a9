package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	itemIDKey ctxKey = iota
	repoKey
	attemptKey
)

// WithItemID returns a context with the work item ID set.
func WithItemID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, itemIDKey, id)
}

// WithRepo returns a context with the repository name set.
func WithRepo(ctx context.Context, repo string) context.Context {
	return context.WithValue(ctx, repoKey, repo)
}

// WithAttempt returns a context with the fix attempt number set.
func WithAttempt(ctx context.Context, n int) context.Context {
	return context.WithValue(ctx, attemptKey, n)
}

// ItemID extracts the work item ID from the context, or "" if absent.
func ItemID(ctx context.Context) string {
	v, _ := ctx.Value(itemIDKey).(string)
	return v
}

// Repo extracts the repository name from the context, or "" if absent.
func Repo(ctx context.Context) string {
	v, _ := ctx.Value(repoKey).(string)
	return v
}

// Attempt extracts the fix attempt number from the context, or 0 if absent.
func Attempt(ctx context.Context) int {
	v, _ := ctx.Value(attemptKey).(int)
	return v
}

// WithItem sets the item ID and repository on the context at once.
func WithItem(ctx context.Context, itemID, repo string) context.Context {
	ctx = WithItemID(ctx, itemID)
	ctx = WithRepo(ctx, repo)
	return ctx
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if id := ItemID(ctx); id != "" {
		logger = logger.With(slog.String("item_id", id))
	}
	if repo := Repo(ctx); repo != "" {
		logger = logger.With(slog.String("repo", repo))
	}
	if n := Attempt(ctx); n > 0 {
		logger = logger.With(slog.Int("attempt", n))
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := ItemID(ctx); v != "" {
		r.AddAttrs(slog.String("item_id", v))
	}
	if v := Repo(ctx); v != "" {
		r.AddAttrs(slog.String("repo", v))
	}
	if n := Attempt(ctx); n > 0 {
		r.AddAttrs(slog.Int("attempt", n))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
