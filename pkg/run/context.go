package run

import "context"

type ctxKey int

const runIDKey ctxKey = iota

// WithRunID tags a context with the current run ID so downstream layers
// (LLM middleware, tools) can label their work without extra plumbing.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// RunIDFromContext returns the run ID set by WithRunID, or "" when absent.
func RunIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(runIDKey).(string); ok {
		return id
	}
	return ""
}
