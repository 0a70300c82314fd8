package logging

import (
	"context"
	"time"
)

// DetachContext creates a context that won't be cancelled when parent is.
//
// Cleanup and metrics writes must complete even when the request context
// was cancelled or timed out; those paths run under a detached context.
func DetachContext(parent context.Context) context.Context {
	return context.WithoutCancel(parent)
}

// DetachContextWithTimeout creates a detached context with its own timeout,
// independent of the parent's cancellation status.
//
// Example usage:
//
//	recCtx, cancel := logging.DetachContextWithTimeout(ctx, 5*time.Second)
//	defer cancel()
//	err := store.RecordRequest(recCtx, metric)
func DetachContextWithTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(parent)
	return context.WithTimeout(detached, timeout)
}
