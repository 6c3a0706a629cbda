// Package concurrency provides the shared pool constructor used by the
// engine's stage supervisor and the evaluation stage's per-batch fan-out.
package concurrency

import (
	"context"

	"github.com/sourcegraph/conc/pool"
)

// NewPool returns a context-aware pool that cancels remaining tasks on the
// first error and reports only that error from Wait.
func NewPool(ctx context.Context, maxGoroutines int) *pool.ContextPool {
	return pool.New().
		WithContext(ctx).
		WithCancelOnError().
		WithFirstError().
		WithMaxGoroutines(maxGoroutines)
}
