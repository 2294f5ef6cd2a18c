package validate

import (
	"context"
	"fmt"
)

// RunSync executes a validation run and blocks until its Result is ready.
// The pipeline runs on a dedicated goroutine; callers need no concurrency
// awareness of their own.
func (r *Runner) RunSync(req Request) Result {
	return r.RunSyncContext(context.Background(), req)
}

// RunSyncContext is RunSync with caller-controlled cancellation. When the
// context ends before the pipeline finishes, a failure Result is returned
// immediately; the worker goroutine observes the same context and releases
// the worker process on its way out.
func (r *Runner) RunSyncContext(ctx context.Context, req Request) Result {
	// Buffered so an abandoned worker can still deliver and exit.
	results := make(chan Result, 1)
	go func() {
		results <- r.Run(ctx, req)
	}()

	select {
	case res := <-results:
		return res
	case <-ctx.Done():
		return Result{Success: false, Error: fmt.Sprintf("validation cancelled: %v", ctx.Err())}
	}
}
