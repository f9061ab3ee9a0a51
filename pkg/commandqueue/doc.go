// Package commandqueue serializes work per lane while letting lanes run concurrently.
//
// Invariants:
// - Tasks in the same lane execute in FIFO order, one at a time unless the
//   lane was created with higher concurrency.
// - Tasks in different lanes never wait on each other.
// - A caller whose context ends while its task is still queued gets the
//   context error and the task never runs.
// - Idle lanes are dropped, so per-identity lanes do not accumulate.
//
// Usage:
//
//	queue := commandqueue.New()
//	defer queue.Close()
//	result, err := queue.EnqueueWithContext(ctx, "agent:manager:u1", func(ctx context.Context) (any, error) {
//		return "ok", nil
//	}, nil)
package commandqueue
