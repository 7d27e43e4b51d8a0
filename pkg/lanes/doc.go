// Package lanes provides per-session serialized task execution with
// priority ordering, timeouts, and cooperative cancellation.
//
// Invariants:
// - Within one lane, at most one task is in flight at any time.
// - Tasks of equal priority execute in submission order; higher priority runs sooner.
// - A failing, timed-out, or cancelled task never leaves its lane broken.
// - Lane activity is observable through a bounded event channel and metrics.
//
// Usage:
//
//	sched := lanes.NewScheduler(lanes.DefaultOptions())
//	defer sched.Shutdown(context.Background())
//	res := sched.Execute(ctx, "session:abc", "fetch", func(ctx context.Context) (any, error) {
//		return "ok", nil
//	})
//	_ = res
package lanes
