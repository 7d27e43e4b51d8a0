package lanes

import (
	"context"
	"sync"
	"time"
)

// TaskFunc is the unit of work submitted to a lane. Implementations must
// observe ctx for cooperative cancellation; the scheduler does not preempt
// a running task.
type TaskFunc func(ctx context.Context) (any, error)

// TaskOptions configures a single task submission.
type TaskOptions struct {
	// Priority orders tasks within a lane; higher values run sooner.
	Priority int

	// Timeout bounds the task's execution. Zero uses the scheduler default.
	Timeout time.Duration

	// Abort, when non-nil, cancels the task cooperatively: a queued task is
	// rejected, a running task sees its context cancelled.
	Abort context.Context
}

type taskResult struct {
	value any
	err   error
}

// Task is one unit of work queued on a lane. It is owned by the lane that
// queued it until it resolves; never shared across lanes.
type Task struct {
	ID        string
	SessionID string
	Name      string

	fn       TaskFunc
	ctx      context.Context
	priority int
	timeout  time.Duration
	abort    context.Context

	createdAt   time.Time
	startedAt   time.Time
	completedAt time.Time

	result  chan taskResult
	resolve sync.Once
}

// finish delivers the task's outcome. Whichever of completion, timeout,
// abort, or cancellation fires first wins; later attempts are no-ops.
func (t *Task) finish(value any, err error) {
	t.resolve.Do(func() {
		t.result <- taskResult{value: value, err: err}
		close(t.result)
	})
}

// Result blocks until the task resolves and returns its outcome.
func (t *Task) Result() (any, error) {
	r := <-t.result
	return r.value, r.err
}

// Priority returns the task's priority.
func (t *Task) Priority() int {
	return t.priority
}

// CreatedAt returns the task's submission time.
func (t *Task) CreatedAt() time.Time {
	return t.createdAt
}
