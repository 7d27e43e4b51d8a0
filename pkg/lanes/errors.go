package lanes

import "errors"

var (
	// ErrQueueFull is returned when a lane's queue is at capacity
	ErrQueueFull = errors.New("lane queue is full")

	// ErrTaskTimeout is returned when a task exceeds its timeout
	ErrTaskTimeout = errors.New("task timed out")

	// ErrTaskCancelled is returned when a queued task is cancelled before it starts,
	// or when a running task's abort context fires
	ErrTaskCancelled = errors.New("task cancelled")

	// ErrSchedulerClosed is returned when the scheduler has been shut down
	ErrSchedulerClosed = errors.New("scheduler is shut down")

	// ErrLaneDraining is returned when a task is submitted to a draining lane
	ErrLaneDraining = errors.New("lane is draining")

	// ErrWaitTimeout is returned when a wait condition does not become ready in time
	ErrWaitTimeout = errors.New("wait condition timed out")
)
