package lanes

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wiratama/banyu/internal/observability"
	"github.com/wiratama/banyu/internal/tracing"
)

// LaneStatus is the lifecycle state of a lane.
type LaneStatus string

const (
	LaneIdle      LaneStatus = "idle"
	LaneExecuting LaneStatus = "executing"
	LaneDraining  LaneStatus = "draining"
)

// SessionLane serializes task execution for one session identifier. The
// queue and currentTask are mutated only under mu, by the lane's own
// draining goroutine and the public cancel/enqueue paths.
type SessionLane struct {
	sessionID string
	sched     *Scheduler

	mu             sync.Mutex
	queue          []*Task
	status         LaneStatus
	currentTask    *Task
	processing     bool
	totalExecuted  int
	totalErrors    int
	createdAt      time.Time
	lastActivityAt time.Time
}

// LaneInfo is a point-in-time snapshot of a lane.
type LaneInfo struct {
	SessionID      string
	Status         LaneStatus
	QueueLength    int
	CurrentTaskID  string
	TotalExecuted  int
	TotalErrors    int
	CreatedAt      time.Time
	LastActivityAt time.Time
}

func newSessionLane(sessionID string, sched *Scheduler) *SessionLane {
	now := time.Now()
	return &SessionLane{
		sessionID:      sessionID,
		sched:          sched,
		queue:          make([]*Task, 0),
		status:         LaneIdle,
		createdAt:      now,
		lastActivityAt: now,
	}
}

// enqueue inserts the task by priority and kicks the draining loop if the
// lane is idle. Insertion is before the first queued task whose priority is
// strictly lower, which keeps submission order among equal priorities.
func (l *SessionLane) enqueue(task *Task) error {
	l.mu.Lock()

	if l.status == LaneDraining {
		l.mu.Unlock()
		return ErrLaneDraining
	}
	if len(l.queue) >= l.sched.opts.MaxQueueSize {
		l.mu.Unlock()
		return ErrQueueFull
	}

	pos := len(l.queue)
	for i, queued := range l.queue {
		if queued.priority < task.priority {
			pos = i
			break
		}
	}
	l.queue = append(l.queue, nil)
	copy(l.queue[pos+1:], l.queue[pos:])
	l.queue[pos] = task

	l.lastActivityAt = time.Now()
	queueSize := len(l.queue)

	start := !l.processing
	if start {
		l.processing = true
	}
	l.mu.Unlock()

	observability.RecordLaneEnqueue(l.sessionID, queueSize)
	l.sched.emit(Event{
		Type:      EventTaskQueued,
		SessionID: l.sessionID,
		TaskID:    task.ID,
		TaskName:  task.Name,
		QueueSize: queueSize,
	})

	logger := tracing.LoggerFromContext(task.ctx, log.Logger)
	logger.Debug().
		Str("lane", l.sessionID).
		Str("task_id", task.ID).
		Int("priority", task.priority).
		Int("queue_size", queueSize).
		Msg("Task enqueued")

	if start {
		go l.drainLoop()
	}
	return nil
}

// drainLoop executes queued tasks one at a time until the queue empties.
// Exactly one drainLoop runs per lane, guarded by the processing flag.
func (l *SessionLane) drainLoop() {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 || l.status == LaneDraining {
			if l.status != LaneDraining {
				l.status = LaneIdle
			}
			l.currentTask = nil
			l.processing = false
			l.lastActivityAt = time.Now()
			l.mu.Unlock()
			return
		}

		task := l.queue[0]
		l.queue = l.queue[1:]

		// A task whose abort fired while queued is rejected without running.
		if task.abort != nil && task.abort.Err() != nil {
			queueSize := len(l.queue)
			l.lastActivityAt = time.Now()
			l.mu.Unlock()

			task.finish(nil, ErrTaskCancelled)
			l.reportOutcome(task, ErrTaskCancelled, 0, queueSize)
			continue
		}

		l.currentTask = task
		l.status = LaneExecuting
		task.startedAt = time.Now()
		l.lastActivityAt = task.startedAt
		l.mu.Unlock()

		l.sched.emit(Event{
			Type:      EventTaskStarted,
			SessionID: l.sessionID,
			TaskID:    task.ID,
			TaskName:  task.Name,
		})

		value, err := l.runTask(task)
		duration := time.Since(task.startedAt)

		l.mu.Lock()
		task.completedAt = time.Now()
		l.currentTask = nil
		if err != nil {
			l.totalErrors++
		} else {
			l.totalExecuted++
		}
		queueSize := len(l.queue)
		l.lastActivityAt = task.completedAt
		l.mu.Unlock()

		task.finish(value, err)
		l.reportOutcome(task, err, duration, queueSize)
	}
}

// runTask races the task function against its timeout and abort context.
// A task that never returns is abandoned to its goroutine; cancellation is
// cooperative through the context handed to the function.
func (l *SessionLane) runTask(task *Task) (any, error) {
	timeout := task.timeout
	if timeout <= 0 {
		timeout = l.sched.opts.DefaultTaskTimeout
	}

	runCtx, cancel := context.WithTimeout(task.ctx, timeout)
	defer cancel()

	if task.abort != nil {
		stop := context.AfterFunc(task.abort, cancel)
		defer stop()
	}

	resCh := make(chan taskResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resCh <- taskResult{err: fmt.Errorf("task panicked: %v", r)}
			}
		}()
		value, err := task.fn(runCtx)
		resCh <- taskResult{value: value, err: err}
	}()

	select {
	case r := <-resCh:
		// A cooperative function often returns ctx.Err() itself; fold that
		// into the same sentinels the timeout path produces.
		switch {
		case r.err == nil:
			return r.value, nil
		case errors.Is(r.err, context.DeadlineExceeded) && runCtx.Err() != nil:
			return nil, ErrTaskTimeout
		case errors.Is(r.err, context.Canceled) && task.abort != nil && task.abort.Err() != nil:
			return nil, ErrTaskCancelled
		}
		return r.value, r.err
	case <-runCtx.Done():
		if task.abort != nil && task.abort.Err() != nil {
			return nil, ErrTaskCancelled
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, ErrTaskTimeout
		}
		return nil, ErrTaskCancelled
	}
}

func (l *SessionLane) reportOutcome(task *Task, err error, duration time.Duration, queueSize int) {
	logger := tracing.LoggerFromContext(task.ctx, log.Logger)

	ev := Event{
		SessionID: l.sessionID,
		TaskID:    task.ID,
		TaskName:  task.Name,
		QueueSize: queueSize,
		Duration:  duration,
	}

	status := "success"
	switch {
	case err == nil:
		ev.Type = EventTaskCompleted
		logger.Debug().
			Str("lane", l.sessionID).
			Str("task_id", task.ID).
			Dur("duration", duration).
			Msg("Task completed")
	case errors.Is(err, ErrTaskTimeout):
		ev.Type = EventTaskTimeout
		ev.Err = err.Error()
		status = "timeout"
		logger.Warn().
			Str("lane", l.sessionID).
			Str("task_id", task.ID).
			Dur("duration", duration).
			Msg("Task timed out")
	case errors.Is(err, ErrTaskCancelled):
		ev.Type = EventTaskCancelled
		ev.Err = err.Error()
		status = "cancelled"
		logger.Debug().
			Str("lane", l.sessionID).
			Str("task_id", task.ID).
			Msg("Task cancelled")
	default:
		ev.Type = EventTaskFailed
		ev.Err = err.Error()
		status = "error"
		logger.Error().
			Str("lane", l.sessionID).
			Str("task_id", task.ID).
			Dur("duration", duration).
			Err(err).
			Msg("Task failed")
	}

	observability.RecordLaneTask(l.sessionID, duration, status, queueSize)
	l.sched.emit(ev)
}

// cancelTask removes one queued-but-not-started task. A task already
// executing is not affected.
func (l *SessionLane) cancelTask(taskID string) bool {
	l.mu.Lock()
	for i, task := range l.queue {
		if task.ID == taskID {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			queueSize := len(l.queue)
			l.lastActivityAt = time.Now()
			l.mu.Unlock()

			task.finish(nil, ErrTaskCancelled)
			observability.SetLaneQueueSize(l.sessionID, queueSize)
			l.sched.emit(Event{
				Type:      EventTaskCancelled,
				SessionID: l.sessionID,
				TaskID:    task.ID,
				TaskName:  task.Name,
				QueueSize: queueSize,
			})
			return true
		}
	}
	l.mu.Unlock()
	return false
}

// cancelAll rejects every queued task and empties the queue. The currently
// executing task, if any, keeps running.
func (l *SessionLane) cancelAll() int {
	l.mu.Lock()
	cancelled := l.queue
	l.queue = make([]*Task, 0)
	l.lastActivityAt = time.Now()
	l.mu.Unlock()

	for _, task := range cancelled {
		task.finish(nil, ErrTaskCancelled)
		l.sched.emit(Event{
			Type:      EventTaskCancelled,
			SessionID: l.sessionID,
			TaskID:    task.ID,
			TaskName:  task.Name,
		})
	}

	if len(cancelled) > 0 {
		observability.SetLaneQueueSize(l.sessionID, 0)
		log.Info().
			Str("lane", l.sessionID).
			Int("cancelled", len(cancelled)).
			Msg("Lane queue cancelled")
	}
	return len(cancelled)
}

// drain cancels all queued tasks and waits for the in-flight task, if any,
// to finish. Used during scheduler shutdown.
func (l *SessionLane) drain(ctx context.Context) error {
	l.mu.Lock()
	l.status = LaneDraining
	l.mu.Unlock()

	l.cancelAll()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		l.mu.Lock()
		busy := l.currentTask != nil || l.processing
		l.mu.Unlock()
		if !busy {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// info returns a snapshot of the lane.
func (l *SessionLane) info() LaneInfo {
	l.mu.Lock()
	defer l.mu.Unlock()

	info := LaneInfo{
		SessionID:      l.sessionID,
		Status:         l.status,
		QueueLength:    len(l.queue),
		TotalExecuted:  l.totalExecuted,
		TotalErrors:    l.totalErrors,
		CreatedAt:      l.createdAt,
		LastActivityAt: l.lastActivityAt,
	}
	if l.currentTask != nil {
		info.CurrentTaskID = l.currentTask.ID
	}
	return info
}

// idleFor reports whether the lane has been idle and empty for longer
// than the given duration.
func (l *SessionLane) idleFor(d time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status == LaneIdle &&
		len(l.queue) == 0 &&
		l.currentTask == nil &&
		time.Since(l.lastActivityAt) > d
}
