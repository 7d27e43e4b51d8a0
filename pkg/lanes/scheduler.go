package lanes

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/wiratama/banyu/internal/config"
	"github.com/wiratama/banyu/internal/observability"
	"github.com/wiratama/banyu/internal/tracing"
)

// GlobalLaneID is the session identifier of the always-present global lane,
// used to serialize cross-session operations. It is never reaped.
const GlobalLaneID = "__global__"

// Options configures a Scheduler.
type Options struct {
	MaxQueueSize       int
	DefaultTaskTimeout time.Duration
	IdleTimeout        time.Duration
	CleanupInterval    time.Duration
	EventBuffer        int
	WaitPollInterval   time.Duration
	WaitTimeout        time.Duration
}

// DefaultOptions returns the default scheduler options.
func DefaultOptions() Options {
	return Options{
		MaxQueueSize:       100,
		DefaultTaskTimeout: 10 * time.Minute,
		IdleTimeout:        5 * time.Minute,
		CleanupInterval:    time.Minute,
		EventBuffer:        256,
		WaitPollInterval:   500 * time.Millisecond,
		WaitTimeout:        30 * time.Second,
	}
}

// OptionsFromConfig builds scheduler options from the substrate configuration.
func OptionsFromConfig(cfg config.LanesConfig) Options {
	opts := DefaultOptions()
	if cfg.MaxQueueSize > 0 {
		opts.MaxQueueSize = cfg.MaxQueueSize
	}
	if cfg.TaskTimeout > 0 {
		opts.DefaultTaskTimeout = cfg.TaskTimeout
	}
	if cfg.IdleTimeout > 0 {
		opts.IdleTimeout = cfg.IdleTimeout
	}
	if cfg.CleanupInterval > 0 {
		opts.CleanupInterval = cfg.CleanupInterval
	}
	if cfg.EventBuffer > 0 {
		opts.EventBuffer = cfg.EventBuffer
	}
	return opts
}

// ExecutionResult is the structured outcome of Execute. Task failures are
// reported here rather than as a raw error, so callers always get one shape.
type ExecutionResult struct {
	Success       bool
	Result        any
	Error         error
	ExecutionTime time.Duration
	Cancelled     bool
	TimedOut      bool
}

// Stats aggregates scheduler-wide counters.
type Stats struct {
	Lanes         int
	QueuedTasks   int
	TotalExecuted int
	TotalErrors   int
	EventsDropped int64
}

// Condition is polled by Wait until it reports ready.
type Condition func(ctx context.Context) (any, bool)

// WaitOptions configures a Wait call.
type WaitOptions struct {
	PollInterval time.Duration
	Timeout      time.Duration
	Priority     int
	Abort        context.Context
}

// Scheduler routes tasks to per-session lanes, each of which executes one
// task at a time. Lanes are created lazily and reaped after idling.
type Scheduler struct {
	opts Options

	mu    sync.RWMutex
	lanes map[string]*SessionLane

	events        chan Event
	eventsDropped atomic.Int64
	taskSeq       atomic.Int64

	reaper *cron.Cron
	closed atomic.Bool
}

// NewScheduler creates a scheduler with the global lane pre-created and the
// idle-lane reaper running.
func NewScheduler(opts Options) *Scheduler {
	observability.EnsureRegistered()

	if opts.MaxQueueSize <= 0 {
		opts = DefaultOptions()
	}

	s := &Scheduler{
		opts:   opts,
		lanes:  make(map[string]*SessionLane),
		events: make(chan Event, opts.EventBuffer),
		reaper: cron.New(),
	}

	s.lanes[GlobalLaneID] = newSessionLane(GlobalLaneID, s)

	_, err := s.reaper.AddFunc(fmt.Sprintf("@every %s", opts.CleanupInterval), s.reapIdleLanes)
	if err != nil {
		// The interval comes from validated config; a parse failure here
		// means the interval string is malformed.
		log.Error().Err(err).Msg("Failed to schedule idle lane cleanup")
	}
	s.reaper.Start()

	log.Debug().
		Int("max_queue_size", opts.MaxQueueSize).
		Dur("idle_timeout", opts.IdleTimeout).
		Msg("Lane scheduler started")

	return s
}

// getOrCreateLane returns the lane for sessionID, creating it lazily.
func (s *Scheduler) getOrCreateLane(sessionID string) *SessionLane {
	s.mu.RLock()
	lane, exists := s.lanes[sessionID]
	s.mu.RUnlock()
	if exists {
		return lane
	}

	s.mu.Lock()
	lane, exists = s.lanes[sessionID]
	if !exists {
		lane = newSessionLane(sessionID, s)
		s.lanes[sessionID] = lane
		laneCount := len(s.lanes)
		s.mu.Unlock()

		observability.SetActiveLanes(laneCount)
		s.emit(Event{Type: EventLaneCreated, SessionID: sessionID})
		log.Debug().Str("lane", sessionID).Msg("Lane created")
		return lane
	}
	s.mu.Unlock()
	return lane
}

// Enqueue submits a task to the lane for sessionID and returns it without
// waiting. The task's Result blocks until it resolves.
func (s *Scheduler) Enqueue(ctx context.Context, sessionID, name string, fn TaskFunc, opts TaskOptions) (*Task, error) {
	if s.closed.Load() {
		return nil, ErrSchedulerClosed
	}
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := tracing.StartSpan(
		ctx,
		"banyu.lanes",
		"lanes.enqueue",
		attribute.String("lane", sessionID),
		attribute.String("task", name),
	)
	defer span.End()

	if tracing.GetSessionKey(ctx) == "" {
		ctx = tracing.WithSessionKey(ctx, sessionID)
	}

	id := fmt.Sprintf("%s-%d", sessionID, s.taskSeq.Add(1))
	ctx = tracing.WithTaskID(ctx, id)

	task := &Task{
		ID:        id,
		SessionID: sessionID,
		Name:      name,
		fn:        fn,
		ctx:       ctx,
		priority:  opts.Priority,
		timeout:   opts.Timeout,
		abort:     opts.Abort,
		createdAt: time.Now(),
		result:    make(chan taskResult, 1),
	}

	lane := s.getOrCreateLane(sessionID)
	if err := lane.enqueue(task); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	return task, nil
}

// Execute runs fn on the lane for sessionID and blocks until it resolves,
// normalizing the outcome into an ExecutionResult.
func (s *Scheduler) Execute(ctx context.Context, sessionID, name string, fn TaskFunc, opts ...TaskOptions) ExecutionResult {
	var taskOpts TaskOptions
	if len(opts) > 0 {
		taskOpts = opts[0]
	}

	start := time.Now()
	task, err := s.Enqueue(ctx, sessionID, name, fn, taskOpts)
	if err != nil {
		return ExecutionResult{
			Error:         err,
			ExecutionTime: time.Since(start),
		}
	}

	value, err := task.Result()
	return ExecutionResult{
		Success:       err == nil,
		Result:        value,
		Error:         err,
		ExecutionTime: time.Since(start),
		Cancelled:     errors.Is(err, ErrTaskCancelled),
		TimedOut:      errors.Is(err, ErrTaskTimeout),
	}
}

// ExecuteGlobal runs fn on the global lane, serializing it against every
// other global operation.
func (s *Scheduler) ExecuteGlobal(ctx context.Context, name string, fn TaskFunc, opts ...TaskOptions) ExecutionResult {
	return s.Execute(ctx, GlobalLaneID, name, fn, opts...)
}

// Wait polls condition on the session's lane until it reports ready, the
// abort context fires, or the timeout elapses. It reuses the lane task
// machinery, so the poll is serialized like any other task on the lane.
func (s *Scheduler) Wait(ctx context.Context, sessionID string, condition Condition, opts WaitOptions) (any, error) {
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = s.opts.WaitPollInterval
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = s.opts.WaitTimeout
	}

	task, err := s.Enqueue(ctx, sessionID, "wait", func(ctx context.Context) (any, error) {
		if value, ok := condition(ctx); ok {
			return value, nil
		}

		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-ticker.C:
				if value, ok := condition(ctx); ok {
					return value, nil
				}
			}
		}
	}, TaskOptions{
		Priority: opts.Priority,
		Timeout:  timeout,
		Abort:    opts.Abort,
	})
	if err != nil {
		return nil, err
	}

	value, err := task.Result()
	if errors.Is(err, ErrTaskTimeout) {
		return nil, ErrWaitTimeout
	}
	return value, err
}

// CancelTask cancels one queued-but-not-started task on the session's lane.
func (s *Scheduler) CancelTask(sessionID, taskID string) bool {
	s.mu.RLock()
	lane, exists := s.lanes[sessionID]
	s.mu.RUnlock()
	if !exists {
		return false
	}
	return lane.cancelTask(taskID)
}

// CancelSession cancels every queued task on the session's lane and returns
// the number cancelled. A task already executing is not affected.
func (s *Scheduler) CancelSession(sessionID string) int {
	s.mu.RLock()
	lane, exists := s.lanes[sessionID]
	s.mu.RUnlock()
	if !exists {
		return 0
	}
	return lane.cancelAll()
}

// DestroyLane cancels the lane's queued tasks and removes it. The global
// lane cannot be destroyed.
func (s *Scheduler) DestroyLane(sessionID string) bool {
	if sessionID == GlobalLaneID {
		return false
	}

	s.mu.Lock()
	lane, exists := s.lanes[sessionID]
	if !exists {
		s.mu.Unlock()
		return false
	}
	delete(s.lanes, sessionID)
	laneCount := len(s.lanes)
	s.mu.Unlock()

	lane.cancelAll()
	observability.SetActiveLanes(laneCount)
	s.emit(Event{Type: EventLaneDestroyed, SessionID: sessionID})
	log.Debug().Str("lane", sessionID).Msg("Lane destroyed")
	return true
}

// GetLaneInfo returns a snapshot of one lane.
func (s *Scheduler) GetLaneInfo(sessionID string) (LaneInfo, bool) {
	s.mu.RLock()
	lane, exists := s.lanes[sessionID]
	s.mu.RUnlock()
	if !exists {
		return LaneInfo{}, false
	}
	return lane.info(), true
}

// GetAllLanesInfo returns snapshots of every live lane.
func (s *Scheduler) GetAllLanesInfo() []LaneInfo {
	s.mu.RLock()
	lanes := make([]*SessionLane, 0, len(s.lanes))
	for _, lane := range s.lanes {
		lanes = append(lanes, lane)
	}
	s.mu.RUnlock()

	infos := make([]LaneInfo, 0, len(lanes))
	for _, lane := range lanes {
		infos = append(infos, lane.info())
	}
	return infos
}

// GetStats returns scheduler-wide counters.
func (s *Scheduler) GetStats() Stats {
	infos := s.GetAllLanesInfo()

	stats := Stats{
		Lanes:         len(infos),
		EventsDropped: s.eventsDropped.Load(),
	}
	for _, info := range infos {
		stats.QueuedTasks += info.QueueLength
		stats.TotalExecuted += info.TotalExecuted
		stats.TotalErrors += info.TotalErrors
	}
	return stats
}

// reapIdleLanes removes lanes that have been idle and empty for longer than
// the idle timeout. The global lane is never reaped.
func (s *Scheduler) reapIdleLanes() {
	s.mu.Lock()
	var reaped []string
	for sessionID, lane := range s.lanes {
		if sessionID == GlobalLaneID {
			continue
		}
		if lane.idleFor(s.opts.IdleTimeout) {
			delete(s.lanes, sessionID)
			reaped = append(reaped, sessionID)
		}
	}
	laneCount := len(s.lanes)
	s.mu.Unlock()

	if len(reaped) == 0 {
		return
	}

	observability.SetActiveLanes(laneCount)
	for _, sessionID := range reaped {
		observability.RecordLaneReaped()
		s.emit(Event{Type: EventLaneReaped, SessionID: sessionID})
	}
	log.Debug().Strs("lanes", reaped).Msg("Idle lanes reaped")
}

// Shutdown stops the reaper, drains every lane, and closes the event
// channel. The scheduler cannot be reused afterwards.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	<-s.reaper.Stop().Done()

	s.mu.RLock()
	lanes := make([]*SessionLane, 0, len(s.lanes))
	for _, lane := range s.lanes {
		lanes = append(lanes, lane)
	}
	s.mu.RUnlock()

	var firstErr error
	for _, lane := range lanes {
		if err := lane.drain(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	// Drop every lane before closing the event channel so calls like
	// DestroyLane or CancelSession arriving after shutdown find nothing to
	// act on and never emit on a closed channel.
	s.mu.Lock()
	s.lanes = make(map[string]*SessionLane)
	s.mu.Unlock()

	close(s.events)

	log.Info().Int("lanes", len(lanes)).Msg("Lane scheduler shut down")
	return firstErr
}
