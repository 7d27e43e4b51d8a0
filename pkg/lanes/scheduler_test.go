package lanes

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestScheduler(t *testing.T, mutate ...func(*Options)) *Scheduler {
	t.Helper()
	opts := DefaultOptions()
	opts.CleanupInterval = time.Hour
	for _, fn := range mutate {
		fn(&opts)
	}
	s := NewScheduler(opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func TestScheduler_BasicExecute(t *testing.T) {
	s := newTestScheduler(t)

	executed := false
	res := s.Execute(context.Background(), "sess-1", "basic", func(ctx context.Context) (any, error) {
		executed = true
		return "result", nil
	})

	assert.True(t, res.Success)
	assert.Equal(t, "result", res.Result)
	assert.NoError(t, res.Error)
	assert.True(t, executed)
}

func TestScheduler_TaskError(t *testing.T) {
	s := newTestScheduler(t)

	wantErr := errors.New("task failed")
	res := s.Execute(context.Background(), "sess-1", "failing", func(ctx context.Context) (any, error) {
		return nil, wantErr
	})

	assert.False(t, res.Success)
	assert.Equal(t, wantErr, res.Error)
	assert.Nil(t, res.Result)
	assert.False(t, res.TimedOut)
	assert.False(t, res.Cancelled)
}

func TestScheduler_SerialExecutionWithinLane(t *testing.T) {
	s := newTestScheduler(t)

	var concurrent, maxConcurrent int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		task, err := s.Enqueue(context.Background(), "sess-1", "serial", func(ctx context.Context) (any, error) {
			n := atomic.AddInt32(&concurrent, 1)
			for {
				cur := atomic.LoadInt32(&maxConcurrent)
				if n <= cur || atomic.CompareAndSwapInt32(&maxConcurrent, cur, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&concurrent, -1)
			return nil, nil
		}, TaskOptions{})
		assert.NoError(t, err)

		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = task.Result()
		}()
	}

	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxConcurrent))
}

func TestScheduler_LanesRunConcurrently(t *testing.T) {
	s := newTestScheduler(t)

	release := make(chan struct{})
	started := make(chan string, 2)

	run := func(sessionID string) *Task {
		task, err := s.Enqueue(context.Background(), sessionID, "hold", func(ctx context.Context) (any, error) {
			started <- sessionID
			<-release
			return nil, nil
		}, TaskOptions{})
		assert.NoError(t, err)
		return task
	}

	t1 := run("sess-a")
	t2 := run("sess-b")

	// Both lanes must reach their task without either blocking the other.
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("lanes did not run concurrently")
		}
	}
	close(release)
	_, _ = t1.Result()
	_, _ = t2.Result()
}

func TestScheduler_PriorityOrdering(t *testing.T) {
	s := newTestScheduler(t)

	gate := make(chan struct{})
	started := make(chan struct{})
	blocker, err := s.Enqueue(context.Background(), "sess-1", "blocker", func(ctx context.Context) (any, error) {
		close(started)
		<-gate
		return nil, nil
	}, TaskOptions{})
	assert.NoError(t, err)
	<-started

	var mu sync.Mutex
	var order []int
	submit := func(priority int) *Task {
		task, err := s.Enqueue(context.Background(), "sess-1", "ordered", func(ctx context.Context) (any, error) {
			mu.Lock()
			order = append(order, priority)
			mu.Unlock()
			return nil, nil
		}, TaskOptions{Priority: priority})
		assert.NoError(t, err)
		return task
	}

	// Submitted 100, 200, 100 while the lane is busy; the 200 must run
	// first, then the two 100s in submission order.
	ta := submit(100)
	tb := submit(200)
	tc := submit(100)

	close(gate)
	_, _ = blocker.Result()
	_, _ = ta.Result()
	_, _ = tb.Result()
	_, _ = tc.Result()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{200, 100, 100}, order)
}

func TestScheduler_TaskTimeoutDoesNotPoisonLane(t *testing.T) {
	s := newTestScheduler(t)

	res := s.Execute(context.Background(), "sess-1", "slow", func(ctx context.Context) (any, error) {
		select {
		case <-time.After(5 * time.Second):
			return "late", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, TaskOptions{Timeout: 100 * time.Millisecond})

	assert.False(t, res.Success)
	assert.True(t, res.TimedOut)
	assert.ErrorIs(t, res.Error, ErrTaskTimeout)

	// The same lane must keep working after a timeout.
	res = s.Execute(context.Background(), "sess-1", "after", func(ctx context.Context) (any, error) {
		return "ok", nil
	})
	assert.True(t, res.Success)
	assert.Equal(t, "ok", res.Result)
}

func TestScheduler_AbortCancelsQueuedTask(t *testing.T) {
	s := newTestScheduler(t)

	abortCtx, abort := context.WithCancel(context.Background())

	gate := make(chan struct{})
	started := make(chan struct{})
	blocker, err := s.Enqueue(context.Background(), "sess-1", "blocker", func(ctx context.Context) (any, error) {
		close(started)
		<-gate
		return nil, nil
	}, TaskOptions{})
	assert.NoError(t, err)
	<-started

	queued, err := s.Enqueue(context.Background(), "sess-1", "doomed", func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, TaskOptions{Abort: abortCtx})
	assert.NoError(t, err)

	abort()
	close(gate)
	_, _ = blocker.Result()

	_, err = queued.Result()
	assert.ErrorIs(t, err, ErrTaskCancelled)
}

func TestScheduler_CancelSession(t *testing.T) {
	s := newTestScheduler(t)

	gate := make(chan struct{})
	started := make(chan struct{})
	blocker, err := s.Enqueue(context.Background(), "sess-1", "blocker", func(ctx context.Context) (any, error) {
		close(started)
		<-gate
		return nil, nil
	}, TaskOptions{})
	assert.NoError(t, err)
	<-started

	var queued []*Task
	for i := 0; i < 3; i++ {
		task, err := s.Enqueue(context.Background(), "sess-1", "queued", func(ctx context.Context) (any, error) {
			return nil, nil
		}, TaskOptions{})
		assert.NoError(t, err)
		queued = append(queued, task)
	}

	cancelled := s.CancelSession("sess-1")
	assert.Equal(t, 3, cancelled)

	for _, task := range queued {
		_, err := task.Result()
		assert.ErrorIs(t, err, ErrTaskCancelled)
	}

	// The executing task is untouched.
	close(gate)
	_, err = blocker.Result()
	assert.NoError(t, err)
}

func TestScheduler_CancelTask(t *testing.T) {
	s := newTestScheduler(t)

	gate := make(chan struct{})
	started := make(chan struct{})
	blocker, err := s.Enqueue(context.Background(), "sess-1", "blocker", func(ctx context.Context) (any, error) {
		close(started)
		<-gate
		return nil, nil
	}, TaskOptions{})
	assert.NoError(t, err)
	<-started
	defer func() {
		close(gate)
		_, _ = blocker.Result()
	}()

	keep, err := s.Enqueue(context.Background(), "sess-1", "keep", func(ctx context.Context) (any, error) {
		return "kept", nil
	}, TaskOptions{})
	assert.NoError(t, err)

	doomed, err := s.Enqueue(context.Background(), "sess-1", "doomed", func(ctx context.Context) (any, error) {
		return nil, nil
	}, TaskOptions{})
	assert.NoError(t, err)

	assert.True(t, s.CancelTask("sess-1", doomed.ID))
	assert.False(t, s.CancelTask("sess-1", doomed.ID))
	assert.False(t, s.CancelTask("sess-1", "no-such-task"))

	_, err = doomed.Result()
	assert.ErrorIs(t, err, ErrTaskCancelled)

	info, ok := s.GetLaneInfo("sess-1")
	assert.True(t, ok)
	assert.Equal(t, 1, info.QueueLength)
	_ = keep
}

func TestScheduler_QueueFull(t *testing.T) {
	s := newTestScheduler(t, func(o *Options) {
		o.MaxQueueSize = 2
	})

	gate := make(chan struct{})
	started := make(chan struct{})
	blocker, err := s.Enqueue(context.Background(), "sess-1", "blocker", func(ctx context.Context) (any, error) {
		close(started)
		<-gate
		return nil, nil
	}, TaskOptions{})
	assert.NoError(t, err)
	<-started

	noop := func(ctx context.Context) (any, error) { return nil, nil }

	a, err := s.Enqueue(context.Background(), "sess-1", "a", noop, TaskOptions{})
	assert.NoError(t, err)
	b, err := s.Enqueue(context.Background(), "sess-1", "b", noop, TaskOptions{})
	assert.NoError(t, err)

	_, err = s.Enqueue(context.Background(), "sess-1", "overflow", noop, TaskOptions{})
	assert.ErrorIs(t, err, ErrQueueFull)

	res := s.Execute(context.Background(), "sess-1", "overflow", noop)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Error, ErrQueueFull)

	close(gate)
	_, _ = blocker.Result()
	_, _ = a.Result()
	_, _ = b.Result()
}

func TestScheduler_GlobalLane(t *testing.T) {
	s := newTestScheduler(t)

	res := s.ExecuteGlobal(context.Background(), "global-op", func(ctx context.Context) (any, error) {
		return 42, nil
	})
	assert.True(t, res.Success)
	assert.Equal(t, 42, res.Result)

	info, ok := s.GetLaneInfo(GlobalLaneID)
	assert.True(t, ok)
	assert.Equal(t, 1, info.TotalExecuted)

	assert.False(t, s.DestroyLane(GlobalLaneID))
}

func TestScheduler_DestroyLane(t *testing.T) {
	s := newTestScheduler(t)

	res := s.Execute(context.Background(), "sess-1", "seed", func(ctx context.Context) (any, error) {
		return nil, nil
	})
	assert.True(t, res.Success)

	assert.True(t, s.DestroyLane("sess-1"))
	assert.False(t, s.DestroyLane("sess-1"))

	_, ok := s.GetLaneInfo("sess-1")
	assert.False(t, ok)
}

func TestScheduler_IdleLaneReaping(t *testing.T) {
	s := newTestScheduler(t, func(o *Options) {
		o.IdleTimeout = 30 * time.Millisecond
	})

	res := s.Execute(context.Background(), "sess-idle", "seed", func(ctx context.Context) (any, error) {
		return nil, nil
	})
	assert.True(t, res.Success)

	gate := make(chan struct{})
	busy, err := s.Enqueue(context.Background(), "sess-busy", "hold", func(ctx context.Context) (any, error) {
		<-gate
		return nil, nil
	}, TaskOptions{})
	assert.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	s.reapIdleLanes()

	_, ok := s.GetLaneInfo("sess-idle")
	assert.False(t, ok, "idle lane should be reaped")

	_, ok = s.GetLaneInfo("sess-busy")
	assert.True(t, ok, "busy lane must survive the sweep")

	_, ok = s.GetLaneInfo(GlobalLaneID)
	assert.True(t, ok, "global lane is never reaped")

	close(gate)
	_, _ = busy.Result()
}

func TestScheduler_Wait(t *testing.T) {
	s := newTestScheduler(t)

	var flips atomic.Int32
	value, err := s.Wait(context.Background(), "sess-1", func(ctx context.Context) (any, bool) {
		if flips.Add(1) >= 3 {
			return "ready", true
		}
		return nil, false
	}, WaitOptions{PollInterval: 10 * time.Millisecond, Timeout: 2 * time.Second})

	assert.NoError(t, err)
	assert.Equal(t, "ready", value)
	assert.GreaterOrEqual(t, flips.Load(), int32(3))
}

func TestScheduler_WaitTimeout(t *testing.T) {
	s := newTestScheduler(t)

	_, err := s.Wait(context.Background(), "sess-1", func(ctx context.Context) (any, bool) {
		return nil, false
	}, WaitOptions{PollInterval: 10 * time.Millisecond, Timeout: 50 * time.Millisecond})

	assert.ErrorIs(t, err, ErrWaitTimeout)
}

func TestScheduler_TaskPanicIsContained(t *testing.T) {
	s := newTestScheduler(t)

	res := s.Execute(context.Background(), "sess-1", "explode", func(ctx context.Context) (any, error) {
		panic("boom")
	})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error.Error(), "boom")

	res = s.Execute(context.Background(), "sess-1", "after", func(ctx context.Context) (any, error) {
		return "ok", nil
	})
	assert.True(t, res.Success)
}

func TestScheduler_Stats(t *testing.T) {
	s := newTestScheduler(t)

	for i := 0; i < 3; i++ {
		s.Execute(context.Background(), "sess-1", "ok", func(ctx context.Context) (any, error) {
			return nil, nil
		})
	}
	s.Execute(context.Background(), "sess-2", "fail", func(ctx context.Context) (any, error) {
		return nil, errors.New("nope")
	})

	stats := s.GetStats()
	assert.Equal(t, 3, stats.Lanes) // global + two sessions
	assert.Equal(t, 3, stats.TotalExecuted)
	assert.Equal(t, 1, stats.TotalErrors)
	assert.Equal(t, 0, stats.QueuedTasks)
}

func TestScheduler_ShutdownRejectsNewTasks(t *testing.T) {
	opts := DefaultOptions()
	opts.CleanupInterval = time.Hour
	s := NewScheduler(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, s.Shutdown(ctx))

	_, err := s.Enqueue(context.Background(), "sess-1", "late", func(ctx context.Context) (any, error) {
		return nil, nil
	}, TaskOptions{})
	assert.ErrorIs(t, err, ErrSchedulerClosed)

	// Shutdown is idempotent.
	assert.NoError(t, s.Shutdown(ctx))
}

func TestScheduler_MutatorsAfterShutdownAreNoOps(t *testing.T) {
	opts := DefaultOptions()
	opts.CleanupInterval = time.Hour
	s := NewScheduler(opts)

	res := s.Execute(context.Background(), "sess-1", "seed", func(ctx context.Context) (any, error) {
		return nil, nil
	})
	assert.True(t, res.Success)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, s.Shutdown(ctx))

	// Lane operations after shutdown must not reach the closed event channel.
	assert.NotPanics(t, func() {
		assert.False(t, s.DestroyLane("sess-1"))
		assert.Zero(t, s.CancelSession("sess-1"))
		assert.False(t, s.CancelTask("sess-1", "sess-1-1"))
	})

	_, exists := s.GetLaneInfo(GlobalLaneID)
	assert.False(t, exists)
	assert.Zero(t, s.GetStats().Lanes)
}

func TestScheduler_Events(t *testing.T) {
	s := newTestScheduler(t)

	res := s.Execute(context.Background(), "sess-1", "observed", func(ctx context.Context) (any, error) {
		return nil, nil
	})
	assert.True(t, res.Success)

	seen := map[EventType]bool{}
	deadline := time.After(time.Second)
	for !(seen[EventTaskQueued] && seen[EventTaskStarted] && seen[EventTaskCompleted]) {
		select {
		case ev := <-s.Events():
			seen[ev.Type] = true
		case <-deadline:
			t.Fatalf("missing events, saw %v", seen)
		}
	}
}
