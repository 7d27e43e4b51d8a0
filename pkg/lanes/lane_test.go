package lanes

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func queuedTask(id string, priority int) *Task {
	return &Task{
		ID:        id,
		SessionID: "sess-1",
		Name:      id,
		fn:        func(ctx context.Context) (any, error) { return nil, nil },
		ctx:       context.Background(),
		priority:  priority,
		createdAt: time.Now(),
		result:    make(chan taskResult, 1),
	}
}

func TestLane_PriorityInsertion(t *testing.T) {
	s := newTestScheduler(t)
	l := newSessionLane("sess-1", s)

	// Block the drain loop so the queue can be inspected directly.
	l.mu.Lock()
	l.processing = true
	l.mu.Unlock()

	assert.NoError(t, l.enqueue(queuedTask("a", 100)))
	assert.NoError(t, l.enqueue(queuedTask("b", 200)))
	assert.NoError(t, l.enqueue(queuedTask("c", 100)))
	assert.NoError(t, l.enqueue(queuedTask("d", 300)))

	l.mu.Lock()
	defer l.mu.Unlock()
	var ids []string
	for _, task := range l.queue {
		ids = append(ids, task.ID)
	}
	assert.Equal(t, []string{"d", "b", "a", "c"}, ids)
}

func TestLane_EnqueueWhileDraining(t *testing.T) {
	s := newTestScheduler(t)
	l := newSessionLane("sess-1", s)

	l.mu.Lock()
	l.status = LaneDraining
	l.mu.Unlock()

	err := l.enqueue(queuedTask("late", 0))
	assert.ErrorIs(t, err, ErrLaneDraining)
}

func TestLane_IdleFor(t *testing.T) {
	s := newTestScheduler(t)
	l := newSessionLane("sess-1", s)

	assert.False(t, l.idleFor(time.Hour))

	l.mu.Lock()
	l.lastActivityAt = time.Now().Add(-2 * time.Minute)
	l.mu.Unlock()
	assert.True(t, l.idleFor(time.Minute))

	// A queued task keeps the lane alive regardless of timestamps.
	l.mu.Lock()
	l.processing = true
	l.mu.Unlock()
	assert.NoError(t, l.enqueue(queuedTask("pending", 0)))
	l.mu.Lock()
	l.lastActivityAt = time.Now().Add(-2 * time.Minute)
	l.mu.Unlock()
	assert.False(t, l.idleFor(time.Minute))
}

func TestLane_Drain(t *testing.T) {
	s := newTestScheduler(t)

	gate := make(chan struct{})
	started := make(chan struct{})
	running, err := s.Enqueue(context.Background(), "sess-1", "running", func(ctx context.Context) (any, error) {
		close(started)
		<-gate
		return "done", nil
	}, TaskOptions{})
	assert.NoError(t, err)
	<-started

	queued, err := s.Enqueue(context.Background(), "sess-1", "queued", func(ctx context.Context) (any, error) {
		return nil, nil
	}, TaskOptions{})
	assert.NoError(t, err)

	s.mu.RLock()
	lane := s.lanes["sess-1"]
	s.mu.RUnlock()

	drained := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		drained <- lane.drain(ctx)
	}()

	// The queued task is rejected immediately; the running one finishes.
	_, err = queued.Result()
	assert.ErrorIs(t, err, ErrTaskCancelled)

	close(gate)
	value, err := running.Result()
	assert.NoError(t, err)
	assert.Equal(t, "done", value)

	assert.NoError(t, <-drained)
}
