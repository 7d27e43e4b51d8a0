package lanes

import (
	"time"

	"github.com/wiratama/banyu/internal/observability"
)

// EventType identifies a scheduler lifecycle event.
type EventType string

const (
	EventTaskQueued    EventType = "task:queued"
	EventTaskStarted   EventType = "task:started"
	EventTaskCompleted EventType = "task:completed"
	EventTaskFailed    EventType = "task:failed"
	EventTaskTimeout   EventType = "task:timeout"
	EventTaskCancelled EventType = "task:cancelled"
	EventLaneCreated   EventType = "lane:created"
	EventLaneDestroyed EventType = "lane:destroyed"
	EventLaneReaped    EventType = "lane:reaped"
)

// Event is one scheduler lifecycle notification. Events are delivered on a
// bounded channel; when no consumer keeps up, newer events are dropped and
// counted rather than blocking the scheduler.
type Event struct {
	Type      EventType
	SessionID string
	TaskID    string
	TaskName  string
	QueueSize int
	Duration  time.Duration
	Err       string
	Timestamp time.Time
}

// emit performs a non-blocking send on the bounded event channel.
func (s *Scheduler) emit(ev Event) {
	ev.Timestamp = time.Now()
	select {
	case s.events <- ev:
	default:
		s.eventsDropped.Add(1)
		observability.RecordEventDropped("lanes")
	}
}

// Events returns the scheduler's event channel. The channel is closed by
// Shutdown; consumers must tolerate drops under sustained backpressure.
func (s *Scheduler) Events() <-chan Event {
	return s.events
}
