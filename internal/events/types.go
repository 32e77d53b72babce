package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	Topic() string
	JobID() string
}

// Topic constants
const (
	TopicJob  = "job"
	TopicTask = "task"
)

// Event type constants
const (
	EventTypeJobState      = "job.state"
	EventTypeJobProgress   = "job.progress"
	EventTypeJobCommand    = "job.command"
	EventTypeTaskStarted   = "task.started"
	EventTypeTaskCompleted = "task.completed"
	EventTypeTaskFailed    = "task.failed"
)

// JobStateEvent is published on every lifecycle transition.
type JobStateEvent struct {
	Job       string
	From      string
	To        string
	Timestamp time.Time
}

func (e JobStateEvent) EventType() string { return EventTypeJobState }
func (e JobStateEvent) Topic() string     { return TopicJob }
func (e JobStateEvent) JobID() string     { return e.Job }

// JobProgressEvent is a periodic progress snapshot.
type JobProgressEvent struct {
	Job       string
	State     string
	Total     int // -1 when unknown
	Completed int
	Failed    int
	Active    int
	Target    int
	Queued    int
	Rate      float64 // items per second since RUNNING
	ETA       time.Duration
	Elapsed   time.Duration
	Timestamp time.Time
}

func (e JobProgressEvent) EventType() string { return EventTypeJobProgress }
func (e JobProgressEvent) Topic() string     { return TopicJob }
func (e JobProgressEvent) JobID() string     { return e.Job }

// JobCommandEvent is published when an operator directive is applied.
type JobCommandEvent struct {
	Job       string
	Directive string
	Timestamp time.Time
}

func (e JobCommandEvent) EventType() string { return EventTypeJobCommand }
func (e JobCommandEvent) Topic() string     { return TopicJob }
func (e JobCommandEvent) JobID() string     { return e.Job }

// TaskStartedEvent is published when a task begins.
type TaskStartedEvent struct {
	Job       string
	Role      string
	URIs      []string
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) Topic() string     { return TopicTask }
func (e TaskStartedEvent) JobID() string     { return e.Job }

// TaskCompletedEvent is published when a task succeeds.
type TaskCompletedEvent struct {
	Job       string
	Role      string
	URIs      []string
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) Topic() string     { return TopicTask }
func (e TaskCompletedEvent) JobID() string     { return e.Job }

// TaskFailedEvent is published when a task fails for good.
type TaskFailedEvent struct {
	Job       string
	Role      string
	URIs      []string
	Err       error
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) Topic() string     { return TopicTask }
func (e TaskFailedEvent) JobID() string     { return e.Job }
