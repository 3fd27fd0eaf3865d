package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	Topic() string
	TaskID() string
}

// Topic constants
const (
	TopicTask       = "task"
	TopicWorker     = "worker"
	TopicHealth     = "health"
	TopicCheckpoint = "checkpoint"
)

// Event type constants
const (
	EventTypeTaskStarted       = "task.started"
	EventTypeTaskCompleted     = "task.completed"
	EventTypeTaskFailed        = "task.failed"
	EventTypeProgress          = "task.progress"
	EventTypeWorkerOutput      = "worker.output"
	EventTypeWorkerExited      = "worker.exited"
	EventTypeStateChanged      = "health.state_changed"
	EventTypeLoopDetected      = "health.loop_detected"
	EventTypeBreakerTripped    = "health.breaker_tripped"
	EventTypeCheckpointCreated = "checkpoint.created"
)

// TaskStartedEvent is published when the worker is launched on a task.
type TaskStartedEvent struct {
	ID        string
	Name      string
	Layer     string
	Attempt   int
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) Topic() string     { return TopicTask }
func (e TaskStartedEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is published when the worker exits cleanly on a task.
type TaskCompletedEvent struct {
	ID        string
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) Topic() string     { return TopicTask }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published when an attempt on a task fails.
type TaskFailedEvent struct {
	ID         string
	Kind       string
	Retryable  bool
	RetryAfter time.Duration
	Err        error
	Duration   time.Duration
	Timestamp  time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) Topic() string     { return TopicTask }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// ProgressEvent is published when task counts change.
type ProgressEvent struct {
	Total      int
	Completed  int
	InProgress int
	Pending    int
	Timestamp  time.Time
}

func (e ProgressEvent) EventType() string { return EventTypeProgress }
func (e ProgressEvent) Topic() string     { return TopicTask }
func (e ProgressEvent) TaskID() string    { return "" }

// WorkerOutputEvent carries one redacted line of worker output.
type WorkerOutputEvent struct {
	ID        string
	Line      string
	Timestamp time.Time
}

func (e WorkerOutputEvent) EventType() string { return EventTypeWorkerOutput }
func (e WorkerOutputEvent) Topic() string     { return TopicWorker }
func (e WorkerOutputEvent) TaskID() string    { return e.ID }

// WorkerExitedEvent is published when the worker process ends.
type WorkerExitedEvent struct {
	ID        string
	PID       int
	ExitCode  int
	Stopped   bool // Ended by the orchestrator rather than on its own
	Timestamp time.Time
}

func (e WorkerExitedEvent) EventType() string { return EventTypeWorkerExited }
func (e WorkerExitedEvent) Topic() string     { return TopicWorker }
func (e WorkerExitedEvent) TaskID() string    { return e.ID }

// StateChangedEvent mirrors a lifecycle transition.
type StateChangedEvent struct {
	From      string
	To        string
	Reason    string
	Task      string
	Forced    bool
	Timestamp time.Time
}

func (e StateChangedEvent) EventType() string { return EventTypeStateChanged }
func (e StateChangedEvent) Topic() string     { return TopicHealth }
func (e StateChangedEvent) TaskID() string    { return e.Task }

// LoopDetectedEvent is published when the loop detector reports a pattern.
type LoopDetectedEvent struct {
	ID          string
	Pattern     string
	Repetitions int
	Confidence  float64
	Description string
	Timestamp   time.Time
}

func (e LoopDetectedEvent) EventType() string { return EventTypeLoopDetected }
func (e LoopDetectedEvent) Topic() string     { return TopicHealth }
func (e LoopDetectedEvent) TaskID() string    { return e.ID }

// BreakerTrippedEvent is published once per failure-tracker trip.
type BreakerTrippedEvent struct {
	Reason      string
	WindowCount int
	Timestamp   time.Time
}

func (e BreakerTrippedEvent) EventType() string { return EventTypeBreakerTripped }
func (e BreakerTrippedEvent) Topic() string     { return TopicHealth }
func (e BreakerTrippedEvent) TaskID() string    { return "" }

// CheckpointCreatedEvent is published after a checkpoint is recorded.
type CheckpointCreatedEvent struct {
	CheckpointID string
	Name         string
	Task         string
	VCSRef       string
	Timestamp    time.Time
}

func (e CheckpointCreatedEvent) EventType() string { return EventTypeCheckpointCreated }
func (e CheckpointCreatedEvent) Topic() string     { return TopicCheckpoint }
func (e CheckpointCreatedEvent) TaskID() string    { return e.Task }
