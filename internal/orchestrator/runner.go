package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/conductor/internal/checkpoint"
	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/failure"
	"github.com/aristath/conductor/internal/lifecycle"
	"github.com/aristath/conductor/internal/loopdetect"
	"github.com/aristath/conductor/internal/metrics"
	"github.com/aristath/conductor/internal/persistence"
	"github.com/aristath/conductor/internal/process"
	"github.com/aristath/conductor/internal/scheduler"
)

// Environment variables handed to every worker run.
const (
	EnvTaskID    = "CONDUCTOR_TASK_ID"
	EnvTaskName  = "CONDUCTOR_TASK_NAME"
	EnvSessionID = "CONDUCTOR_SESSION_ID"
	EnvRunID     = "CONDUCTOR_RUN_ID"
)

const (
	outputBuffer = 256
	tailLines    = 40
)

var (
	// ErrTripped is returned when the failure tracker stops the run.
	ErrTripped = errors.New("failure breaker tripped")
	// ErrStalled is returned when tasks remain but none can be started.
	ErrStalled = errors.New("no runnable task")
	// ErrWorkerBusy is returned when another live worker holds the lock.
	ErrWorkerBusy = errors.New("worker already running")
)

// Worker is the external process the runner drives. *process.Manager
// implements it.
type Worker interface {
	Start(extraEnv ...string) process.Result
	Stop() process.Result
	Pause() process.Result
	Healthcheck() process.Status
	Status() process.StatusInfo
	Subscribe(fn func(line string)) (unsubscribe func())
	Done() <-chan struct{}
	ExitCode() (int, bool)
}

// Config wires the runner to its collaborators. Store, Machine, Tracker,
// Detector and Worker are required.
type Config struct {
	Store       persistence.Store
	Machine     *lifecycle.Machine
	Tracker     *failure.Tracker
	Detector    *loopdetect.Detector
	Worker      Worker
	Checkpoints *checkpoint.Manager // nil disables checkpoints
	Bus         *events.EventBus    // nil disables events
	Metrics     *metrics.Metrics    // nil disables metrics
	Logger      *zap.Logger

	SchedulerOptions []scheduler.Option
	Retry            RetryConfig
	MaxAttempts      int           // Per task; 0 means unlimited
	HealthInterval   time.Duration // Default 2s
	CheckpointEvery  int           // Completed tasks between checkpoints; 0 disables
	LoopSuppress     time.Duration // Detector silence after a loop; default 2m
}

// Runner is the control loop: pick the next task, run the worker on it,
// watch its output and exit, then record the outcome.
type Runner struct {
	cfg     Config
	logger  *zap.Logger
	delays  *retryDelays
	metrics *metrics.Metrics

	notBefore       time.Time
	sinceCheckpoint int
}

// NewRunner validates cfg and registers observers on the machine and tracker.
func NewRunner(cfg Config) (*Runner, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("task store is required")
	case cfg.Machine == nil:
		return nil, errors.New("state machine is required")
	case cfg.Tracker == nil:
		return nil, errors.New("failure tracker is required")
	case cfg.Detector == nil:
		return nil, errors.New("loop detector is required")
	case cfg.Worker == nil:
		return nil, errors.New("worker is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 2 * time.Second
	}
	if cfg.LoopSuppress <= 0 {
		cfg.LoopSuppress = 2 * time.Minute
	}

	r := &Runner{
		cfg:     cfg,
		logger:  cfg.Logger,
		delays:  newRetryDelays(cfg.Retry),
		metrics: cfg.Metrics,
	}

	cfg.Machine.OnTransition(func(t lifecycle.Transition) {
		r.metrics.Transition(string(t.From), string(t.To))
		r.publish(events.StateChangedEvent{
			From:      string(t.From),
			To:        string(t.To),
			Reason:    t.Reason,
			Task:      t.TaskID,
			Forced:    t.Forced,
			Timestamp: t.Timestamp,
		})
	})
	cfg.Tracker.OnTrip(func(s failure.Stats) {
		r.metrics.Trip()
		r.publish(events.BreakerTrippedEvent{
			Reason:      s.TripReason,
			WindowCount: s.WindowCount,
			Timestamp:   time.Now(),
		})
	})

	return r, nil
}

// Run drives tasks until every task is complete, the breaker trips, no task
// can be started, or ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	released, err := r.cfg.Store.ResetInProgress(ctx)
	if err != nil {
		return fmt.Errorf("releasing in-progress tasks: %w", err)
	}
	if released > 0 {
		r.logger.Info("released tasks left in progress by a previous run", zap.Int("count", released))
	}

	if err := r.enterPlanning(); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if r.cfg.Tracker.IsTripped() {
			return fmt.Errorf("%w: %s", ErrTripped, r.cfg.Tracker.Stats().TripReason)
		}

		tasks, err := r.cfg.Store.ListTasks(ctx)
		if err != nil {
			return fmt.Errorf("listing tasks: %w", err)
		}
		r.publishProgress(tasks)

		task, err := r.next(tasks)
		if err != nil {
			return err
		}
		if task == nil {
			r.logger.Info("all tasks completed", zap.Int("total", len(tasks)))
			return r.transition(lifecycle.StateCompleted, lifecycle.WithReason("all tasks completed"))
		}

		if err := r.waitRetry(ctx); err != nil {
			return err
		}

		if err := r.runTask(ctx, task); err != nil {
			return err
		}
	}
}

// enterPlanning moves the machine from wherever a previous run left it to planning.
func (r *Runner) enterPlanning() error {
	state := r.cfg.Machine.State()
	if state == lifecycle.StatePlanning {
		return nil
	}
	if state != lifecycle.StateIdle {
		if err := r.transition(lifecycle.StateIdle, lifecycle.WithReason("resuming from "+string(state))); err != nil {
			return err
		}
	}
	if err := r.transition(lifecycle.StateInitializing, lifecycle.WithReason("run started")); err != nil {
		return err
	}
	return r.transition(lifecycle.StatePlanning)
}

// next picks the task to run, nil when everything is complete.
func (r *Runner) next(tasks []*scheduler.Task) (*scheduler.Task, error) {
	sched, err := scheduler.FromTasks(tasks, append(r.cfg.SchedulerOptions, scheduler.WithLogger(r.logger))...)
	if err != nil {
		return nil, fmt.Errorf("building schedule: %w", err)
	}

	completed, inProgress := sched.StatusSets()
	var exhausted []string
	for _, t := range tasks {
		if !t.Completed && r.cfg.MaxAttempts > 0 && t.Attempts >= r.cfg.MaxAttempts {
			// Treated as taken so dependants stay blocked
			inProgress[t.ID] = true
			exhausted = append(exhausted, t.ID)
		}
	}

	picked, ok := sched.NextReady(completed, inProgress)
	if ok {
		return picked.(*scheduler.Task), nil
	}

	if len(completed) == len(tasks) {
		return nil, nil
	}

	if cycles := sched.DetectCycles(); len(cycles) > 0 {
		r.logger.Error("dependency cycles block progress", zap.Any("cycles", cycles))
	}
	return nil, fmt.Errorf("%w: %d of %d tasks incomplete, %d out of attempts %v",
		ErrStalled, len(tasks)-len(completed), len(tasks), len(exhausted), exhausted)
}

func (r *Runner) waitRetry(ctx context.Context) error {
	wait := time.Until(r.notBefore)
	if wait <= 0 {
		return nil
	}
	r.logger.Info("waiting before next attempt", zap.Duration("delay", wait))
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// attempt is one worker run on one task.
type attempt struct {
	task      *scheduler.Task
	runID     string
	startedAt time.Time
	tail      []string
}

func (a *attempt) remember(line string) {
	if len(a.tail) == tailLines {
		a.tail = append(a.tail[:0], a.tail[1:]...)
	}
	a.tail = append(a.tail, line)
}

// runTask runs the worker on task once and records the outcome.
func (r *Runner) runTask(ctx context.Context, task *scheduler.Task) error {
	log := r.logger.With(zap.String("task_id", task.ID))
	session := r.cfg.Machine.Snapshot().SessionID

	if err := r.transition(lifecycle.StateCoding, lifecycle.WithTaskID(task.ID), lifecycle.WithReason(task.Name)); err != nil {
		return err
	}
	if err := r.cfg.Store.MarkInProgress(ctx, task.ID); err != nil {
		return fmt.Errorf("marking %s in progress: %w", task.ID, err)
	}
	r.cfg.Detector.ClearHistory()

	a := &attempt{task: task, runID: uuid.NewString(), startedAt: time.Now()}

	lines := make(chan string, outputBuffer)
	subCtx, cancelSub := context.WithCancel(ctx)
	unsubscribe := r.cfg.Worker.Subscribe(func(line string) {
		select {
		case lines <- line:
		case <-subCtx.Done():
		}
	})
	defer unsubscribe()
	defer cancelSub()

	res := r.cfg.Worker.Start(
		EnvTaskID+"="+task.ID,
		EnvTaskName+"="+task.Name,
		EnvSessionID+"="+session,
		EnvRunID+"="+a.runID,
	)
	if !res.OK {
		if strings.Contains(res.Message, "already running") {
			_ = r.cfg.Store.ClearInProgress(context.WithoutCancel(ctx), task.ID, "")
			return fmt.Errorf("%w: %s", ErrWorkerBusy, res.Message)
		}
		log.Error("worker failed to start", zap.String("message", res.Message))
		c := failure.ClassifyText(res.Message)
		if c.Kind == failure.KindUnknown {
			c = failure.Classify(failure.New(failure.KindExecution, res.Message))
		}
		return r.handleFailure(ctx, a, c, res.Message, persistence.RunFailed, false)
	}

	pid := r.cfg.Worker.Status().PID
	if err := r.cfg.Store.StartRun(ctx, persistence.Run{
		ID: a.runID, TaskID: task.ID, SessionID: session, PID: pid, StartedAt: a.startedAt,
	}); err != nil {
		log.Warn("failed to record run", zap.Error(err))
	}
	r.metrics.WorkerStarted()
	r.metrics.SetWorkerStatus(string(process.StatusRunning))
	r.publish(events.TaskStartedEvent{
		ID:        task.ID,
		Name:      task.Name,
		Layer:     task.Layer.String(),
		Attempt:   task.Attempts + 1,
		Timestamp: a.startedAt,
	})
	log.Info("worker started on task", zap.Int("pid", pid), zap.Int("attempt", task.Attempts+1))

	superviseErr := r.supervise(ctx, a, lines)

	var loop *loopError
	switch {
	case errors.As(superviseErr, &loop):
		cancelSub()
		r.cfg.Detector.Suppress(r.cfg.LoopSuppress)
		c := failure.Classify(failure.New(failure.KindExecution, loop.pattern.String()))
		return r.handleFailure(ctx, a, c, loop.pattern.String(), persistence.RunStopped, true)

	case superviseErr != nil:
		// Cancelled from outside
		cancelSub()
		stop := r.cfg.Worker.Stop()
		log.Info("worker stopped on shutdown", zap.String("message", stop.Message))
		r.metrics.SetWorkerStatus(string(process.StatusStopped))
		cleanup := context.WithoutCancel(ctx)
		if err := r.cfg.Store.ClearInProgress(cleanup, task.ID, ""); err != nil {
			log.Warn("failed to release task", zap.Error(err))
		}
		if err := r.cfg.Store.FinishRun(cleanup, a.runID, persistence.RunStopped, string(failure.KindCancellation), "interrupted"); err != nil {
			log.Warn("failed to record run outcome", zap.Error(err))
		}
		if err := r.transition(lifecycle.StateIdle, lifecycle.WithReason("interrupted"), lifecycle.WithTaskID(task.ID)); err != nil {
			log.Warn("failed to record interruption", zap.Error(err))
		}
		return superviseErr
	}

	status := r.cfg.Worker.Healthcheck()
	r.metrics.SetWorkerStatus(string(status))
	code, _ := r.cfg.Worker.ExitCode()
	r.publish(events.WorkerExitedEvent{ID: task.ID, PID: pid, ExitCode: code, Timestamp: time.Now()})

	if code == 0 {
		return r.handleSuccess(ctx, a)
	}

	text := strings.Join(a.tail, "\n") + fmt.Sprintf("\nexit status %d", code)
	c := failure.ClassifyText(text)
	msg := fmt.Sprintf("worker exited with status %d", code)
	if last := lastErrorLine(a.tail); last != "" {
		msg += ": " + last
	}
	return r.handleFailure(ctx, a, c, msg, persistence.RunFailed, false)
}

// loopError ends supervision when the detector reports a pattern.
type loopError struct {
	pattern *loopdetect.Pattern
}

func (e *loopError) Error() string { return "loop detected: " + e.pattern.String() }

// supervise consumes worker output until the worker exits, a loop is
// detected or ctx is cancelled. A nil error means the worker exited on its own.
func (r *Runner) supervise(ctx context.Context, a *attempt, lines <-chan string) error {
	done := r.cfg.Worker.Done()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			select {
			case line := <-lines:
				if err := r.consume(a, line); err != nil {
					return err
				}
			case <-done:
				// The reader has flushed everything by now
				for {
					select {
					case line := <-lines:
						if err := r.consume(a, line); err != nil {
							return err
						}
					default:
						return nil
					}
				}
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(r.cfg.HealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				status := r.cfg.Worker.Healthcheck()
				r.metrics.SetWorkerStatus(string(status))
				if status == process.StatusCrashed || status == process.StatusStopped {
					return nil
				}
			case <-done:
				return nil
			case <-gctx.Done():
				return nil
			}
		}
	})

	return g.Wait()
}

func (r *Runner) consume(a *attempt, line string) error {
	a.remember(line)
	r.publish(events.WorkerOutputEvent{ID: a.task.ID, Line: line, Timestamp: time.Now()})

	action, ok := loopdetect.ParseLine(line)
	if !ok {
		return nil
	}
	pattern := r.cfg.Detector.RecordAction(action)
	if pattern == nil {
		return nil
	}

	r.logger.Warn("loop detected",
		zap.String("task_id", a.task.ID),
		zap.String("pattern", string(pattern.Type)),
		zap.Int("repetitions", pattern.Repetitions),
		zap.Float64("confidence", pattern.Confidence))
	r.metrics.Loop(string(pattern.Type))
	r.publish(events.LoopDetectedEvent{
		ID:          a.task.ID,
		Pattern:     string(pattern.Type),
		Repetitions: pattern.Repetitions,
		Confidence:  pattern.Confidence,
		Description: pattern.Description,
		Timestamp:   time.Now(),
	})
	return &loopError{pattern: pattern}
}

func (r *Runner) handleSuccess(ctx context.Context, a *attempt) error {
	task := a.task
	elapsed := time.Since(a.startedAt)

	if err := r.transition(lifecycle.StateVerifying, lifecycle.WithTaskID(task.ID)); err != nil {
		return err
	}
	if err := r.cfg.Store.MarkCompleted(ctx, task.ID); err != nil {
		return fmt.Errorf("marking %s completed: %w", task.ID, err)
	}
	if err := r.cfg.Store.FinishRun(ctx, a.runID, persistence.RunSucceeded, "", ""); err != nil {
		r.logger.Warn("failed to record run outcome", zap.String("task_id", task.ID), zap.Error(err))
	}

	r.cfg.Tracker.RecordSuccess()
	r.delays.Reset()
	r.notBefore = time.Time{}
	r.metrics.TaskFinished(elapsed.Seconds(), true)
	r.publish(events.TaskCompletedEvent{ID: task.ID, Duration: elapsed, Timestamp: time.Now()})
	r.logger.Info("task completed", zap.String("task_id", task.ID), zap.Duration("duration", elapsed))

	r.sinceCheckpoint++
	if r.cfg.Checkpoints != nil && r.cfg.CheckpointEvery > 0 && r.sinceCheckpoint >= r.cfg.CheckpointEvery {
		r.checkpoint(ctx, task)
	}

	return r.transition(lifecycle.StatePlanning, lifecycle.WithReason("task "+task.ID+" completed"))
}

func (r *Runner) checkpoint(ctx context.Context, task *scheduler.Task) {
	cp, err := r.cfg.Checkpoints.Create(ctx, checkpoint.CreateRequest{
		Name:     "after " + task.ID,
		TaskID:   task.ID,
		StateTag: string(r.cfg.Machine.State()),
	})
	if err != nil {
		r.metrics.Checkpoint("failed")
		r.logger.Warn("checkpoint failed", zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	r.sinceCheckpoint = 0
	r.metrics.Checkpoint("created")
	r.publish(events.CheckpointCreatedEvent{
		CheckpointID: cp.ID,
		Name:         cp.Name,
		Task:         task.ID,
		VCSRef:       cp.VCSRef,
		Timestamp:    cp.CreatedAt,
	})
}

// handleFailure records a failed attempt. alive means the worker is still
// running and must be paused (breaker tripped) or stopped (retrying).
func (r *Runner) handleFailure(ctx context.Context, a *attempt, c failure.Classification, msg string, outcome persistence.RunOutcome, alive bool) error {
	task := a.task
	log := r.logger.With(zap.String("task_id", task.ID), zap.String("kind", string(c.Kind)))
	elapsed := time.Since(a.startedAt)

	tripped := r.cfg.Tracker.TrackClassified(c, task.ID)
	r.metrics.Failure(string(c.Kind))
	r.metrics.TaskFinished(elapsed.Seconds(), false)

	if err := r.cfg.Store.ClearInProgress(ctx, task.ID, msg); err != nil {
		log.Warn("failed to release task", zap.Error(err))
	}
	if err := r.cfg.Store.FinishRun(ctx, a.runID, outcome, string(c.Kind), msg); err != nil {
		log.Debug("no run to finish", zap.Error(err))
	}
	r.publish(events.TaskFailedEvent{
		ID:         task.ID,
		Kind:       string(c.Kind),
		Retryable:  c.Retryable,
		RetryAfter: c.RetryAfter,
		Err:        errors.New(msg),
		Duration:   elapsed,
		Timestamp:  time.Now(),
	})
	log.Warn("task attempt failed", zap.String("message", msg), zap.Bool("retryable", c.Retryable))

	if err := r.cfg.Machine.RecordError(msg); err != nil {
		log.Warn("failed to record error", zap.Error(err))
	}
	if err := r.transition(lifecycle.StateError, lifecycle.WithTaskID(task.ID), lifecycle.WithReason(msg)); err != nil {
		return err
	}

	if tripped {
		if alive {
			res := r.cfg.Worker.Pause()
			log.Warn("worker paused by failure breaker", zap.Bool("paused", res.OK), zap.String("message", res.Message))
			r.metrics.SetWorkerStatus(string(r.cfg.Worker.Healthcheck()))
		}
		return fmt.Errorf("%w: %s", ErrTripped, r.cfg.Tracker.Stats().TripReason)
	}

	if alive {
		res := r.cfg.Worker.Stop()
		log.Info("worker stopped", zap.String("message", res.Message))
		r.metrics.SetWorkerStatus(string(process.StatusStopped))
	}

	if delay := r.delays.Next(c); delay > 0 {
		r.notBefore = time.Now().Add(delay)
	}
	return r.transition(lifecycle.StatePlanning, lifecycle.WithReason("retrying after "+string(c.Kind)))
}

// transition applies a state change. Persistence failures are logged; an
// illegal transition or the iteration cap ends the run.
func (r *Runner) transition(to lifecycle.State, opts ...lifecycle.TransitionOption) error {
	err := r.cfg.Machine.Transition(to, opts...)
	if err == nil {
		return nil
	}
	var invalid *lifecycle.InvalidTransitionError
	var overflow *lifecycle.MaxIterationsError
	if errors.As(err, &invalid) || errors.As(err, &overflow) || errors.Is(err, lifecycle.ErrUnknownState) {
		return fmt.Errorf("state transition to %s: %w", to, err)
	}
	r.logger.Warn("state transition not persisted", zap.String("to", string(to)), zap.Error(err))
	return nil
}

func (r *Runner) publish(e events.Event) {
	if r.cfg.Bus != nil {
		r.cfg.Bus.Publish(e)
	}
}

func (r *Runner) publishProgress(tasks []*scheduler.Task) {
	ev := events.ProgressEvent{Total: len(tasks), Timestamp: time.Now()}
	for _, t := range tasks {
		switch {
		case t.Completed:
			ev.Completed++
		case t.InProgress:
			ev.InProgress++
		default:
			ev.Pending++
		}
	}
	r.publish(ev)
}

func lastErrorLine(lines []string) string {
	for i := len(lines) - 1; i >= 0; i-- {
		if loopdetect.HasErrorMarker(lines[i]) {
			return strings.TrimSpace(lines[i])
		}
	}
	return ""
}
