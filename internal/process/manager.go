// Package process owns the external worker subprocess.
package process

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Status is the lifecycle state of the worker.
type Status string

const (
	StatusStopped Status = "stopped"
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
	StatusCrashed Status = "crashed"
)

// DefaultStopTimeout is how long Stop waits between SIGTERM and SIGKILL.
const DefaultStopTimeout = 10 * time.Second

const outputDrainTimeout = 2 * time.Second

// Result reports the outcome of a lifecycle operation. Lifecycle operations
// never return errors so the caller can decide policy from the message.
type Result struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// Config configures a Manager.
type Config struct {
	Project     string
	Command     []string // argv of the worker
	Dir         string
	Env         []string // Added to the inherited environment
	LockPath    string
	Signature   string // Substring of the worker's command line; defaults to the joined Command
	StopTimeout time.Duration
	Controller  ProcessController
	Redactor    *Redactor
	Logger      *zap.Logger
}

// StatusInfo is the serialisable status of a Manager.
type StatusInfo struct {
	Project       string     `json:"project"`
	Status        Status     `json:"status"`
	PID           int        `json:"pid,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	UptimeSeconds float64    `json:"uptime_seconds"`
	ExitCode      *int       `json:"exit_code,omitempty"`
	Command       string     `json:"command"`
	LockFile      string     `json:"lock_file"`
	Subscribers   int        `json:"subscribers"`
}

type subscriber struct {
	id int
	fn func(line string)
}

// run is one spawned worker.
type run struct {
	cmd        *exec.Cmd
	pid        int
	startedAt  time.Time
	output     *os.File      // Read end of the combined stdout/stderr pipe
	done       chan struct{} // Closed once the process has been reaped
	readerDone chan struct{}
	muted      atomic.Bool
	exitCode   int // Valid after done is closed
}

// Manager starts, stops, pauses and observes a single worker process.
//
// Output is read by one goroutine per run that redacts each line and hands
// it to every subscriber in turn. A second goroutine reaps the process; its
// exit is picked up by Healthcheck without blocking.
type Manager struct {
	cfg      Config
	lock     LockFile
	ctrl     ProcessController
	redactor *Redactor
	logger   *zap.Logger

	mu       sync.Mutex
	status   Status
	current  *run
	lastExit *int
	stopping bool
	subs     []subscriber
	nextSub  int
}

// NewManager creates a Manager in the stopped state.
func NewManager(cfg Config) (*Manager, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("worker command is required")
	}
	if cfg.LockPath == "" {
		return nil, errors.New("lock file path is required")
	}
	if cfg.Signature == "" {
		cfg.Signature = strings.Join(cfg.Command, " ")
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.Controller == nil {
		cfg.Controller = DefaultController()
	}
	if cfg.Redactor == nil {
		cfg.Redactor = DefaultRedactor()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Project != "" {
		logger = logger.With(zap.String("project", cfg.Project))
	}

	return &Manager{
		cfg:      cfg,
		lock:     LockFile{Path: cfg.LockPath},
		ctrl:     cfg.Controller,
		redactor: cfg.Redactor,
		logger:   logger,
		status:   StatusStopped,
	}, nil
}

// Subscribe registers fn for every redacted output line. Lines are delivered
// in arrival order, one subscriber after another. fn must not call Stop.
func (m *Manager) Subscribe(fn func(line string)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSub
	m.nextSub++
	m.subs = append(m.subs, subscriber{id: id, fn: fn})

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.subs = slices.DeleteFunc(m.subs, func(s subscriber) bool { return s.id == id })
	}
}

// Start spawns the worker unless a live worker already holds the lock.
func (m *Manager) Start(extraEnv ...string) Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.observeExitLocked()
	if m.status == StatusRunning || m.status == StatusPaused || m.stopping {
		return Result{OK: false, Message: fmt.Sprintf("worker already running (pid %d)", m.current.pid)}
	}

	pid, held, err := m.lock.Holder(m.ctrl, m.cfg.Signature)
	if err != nil {
		m.logger.Warn("unreadable lock file, treating as stale", zap.String("lock_file", m.lock.Path), zap.Error(err))
	}
	if held {
		return Result{OK: false, Message: fmt.Sprintf("worker already running (pid %d)", pid)}
	}
	if pid != 0 || err != nil {
		m.logger.Info("clearing stale lock file", zap.String("lock_file", m.lock.Path), zap.Int("pid", pid))
		if err := m.lock.Clear(); err != nil {
			return Result{OK: false, Message: err.Error()}
		}
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return Result{OK: false, Message: fmt.Sprintf("failed to create output pipe: %v", err)}
	}

	cmd := exec.Command(m.cfg.Command[0], m.cfg.Command[1:]...)
	cmd.Dir = m.cfg.Dir
	cmd.Env = append(append(os.Environ(), m.cfg.Env...), extraEnv...)
	cmd.Stdout = pw
	cmd.Stderr = pw
	cmd.SysProcAttr = sysProcAttr()

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return Result{OK: false, Message: fmt.Sprintf("failed to start worker: %v", err)}
	}
	// The child holds its own copy of the write end
	pw.Close()

	r := &run{
		cmd:        cmd,
		pid:        cmd.Process.Pid,
		startedAt:  time.Now(),
		output:     pr,
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	if err := m.lock.Write(r.pid); err != nil {
		m.logger.Warn("failed to write lock file", zap.Error(err))
	}

	m.current = r
	m.status = StatusRunning
	m.lastExit = nil

	go m.read(r)
	go m.wait(r)

	m.logger.Info("worker started", zap.Int("pid", r.pid), zap.Strings("command", m.cfg.Command))
	return Result{OK: true, Message: fmt.Sprintf("worker started (pid %d)", r.pid)}
}

// Stop mutes output, sends SIGTERM, waits up to StopTimeout, then SIGKILLs.
// The lock is cleared once the process is gone.
func (m *Manager) Stop() Result {
	m.mu.Lock()
	m.observeExitLocked()
	if m.stopping {
		m.mu.Unlock()
		return Result{OK: false, Message: "worker is already stopping"}
	}
	if m.status != StatusRunning && m.status != StatusPaused {
		status := m.status
		m.mu.Unlock()
		return Result{OK: false, Message: fmt.Sprintf("worker is not running (%s)", status)}
	}
	m.stopping = true
	r := m.current
	paused := m.status == StatusPaused
	m.mu.Unlock()

	r.muted.Store(true)

	if err := m.ctrl.Terminate(r.pid); err != nil && !errors.Is(err, ErrProcessGone) {
		m.logger.Warn("failed to terminate worker", zap.Int("pid", r.pid), zap.Error(err))
	}
	if paused {
		// A stopped process only acts on SIGTERM once continued
		_ = m.ctrl.Continue(r.pid)
	}

	forced := false
	select {
	case <-r.done:
	case <-time.After(m.cfg.StopTimeout):
		forced = true
		m.logger.Warn("worker did not exit after SIGTERM, killing", zap.Int("pid", r.pid), zap.Duration("timeout", m.cfg.StopTimeout))
		if err := m.ctrl.Kill(r.pid); err != nil && !errors.Is(err, ErrProcessGone) {
			m.logger.Error("failed to kill worker", zap.Int("pid", r.pid), zap.Error(err))
		}
		<-r.done
	}

	// Unblocks the reader if a grandchild still holds the pipe
	r.output.Close()
	<-r.readerDone

	m.mu.Lock()
	m.stopping = false
	m.status = StatusStopped
	code := r.exitCode
	m.lastExit = &code
	if err := m.lock.Clear(); err != nil {
		m.logger.Warn("failed to clear lock file", zap.Error(err))
	}
	m.mu.Unlock()

	m.logger.Info("worker stopped", zap.Int("pid", r.pid), zap.Int("exit_code", code), zap.Bool("forced", forced))
	msg := fmt.Sprintf("worker stopped (pid %d)", r.pid)
	if forced {
		msg += " after SIGKILL"
	}
	return Result{OK: true, Message: msg}
}

// Pause suspends the worker and its children in place.
func (m *Manager) Pause() Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.observeExitLocked()
	switch {
	case m.stopping:
		return Result{OK: false, Message: "worker is stopping"}
	case m.status == StatusPaused:
		return Result{OK: false, Message: "worker is already paused"}
	case m.status != StatusRunning:
		return Result{OK: false, Message: fmt.Sprintf("worker is not running (%s)", m.status)}
	}

	if err := m.ctrl.Suspend(m.current.pid); err != nil {
		return m.signalFailedLocked("pause", err)
	}
	m.status = StatusPaused
	m.logger.Info("worker paused", zap.Int("pid", m.current.pid))
	return Result{OK: true, Message: fmt.Sprintf("worker paused (pid %d)", m.current.pid)}
}

// Resume continues a paused worker.
func (m *Manager) Resume() Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.observeExitLocked()
	switch {
	case m.stopping:
		return Result{OK: false, Message: "worker is stopping"}
	case m.status == StatusRunning:
		return Result{OK: false, Message: "worker is not paused"}
	case m.status != StatusPaused:
		return Result{OK: false, Message: fmt.Sprintf("worker is not running (%s)", m.status)}
	}

	if err := m.ctrl.Continue(m.current.pid); err != nil {
		return m.signalFailedLocked("resume", err)
	}
	m.status = StatusRunning
	m.logger.Info("worker resumed", zap.Int("pid", m.current.pid))
	return Result{OK: true, Message: fmt.Sprintf("worker resumed (pid %d)", m.current.pid)}
}

// Healthcheck notices a worker that exited on its own. A zero exit becomes
// stopped, anything else crashed; either way the lock is cleared.
func (m *Manager) Healthcheck() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observeExitLocked()
	return m.status
}

// Status returns a snapshot after a healthcheck.
func (m *Manager) Status() StatusInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observeExitLocked()

	info := StatusInfo{
		Project:     m.cfg.Project,
		Status:      m.status,
		Command:     strings.Join(m.cfg.Command, " "),
		LockFile:    m.lock.Path,
		Subscribers: len(m.subs),
	}
	if m.lastExit != nil {
		code := *m.lastExit
		info.ExitCode = &code
	}
	if m.current != nil && (m.status == StatusRunning || m.status == StatusPaused) {
		started := m.current.startedAt
		info.PID = m.current.pid
		info.StartedAt = &started
		info.UptimeSeconds = time.Since(started).Seconds()
	}
	return info
}

// Done returns a channel closed when the current worker has exited. It is
// already closed if no worker was ever started.
func (m *Manager) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return m.current.done
}

// ExitCode returns the exit code of the last worker that finished.
func (m *Manager) ExitCode() (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observeExitLocked()
	if m.lastExit == nil {
		return 0, false
	}
	return *m.lastExit, true
}

// observeExitLocked applies an exit recorded by the waiter. Caller holds m.mu.
func (m *Manager) observeExitLocked() {
	if m.current == nil || m.stopping {
		return
	}
	if m.status != StatusRunning && m.status != StatusPaused {
		return
	}
	select {
	case <-m.current.done:
	default:
		return
	}

	code := m.current.exitCode
	m.lastExit = &code
	if code == 0 {
		m.status = StatusStopped
	} else {
		m.status = StatusCrashed
	}
	if err := m.lock.Clear(); err != nil {
		m.logger.Warn("failed to clear lock file", zap.Error(err))
	}
	m.logger.Info("worker exited",
		zap.Int("pid", m.current.pid),
		zap.Int("exit_code", code),
		zap.String("status", string(m.status)))
}

func (m *Manager) signalFailedLocked(op string, err error) Result {
	switch {
	case errors.Is(err, ErrProcessGone):
		m.status = StatusCrashed
		if clearErr := m.lock.Clear(); clearErr != nil {
			m.logger.Warn("failed to clear lock file", zap.Error(clearErr))
		}
		m.logger.Warn("worker vanished", zap.String("op", op), zap.Int("pid", m.current.pid))
		return Result{OK: false, Message: "worker process no longer exists"}
	case errors.Is(err, ErrUnsupported):
		return Result{OK: false, Message: op + " is not supported on this platform"}
	}
	return Result{OK: false, Message: fmt.Sprintf("failed to %s worker: %v", op, err)}
}

func (m *Manager) read(r *run) {
	defer close(r.readerDone)
	defer r.output.Close()

	reader := bufio.NewReaderSize(r.output, 64*1024)
	for {
		line, err := reader.ReadString('\n')
		if line != "" && !r.muted.Load() {
			m.broadcast(m.redactor.Redact(strings.TrimRight(line, "\r\n")))
		}
		if err != nil {
			return
		}
	}
}

func (m *Manager) broadcast(line string) {
	m.mu.Lock()
	subs := slices.Clone(m.subs)
	m.mu.Unlock()

	for _, s := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("output subscriber panicked", zap.Any("panic", r))
				}
			}()
			s.fn(line)
		}()
	}
}

func (m *Manager) wait(r *run) {
	err := r.cmd.Wait()
	code := -1
	if r.cmd.ProcessState != nil {
		code = r.cmd.ProcessState.ExitCode()
	}
	// Let the reader flush what the worker wrote before it exited. A
	// grandchild still holding the pipe must not keep Done open.
	select {
	case <-r.readerDone:
	case <-time.After(outputDrainTimeout):
	}
	r.exitCode = code
	close(r.done)

	if err != nil {
		m.logger.Debug("worker wait returned", zap.Int("pid", r.pid), zap.Error(err))
	}
}
