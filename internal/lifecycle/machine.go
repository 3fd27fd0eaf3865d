package lifecycle

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// DefaultMaxIterations caps the number of transitions in one session.
	DefaultMaxIterations = 10000
	// DefaultHistorySize is how many transitions are retained.
	DefaultHistorySize = 50

	stateFileVersion = 1
)

// Transition is a single recorded state change.
type Transition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	Forced    bool      `json:"forced,omitempty"`
}

// ErrorEntry is an entry in the append-only error log.
type ErrorEntry struct {
	Timestamp time.Time `json:"timestamp"`
	State     State     `json:"state"`
	TaskID    string    `json:"task_id,omitempty"`
	Message   string    `json:"message"`
}

// Context is the persisted orchestrator context.
type Context struct {
	Version       int          `json:"version"`
	State         State        `json:"state"`
	Iteration     int          `json:"iteration"`
	MaxIterations int          `json:"max_iterations"`
	CurrentTaskID string       `json:"current_task_id,omitempty"`
	SessionID     string       `json:"session_id"`
	History       []Transition `json:"history"`
	Errors        []ErrorEntry `json:"errors"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

func (c Context) clone() Context {
	cp := c
	cp.History = append([]Transition(nil), c.History...)
	cp.Errors = append([]ErrorEntry(nil), c.Errors...)
	return cp
}

// Config configures a Machine.
type Config struct {
	Path          string // State file; empty disables persistence
	MaxIterations int    // Default 10000
	HistorySize   int    // Default 50
	SessionID     string // Generated if empty and no state file exists
	Logger        *zap.Logger
}

// Machine validates and records orchestrator phase transitions.
type Machine struct {
	mu        sync.Mutex
	cfg       Config
	ctx       Context
	observers []func(Transition)
	logger    *zap.Logger
	now       func() time.Time
}

// TransitionOption customises a single transition.
type TransitionOption func(*transitionOpts)

type transitionOpts struct {
	reason string
	taskID string
	force  bool
}

// WithReason records why the transition happened.
func WithReason(reason string) TransitionOption {
	return func(o *transitionOpts) { o.reason = reason }
}

// WithTaskID sets the current task as part of the transition.
func WithTaskID(taskID string) TransitionOption {
	return func(o *transitionOpts) { o.taskID = taskID }
}

// Forced bypasses the transition table. The iteration cap still applies.
func Forced() TransitionOption {
	return func(o *transitionOpts) { o.force = true }
}

// Open creates a Machine, resuming from cfg.Path if it holds a saved context.
func Open(cfg Config) (*Machine, error) {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Machine{cfg: cfg, logger: logger, now: time.Now}

	loaded, err := m.load()
	if err != nil {
		return nil, err
	}
	if loaded {
		// The configured cap wins over whatever was saved
		m.ctx.MaxIterations = cfg.MaxIterations
		logger.Info("resumed agent state",
			zap.String("state", string(m.ctx.State)),
			zap.Int("iteration", m.ctx.Iteration),
			zap.String("session_id", m.ctx.SessionID))
		return m, nil
	}

	sessionID := cfg.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	m.ctx = Context{
		Version:       stateFileVersion,
		State:         StateIdle,
		MaxIterations: cfg.MaxIterations,
		SessionID:     sessionID,
		History:       []Transition{},
		Errors:        []ErrorEntry{},
		UpdatedAt:     m.now(),
	}
	if err := m.persist(); err != nil {
		return nil, err
	}
	return m, nil
}

// OnTransition registers an observer called after every successful
// transition. Observer panics are logged and swallowed.
func (m *Machine) OnTransition(fn func(Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx.State
}

// Snapshot returns a copy of the full context.
func (m *Machine) Snapshot() Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx.clone()
}

// CanTransition reports whether the current state may move to to without forcing.
func (m *Machine) CanTransition(to State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return CanTransition(m.ctx.State, to)
}

// Transition moves the machine to a new state.
//
// An unforced transition outside the table fails with *InvalidTransitionError
// and changes nothing. Every accepted transition increments the iteration
// counter; exceeding the cap forces StateError and returns *MaxIterationsError.
func (m *Machine) Transition(to State, opts ...TransitionOption) error {
	var o transitionOpts
	for _, opt := range opts {
		opt(&o)
	}
	if !to.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownState, string(to))
	}

	m.mu.Lock()
	from := m.ctx.State
	if !o.force && !CanTransition(from, to) {
		m.mu.Unlock()
		return &InvalidTransitionError{From: from, To: to}
	}

	now := m.now()
	m.ctx.Iteration++
	if m.ctx.Iteration > m.ctx.MaxIterations {
		overflow := &MaxIterationsError{Iteration: m.ctx.Iteration, MaxIterations: m.ctx.MaxIterations}
		t := Transition{From: from, To: StateError, Timestamp: now, Reason: overflow.Error(), TaskID: m.ctx.CurrentTaskID, Forced: true}
		m.ctx.State = StateError
		m.appendHistory(t)
		m.ctx.Errors = append(m.ctx.Errors, ErrorEntry{Timestamp: now, State: from, TaskID: m.ctx.CurrentTaskID, Message: overflow.Error()})
		m.ctx.UpdatedAt = now
		if err := m.persist(); err != nil {
			m.logger.Error("failed to persist agent state", zap.Error(err))
		}
		observers := m.observers
		m.mu.Unlock()

		m.logger.Error("max iterations exceeded, forcing error state",
			zap.Int("iteration", overflow.Iteration),
			zap.Int("max_iterations", overflow.MaxIterations))
		m.notify(observers, t)
		return overflow
	}

	if o.taskID != "" {
		m.ctx.CurrentTaskID = o.taskID
	}
	t := Transition{From: from, To: to, Timestamp: now, Reason: o.reason, TaskID: m.ctx.CurrentTaskID, Forced: o.force}
	m.ctx.State = to
	m.appendHistory(t)
	m.ctx.UpdatedAt = now
	persistErr := m.persist()
	observers := m.observers
	m.mu.Unlock()

	m.logger.Debug("state transition",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", o.reason),
		zap.Bool("forced", o.force))
	m.notify(observers, t)

	if persistErr != nil {
		return persistErr
	}
	return nil
}

// RecordError appends to the error log and persists.
func (m *Machine) RecordError(message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.ctx.Errors = append(m.ctx.Errors, ErrorEntry{
		Timestamp: now,
		State:     m.ctx.State,
		TaskID:    m.ctx.CurrentTaskID,
		Message:   message,
	})
	m.ctx.UpdatedAt = now
	return m.persist()
}

// Reset returns to StateIdle with a zero iteration count and empty logs.
// The session ID is kept.
func (m *Machine) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ctx.State = StateIdle
	m.ctx.Iteration = 0
	m.ctx.CurrentTaskID = ""
	m.ctx.History = []Transition{}
	m.ctx.Errors = []ErrorEntry{}
	m.ctx.UpdatedAt = m.now()
	return m.persist()
}

func (m *Machine) appendHistory(t Transition) {
	m.ctx.History = append(m.ctx.History, t)
	if over := len(m.ctx.History) - m.cfg.HistorySize; over > 0 {
		m.ctx.History = append([]Transition(nil), m.ctx.History[over:]...)
	}
}

func (m *Machine) notify(observers []func(Transition), t Transition) {
	for _, fn := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("transition observer panicked",
						zap.Any("panic", r),
						zap.String("to", string(t.To)))
				}
			}()
			fn(t)
		}()
	}
}

// persist writes the context atomically. Caller holds m.mu.
func (m *Machine) persist() error {
	if m.cfg.Path == "" {
		return nil
	}

	data, err := json.MarshalIndent(m.ctx, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal agent state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.cfg.Path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmpPath := m.cfg.Path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write agent state: %w", err)
	}
	if err := os.Rename(tmpPath, m.cfg.Path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename agent state: %w", err)
	}
	return nil
}

func (m *Machine) load() (bool, error) {
	if m.cfg.Path == "" {
		return false, nil
	}

	data, err := os.ReadFile(m.cfg.Path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading %s: %w", m.cfg.Path, err)
	}

	ctx, err := DecodeContext(data)
	if err != nil {
		return false, fmt.Errorf("parsing %s: %w", m.cfg.Path, err)
	}
	m.ctx = ctx
	return true, nil
}

// DecodeContext parses a saved state file. Unknown state names and
// unsupported versions are rejected.
func DecodeContext(data []byte) (Context, error) {
	var ctx Context
	if err := json.Unmarshal(data, &ctx); err != nil {
		return Context{}, err
	}
	if ctx.Version != stateFileVersion {
		return Context{}, fmt.Errorf("unsupported state file version %d", ctx.Version)
	}
	if !ctx.State.Valid() {
		return Context{}, fmt.Errorf("%w: missing state", ErrUnknownState)
	}
	if ctx.History == nil {
		ctx.History = []Transition{}
	}
	if ctx.Errors == nil {
		ctx.Errors = []ErrorEntry{}
	}
	return ctx, nil
}
