package scheduler

import (
	"errors"
	"sort"

	"github.com/gammazero/toposort"
	"go.uber.org/zap"
)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLayerGating enables or disables architectural layer gating (default on).
func WithLayerGating(enabled bool) Option {
	return func(s *Scheduler) { s.layerGating = enabled }
}

// WithLayerThreshold sets the completion ratio lower layers must reach.
func WithLayerThreshold(threshold float64) Option {
	return func(s *Scheduler) { s.layerThreshold = threshold }
}

// WithLogger sets the logger used for advisory warnings.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Scheduler orders a snapshot of tasks by dependencies, priority and layer.
// It never mutates the tasks; callers apply in-progress/completed changes to
// their store and build a new Scheduler from the fresh snapshot.
type Scheduler struct {
	tasks          []Schedulable
	graph          *dag
	layerGating    bool
	layerThreshold float64
	logger         *zap.Logger
}

// New builds a scheduler over tasks. Returns an error on duplicate task IDs.
func New(tasks []Schedulable, opts ...Option) (*Scheduler, error) {
	g, err := newDAG(tasks)
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		tasks:          tasks,
		graph:          g,
		layerGating:    true,
		layerThreshold: DefaultLayerThreshold,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// FromTasks is a convenience wrapper for concrete task slices.
func FromTasks(tasks []*Task, opts ...Option) (*Scheduler, error) {
	items := make([]Schedulable, len(tasks))
	for i, t := range tasks {
		items[i] = t
	}
	return New(items, opts...)
}

// Len returns the number of tasks.
func (s *Scheduler) Len() int { return len(s.tasks) }

// Get returns a task by ID.
func (s *Scheduler) Get(taskID string) (Schedulable, bool) {
	t, ok := s.graph.tasks[taskID]
	return t, ok
}

// TopologicalOrder returns all tasks so that every dependency precedes its
// dependents and, among ready tasks, lower priority values come first.
// On a cycle it returns a *CycleError carrying one concrete cycle path.
func (s *Scheduler) TopologicalOrder() ([]Schedulable, error) {
	ids, err := s.graph.kahn()
	if err != nil {
		return nil, err
	}
	return s.resolve(ids), nil
}

// priorityOrder is the degraded ordering used when the graph has a cycle.
func (s *Scheduler) priorityOrder() []Schedulable {
	ordered := append([]Schedulable(nil), s.tasks...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].TaskPriority() < ordered[j].TaskPriority()
	})
	return ordered
}

// NextReady returns the next task to hand to the worker, or false when no
// task is ready. A cycle elsewhere in the graph never blocks progress: the
// scheduler falls back to priority order and still honours dependencies.
//
// Layer gating is advisory. A ready task in an open layer is preferred; if
// every ready task is gated, the first one is returned anyway and the
// blocking layers are logged.
func (s *Scheduler) NextReady(completed, inProgress map[string]bool) (Schedulable, bool) {
	order, err := s.TopologicalOrder()
	if err != nil {
		var cycleErr *CycleError
		if errors.As(err, &cycleErr) {
			s.logger.Warn("dependency cycle, falling back to priority order",
				zap.Strings("cycle", cycleErr.Path))
		}
		order = s.priorityOrder()
	}

	var validator *LayerValidator
	if s.layerGating {
		validator = NewLayerValidator(s.tasks, completed, s.layerThreshold)
	}

	var gated Schedulable
	for _, t := range order {
		if !s.isReady(t, completed, inProgress) {
			continue
		}
		if validator == nil || validator.CanStart(t) {
			return t, true
		}
		if gated == nil {
			gated = t
		}
	}

	if gated != nil {
		s.logger.Warn("no task in an open layer, proceeding with gated task",
			zap.String("task_id", gated.TaskID()),
			zap.Stringer("layer", gated.TaskLayer()),
			zap.String("blocking_layers", FormatBlocking(validator.BlockingLayers(gated.TaskLayer()))))
		return gated, true
	}
	return nil, false
}

// Next is NextReady with completed/in-progress sets derived from the tasks'
// own flags.
func (s *Scheduler) Next() (Schedulable, bool) {
	completed, inProgress := s.StatusSets()
	return s.NextReady(completed, inProgress)
}

// StatusSets derives completed and in-progress ID sets from task flags.
func (s *Scheduler) StatusSets() (completed, inProgress map[string]bool) {
	completed = make(map[string]bool)
	inProgress = make(map[string]bool)
	for _, t := range s.tasks {
		if t.IsCompleted() {
			completed[t.TaskID()] = true
		}
		if t.IsInProgress() {
			inProgress[t.TaskID()] = true
		}
	}
	return completed, inProgress
}

func (s *Scheduler) isReady(t Schedulable, completed, inProgress map[string]bool) bool {
	id := t.TaskID()
	if completed[id] || inProgress[id] {
		return false
	}
	for _, depID := range s.graph.deps[id] {
		if !completed[depID] {
			return false
		}
	}
	return true
}

// BlockingDependencies returns the incomplete dependencies of a task.
// Dependencies on tasks outside the set are ignored, as they are for scheduling.
func (s *Scheduler) BlockingDependencies(taskID string) []string {
	blocking := []string{}
	for _, depID := range s.graph.deps[taskID] {
		if !s.graph.tasks[depID].IsCompleted() {
			blocking = append(blocking, depID)
		}
	}
	return blocking
}

// DetectCycles returns every distinct dependency cycle, each closing on
// itself (e.g. [X Y X]). Returns nil for an acyclic graph.
func (s *Scheduler) DetectCycles() [][]string {
	if s.acyclic() {
		return nil
	}
	return s.graph.allCycles()
}

// acyclic is a fast pre-check with gammazero/toposort before the DFS walk.
func (s *Scheduler) acyclic() bool {
	var edges []toposort.Edge
	for _, id := range s.graph.ids {
		deps := s.graph.deps[id]
		if len(deps) == 0 {
			// Edge from nil so isolated tasks are still part of the sort
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, depID := range deps {
			if depID == id {
				return false
			}
			edges = append(edges, toposort.Edge{depID, id})
		}
	}
	_, err := toposort.Toposort(edges)
	return err == nil
}

// Layers returns layer progress for the given completed set.
func (s *Scheduler) Layers(completed map[string]bool) *LayerValidator {
	return NewLayerValidator(s.tasks, completed, s.layerThreshold)
}

func (s *Scheduler) resolve(ids []string) []Schedulable {
	out := make([]Schedulable, len(ids))
	for i, id := range ids {
		out[i] = s.graph.tasks[id]
	}
	return out
}
