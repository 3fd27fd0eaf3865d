package scheduler

import "fmt"

// Layer is the coarse architectural phase a task belongs to.
// Lower layers are foundational and should largely finish before higher ones start.
type Layer int

const (
	LayerSkeleton    Layer = iota // Project scaffolding, build setup
	LayerDatabase                 // Schema, migrations, storage
	LayerBackendCore              // Core services and domain logic
	LayerAuth                     // Authentication and authorization
	LayerAPI                      // Endpoints and contracts
	LayerFrontend                 // UI shell and routing
	LayerFeatures                 // User-facing features
	LayerIntegration              // Third-party integrations, end-to-end flows
	LayerQuality                  // Polish, performance, accessibility, tests
)

// MaxLayer is the highest valid layer.
const MaxLayer = LayerQuality

var layerNames = [...]string{
	"skeleton",
	"database",
	"backend_core",
	"auth",
	"api",
	"frontend",
	"features",
	"integration",
	"quality",
}

// String returns the layer name.
func (l Layer) String() string {
	if l < 0 || int(l) >= len(layerNames) {
		return fmt.Sprintf("layer(%d)", int(l))
	}
	return layerNames[l]
}

// Valid reports whether l is within the known range.
func (l Layer) Valid() bool {
	return l >= LayerSkeleton && l <= MaxLayer
}

// ParseLayer maps a layer name back to its ordinal.
func ParseLayer(name string) (Layer, error) {
	for i, n := range layerNames {
		if n == name {
			return Layer(i), nil
		}
	}
	return 0, fmt.Errorf("unknown layer %q", name)
}

// Schedulable is anything the scheduler can order. The task store's own types
// implement it so the scheduler never depends on storage.
type Schedulable interface {
	TaskID() string
	TaskPriority() int // Lower is more urgent
	TaskLayer() Layer
	TaskDependencies() []string
	IsCompleted() bool
	IsInProgress() bool
}

// Task represents a unit of work the worker can be pointed at.
type Task struct {
	ID          string   // Unique identifier
	Name        string   // Human-readable name
	Description string   // What the worker should build
	Category    string   // Free-form grouping
	Priority    int      // Lower = more urgent
	Layer       Layer    // Architectural layer
	DependsOn   []string // Task IDs this task depends on
	Completed   bool
	InProgress  bool
	Attempts    int    // Times the worker has been started on this task
	LastError   string // Failure text of the most recent unsuccessful attempt
}

func (t *Task) TaskID() string             { return t.ID }
func (t *Task) TaskPriority() int          { return t.Priority }
func (t *Task) TaskLayer() Layer           { return t.Layer }
func (t *Task) TaskDependencies() []string { return t.DependsOn }
func (t *Task) IsCompleted() bool          { return t.Completed }
func (t *Task) IsInProgress() bool         { return t.InProgress }

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.DependsOn != nil {
		cp.DependsOn = append([]string(nil), t.DependsOn...)
	}
	return &cp
}
