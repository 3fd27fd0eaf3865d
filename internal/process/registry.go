package process

import (
	"sort"
	"sync"
)

// Registry holds one Manager per project. The application owns it and
// passes it to whatever needs to look workers up.
type Registry struct {
	mu       sync.Mutex
	managers map[string]*Manager
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{managers: make(map[string]*Manager)}
}

// Get returns the manager for project.
func (r *Registry) Get(project string) (*Manager, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.managers[project]
	return m, ok
}

// GetOrCreate returns the manager for cfg.Project, creating it from cfg if
// there is none yet.
func (r *Registry) GetOrCreate(cfg Config) (*Manager, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.managers[cfg.Project]; ok {
		return m, nil
	}
	m, err := NewManager(cfg)
	if err != nil {
		return nil, err
	}
	r.managers[cfg.Project] = m
	return m, nil
}

// Remove forgets project and returns its manager. The worker is not stopped.
func (r *Registry) Remove(project string) (*Manager, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.managers[project]
	delete(r.managers, project)
	return m, ok
}

// Projects returns the registered project names, sorted.
func (r *Registry) Projects() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	projects := make([]string, 0, len(r.managers))
	for p := range r.managers {
		projects = append(projects, p)
	}
	sort.Strings(projects)
	return projects
}

// StopAll stops every running worker and reports per-project results.
func (r *Registry) StopAll() map[string]Result {
	r.mu.Lock()
	managers := make(map[string]*Manager, len(r.managers))
	for p, m := range r.managers {
		managers[p] = m
	}
	r.mu.Unlock()

	results := make(map[string]Result, len(managers))
	for p, m := range managers {
		switch m.Healthcheck() {
		case StatusRunning, StatusPaused:
			results[p] = m.Stop()
		}
	}
	return results
}
