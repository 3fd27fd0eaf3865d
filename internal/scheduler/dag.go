package scheduler

import (
	"fmt"
	"strings"
)

// CycleError reports a dependency cycle. Path starts and ends with the same
// task ID, e.g. [A B C A].
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	if len(e.Path) == 0 {
		return "dependency cycle detected"
	}
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Path, " -> "))
}

// dag is an immutable adjacency view over a task set. Dependencies that
// reference tasks outside the set are dropped here, once.
type dag struct {
	ids        []string               // Input order
	index      map[string]int         // ID -> input position
	tasks      map[string]Schedulable // ID -> task
	deps       map[string][]string    // ID -> existing dependencies (deduplicated)
	dependents map[string][]string    // ID -> tasks that depend on it
}

func newDAG(tasks []Schedulable) (*dag, error) {
	g := &dag{
		ids:        make([]string, 0, len(tasks)),
		index:      make(map[string]int, len(tasks)),
		tasks:      make(map[string]Schedulable, len(tasks)),
		deps:       make(map[string][]string, len(tasks)),
		dependents: make(map[string][]string),
	}

	for i, t := range tasks {
		id := t.TaskID()
		if _, exists := g.tasks[id]; exists {
			return nil, fmt.Errorf("task with ID %q already exists", id)
		}
		g.ids = append(g.ids, id)
		g.index[id] = i
		g.tasks[id] = t
	}

	for _, id := range g.ids {
		seen := make(map[string]bool)
		for _, depID := range g.tasks[id].TaskDependencies() {
			if _, exists := g.tasks[depID]; !exists || seen[depID] {
				continue
			}
			seen[depID] = true
			g.deps[id] = append(g.deps[id], depID)
			g.dependents[depID] = append(g.dependents[depID], id)
		}
	}

	return g, nil
}

// kahn runs Kahn's algorithm with a priority heap as the ready queue.
// Whenever a task's last unmet dependency is emitted it is pushed into the
// heap, so it competes on priority with everything already waiting.
func (g *dag) kahn() ([]string, error) {
	indegree := make(map[string]int, len(g.ids))
	q := &readyQueue{}
	for _, id := range g.ids {
		indegree[id] = len(g.deps[id])
		if indegree[id] == 0 {
			q.push(g.item(id))
		}
	}

	order := make([]string, 0, len(g.ids))
	for q.Len() > 0 {
		id := q.pop().id
		order = append(order, id)
		for _, dependent := range g.dependents[id] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				q.push(g.item(dependent))
			}
		}
	}

	if len(order) < len(g.ids) {
		emitted := make(map[string]bool, len(order))
		for _, id := range order {
			emitted[id] = true
		}
		remaining := make(map[string]bool)
		for _, id := range g.ids {
			if !emitted[id] {
				remaining[id] = true
			}
		}
		return order, &CycleError{Path: g.findCycle(remaining)}
	}

	return order, nil
}

func (g *dag) item(id string) readyItem {
	return readyItem{id: id, priority: g.tasks[id].TaskPriority(), index: g.index[id]}
}

const (
	white = iota // Unvisited
	gray         // On the current DFS stack
	black        // Finished
)

// findCycle returns one concrete cycle within the given node subset.
// Every node left over by Kahn's algorithm either sits on a cycle or depends
// on one, so a DFS along dependency edges always closes a loop.
func (g *dag) findCycle(within map[string]bool) []string {
	color := make(map[string]int, len(within))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)
		for _, dep := range g.deps[id] {
			if !within[dep] {
				continue
			}
			switch color[dep] {
			case gray:
				cycle = closeCycle(stack, dep)
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, id := range g.ids {
		if within[id] && color[id] == white {
			if visit(id) {
				return cycle
			}
		}
	}
	return nil
}

// allCycles returns every distinct cycle reachable by DFS back-edges.
// Rotations of the same cycle are reported once.
func (g *dag) allCycles() [][]string {
	color := make(map[string]int, len(g.ids))
	seen := make(map[string]bool)
	var stack []string
	var cycles [][]string

	var visit func(id string)
	visit = func(id string) {
		color[id] = gray
		stack = append(stack, id)
		for _, dep := range g.deps[id] {
			switch color[dep] {
			case gray:
				c := closeCycle(stack, dep)
				key := cycleKey(c)
				if !seen[key] {
					seen[key] = true
					cycles = append(cycles, c)
				}
			case white:
				visit(dep)
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
	}

	for _, id := range g.ids {
		if color[id] == white {
			visit(id)
		}
	}
	return cycles
}

// closeCycle slices the DFS stack from the first occurrence of start and
// appends start again so the path closes on itself.
func closeCycle(stack []string, start string) []string {
	for i, id := range stack {
		if id == start {
			path := append([]string(nil), stack[i:]...)
			return append(path, start)
		}
	}
	return []string{start, start}
}

// cycleKey canonicalises a closed cycle by rotating it to its smallest ID.
func cycleKey(path []string) string {
	nodes := path[:len(path)-1]
	minIdx := 0
	for i, id := range nodes {
		if id < nodes[minIdx] {
			minIdx = i
		}
	}
	rotated := append(append([]string(nil), nodes[minIdx:]...), nodes[:minIdx]...)
	return strings.Join(rotated, "\x00")
}
