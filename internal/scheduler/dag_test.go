package scheduler

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(tasks []Schedulable) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.TaskID()
	}
	return out
}

func mustScheduler(t *testing.T, tasks []*Task, opts ...Option) *Scheduler {
	t.Helper()
	s, err := FromTasks(tasks, opts...)
	require.NoError(t, err)
	return s
}

// TestTopologicalOrder tests ordering with various graph structures.
func TestTopologicalOrder(t *testing.T) {
	tests := []struct {
		name  string
		tasks []*Task
		want  []string
	}{
		{
			name: "linear chain",
			tasks: []*Task{
				{ID: "C", Priority: 1, DependsOn: []string{"B"}},
				{ID: "B", Priority: 1, DependsOn: []string{"A"}},
				{ID: "A", Priority: 1},
			},
			want: []string{"A", "B", "C"},
		},
		{
			name: "priority breaks ties",
			tasks: []*Task{
				{ID: "low", Priority: 5},
				{ID: "high", Priority: 1},
				{ID: "mid", Priority: 3},
			},
			want: []string{"high", "mid", "low"},
		},
		{
			name: "equal priority keeps input order",
			tasks: []*Task{
				{ID: "first", Priority: 2},
				{ID: "second", Priority: 2},
			},
			want: []string{"first", "second"},
		},
		{
			name: "unlocked task jumps ahead of queued lower priority",
			tasks: []*Task{
				{ID: "A", Priority: 1},
				{ID: "C", Priority: 2},
				{ID: "B", Priority: 1, DependsOn: []string{"A"}},
			},
			want: []string{"A", "B", "C"},
		},
		{
			name: "missing dependency is ignored",
			tasks: []*Task{
				{ID: "A", Priority: 1, DependsOn: []string{"ghost"}},
			},
			want: []string{"A"},
		},
		{
			name: "duplicate dependency entries",
			tasks: []*Task{
				{ID: "A", Priority: 1},
				{ID: "B", Priority: 1, DependsOn: []string{"A", "A"}},
			},
			want: []string{"A", "B"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := mustScheduler(t, tt.tasks)
			order, err := s.TopologicalOrder()
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(order))
		})
	}
}

func TestTopologicalOrder_RespectsEdgesOnRandomDAGs(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 20; round++ {
		n := 50 + rng.Intn(50)
		tasks := make([]*Task, n)
		for i := 0; i < n; i++ {
			task := &Task{ID: fmt.Sprintf("t%03d", i), Priority: rng.Intn(10)}
			// Only depend on lower indices so the graph stays acyclic
			for j := 0; j < i; j++ {
				if rng.Float64() < 0.05 {
					task.DependsOn = append(task.DependsOn, fmt.Sprintf("t%03d", j))
				}
			}
			tasks[i] = task
		}
		rng.Shuffle(len(tasks), func(i, j int) { tasks[i], tasks[j] = tasks[j], tasks[i] })

		s := mustScheduler(t, tasks)
		order, err := s.TopologicalOrder()
		require.NoError(t, err)
		require.Len(t, order, n)

		pos := make(map[string]int, n)
		for i, task := range order {
			pos[task.TaskID()] = i
		}
		for _, task := range tasks {
			for _, dep := range task.DependsOn {
				assert.Less(t, pos[dep], pos[task.ID], "%s must precede %s", dep, task.ID)
			}
		}
	}
}

func TestTopologicalOrder_CycleReturnsPath(t *testing.T) {
	tests := []struct {
		name  string
		tasks []*Task
		want  []string
	}{
		{
			name: "direct cycle",
			tasks: []*Task{
				{ID: "X", DependsOn: []string{"Y"}},
				{ID: "Y", DependsOn: []string{"X"}},
			},
			want: []string{"X", "Y", "X"},
		},
		{
			name: "transitive cycle behind a dependent",
			tasks: []*Task{
				{ID: "root"},
				{ID: "D", DependsOn: []string{"A"}},
				{ID: "A", DependsOn: []string{"B"}},
				{ID: "B", DependsOn: []string{"C"}},
				{ID: "C", DependsOn: []string{"A", "root"}},
			},
			want: []string{"A", "B", "C", "A"},
		},
		{
			name:  "self-loop",
			tasks: []*Task{{ID: "A", DependsOn: []string{"A"}}},
			want:  []string{"A", "A"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := mustScheduler(t, tt.tasks)
			_, err := s.TopologicalOrder()
			require.Error(t, err)

			var cycleErr *CycleError
			require.True(t, errors.As(err, &cycleErr))
			assert.Equal(t, tt.want, cycleErr.Path)
			assert.Contains(t, err.Error(), "cycle")
		})
	}
}

func TestNew_DuplicateID(t *testing.T) {
	_, err := FromTasks([]*Task{{ID: "A"}, {ID: "A"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestDetectCycles(t *testing.T) {
	t.Run("acyclic", func(t *testing.T) {
		s := mustScheduler(t, []*Task{
			{ID: "A"},
			{ID: "B", DependsOn: []string{"A"}},
		})
		assert.Nil(t, s.DetectCycles())
	})

	t.Run("two node cycle", func(t *testing.T) {
		s := mustScheduler(t, []*Task{
			{ID: "X", DependsOn: []string{"Y"}},
			{ID: "Y", DependsOn: []string{"X"}},
		})
		cycles := s.DetectCycles()
		require.Len(t, cycles, 1)
		assert.Equal(t, []string{"X", "Y", "X"}, cycles[0])
		assert.Len(t, cycles[0], 3)
	})

	t.Run("two disjoint cycles", func(t *testing.T) {
		s := mustScheduler(t, []*Task{
			{ID: "A", DependsOn: []string{"B"}},
			{ID: "B", DependsOn: []string{"A"}},
			{ID: "C", DependsOn: []string{"D"}},
			{ID: "D", DependsOn: []string{"C"}},
			{ID: "E"},
		})
		cycles := s.DetectCycles()
		require.Len(t, cycles, 2)
		for _, c := range cycles {
			assert.Equal(t, c[0], c[len(c)-1])
		}
	})

	t.Run("self-loop", func(t *testing.T) {
		s := mustScheduler(t, []*Task{{ID: "A", DependsOn: []string{"A"}}})
		assert.Equal(t, [][]string{{"A", "A"}}, s.DetectCycles())
	})
}

func TestBlockingDependencies(t *testing.T) {
	s := mustScheduler(t, []*Task{
		{ID: "A", Completed: true},
		{ID: "B"},
		{ID: "C", DependsOn: []string{"A", "B", "ghost"}},
	})

	assert.Equal(t, []string{"B"}, s.BlockingDependencies("C"))
	assert.Empty(t, s.BlockingDependencies("A"))
	assert.Empty(t, s.BlockingDependencies("unknown"))
}
