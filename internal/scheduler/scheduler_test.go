package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func set(ids ...string) map[string]bool {
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

func TestNextReady(t *testing.T) {
	tasks := []*Task{
		{ID: "A", Priority: 1},
		{ID: "C", Priority: 2},
		{ID: "B", Priority: 1, DependsOn: []string{"A"}},
	}
	s := mustScheduler(t, tasks, WithLayerGating(false))

	tests := []struct {
		name       string
		completed  map[string]bool
		inProgress map[string]bool
		want       string
		wantOK     bool
	}{
		{name: "nothing done", completed: set(), inProgress: set(), want: "A", wantOK: true},
		{name: "A running", completed: set(), inProgress: set("A"), want: "C", wantOK: true},
		{name: "A done unlocks B", completed: set("A"), inProgress: set(), want: "B", wantOK: true},
		{name: "A and B done", completed: set("A", "B"), inProgress: set(), want: "C", wantOK: true},
		{name: "all done", completed: set("A", "B", "C"), inProgress: set(), wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := s.NextReady(tt.completed, tt.inProgress)
			require.Equal(t, tt.wantOK, ok)
			if ok {
				assert.Equal(t, tt.want, got.TaskID())
			}
		})
	}
}

func TestNextReady_CycleElsewhereDoesNotBlock(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	s := mustScheduler(t, []*Task{
		{ID: "X", Priority: 0, DependsOn: []string{"Y"}},
		{ID: "Y", Priority: 0, DependsOn: []string{"X"}},
		{ID: "dependent", Priority: 1, DependsOn: []string{"pending"}},
		{ID: "pending", Priority: 5},
	}, WithLayerGating(false), WithLogger(zap.New(core)))

	got, ok := s.NextReady(set(), set())
	require.True(t, ok)
	assert.Equal(t, "pending", got.TaskID(), "cyclic tasks and unmet dependencies must be skipped")
	assert.Equal(t, 1, logs.FilterMessage("dependency cycle, falling back to priority order").Len())

	got, ok = s.NextReady(set("pending"), set())
	require.True(t, ok)
	assert.Equal(t, "dependent", got.TaskID())

	_, ok = s.NextReady(set("pending", "dependent"), set())
	assert.False(t, ok, "members of a cycle never become ready")
}

func TestNextReady_NeverReturnsUnmetDependency(t *testing.T) {
	s := mustScheduler(t, []*Task{
		{ID: "A", Priority: 10},
		{ID: "B", Priority: 0, DependsOn: []string{"A"}},
		{ID: "C", Priority: 0, DependsOn: []string{"B"}},
		{ID: "loop1", DependsOn: []string{"loop2"}},
		{ID: "loop2", DependsOn: []string{"loop1"}},
	}, WithLayerGating(false))

	completed := set()
	var order []string
	for {
		next, ok := s.NextReady(completed, set())
		if !ok {
			break
		}
		for _, dep := range next.TaskDependencies() {
			require.True(t, completed[dep], "%s returned before %s", next.TaskID(), dep)
		}
		completed[next.TaskID()] = true
		order = append(order, next.TaskID())
	}
	assert.Equal(t, []string{"A", "B", "C"}, order)
}

func TestNext_UsesTaskFlags(t *testing.T) {
	s := mustScheduler(t, []*Task{
		{ID: "A", Completed: true},
		{ID: "B", InProgress: true},
		{ID: "C", DependsOn: []string{"A"}},
	}, WithLayerGating(false))

	got, ok := s.Next()
	require.True(t, ok)
	assert.Equal(t, "C", got.TaskID())
}

func TestLayerValidator(t *testing.T) {
	tasks := []Schedulable{
		&Task{ID: "s1", Layer: LayerSkeleton, Completed: true},
		&Task{ID: "s2", Layer: LayerSkeleton, Completed: true},
		&Task{ID: "s3", Layer: LayerSkeleton, Completed: true},
		&Task{ID: "s4", Layer: LayerSkeleton},
		&Task{ID: "d1", Layer: LayerDatabase},
		&Task{ID: "d2", Layer: LayerDatabase},
		&Task{ID: "f1", Layer: LayerFeatures},
	}

	v := NewLayerValidator(tasks, nil, 0.8)

	progress := v.Progress()
	require.Len(t, progress, int(MaxLayer)+1)
	assert.Equal(t, 4, progress[LayerSkeleton].Total)
	assert.Equal(t, 3, progress[LayerSkeleton].Completed)
	assert.InDelta(t, 0.75, progress[LayerSkeleton].Ratio, 1e-9)
	assert.InDelta(t, 1.0, progress[LayerAuth].Ratio, 1e-9, "empty layer counts as complete")

	assert.Empty(t, v.BlockingLayers(LayerSkeleton))
	blocking := v.BlockingLayers(LayerFeatures)
	require.Len(t, blocking, 2)
	assert.Equal(t, LayerSkeleton, blocking[0].Layer)
	assert.Equal(t, LayerDatabase, blocking[1].Layer)

	// The completed set counts as well as the task flag
	v = NewLayerValidator(tasks, set("s4", "d1", "d2"), 0.8)
	assert.True(t, v.CanStart(&Task{ID: "x", Layer: LayerFeatures}))
}

func TestNextReady_LayerGatingPrefersOpenLayers(t *testing.T) {
	s := mustScheduler(t, []*Task{
		{ID: "polish", Priority: 0, Layer: LayerQuality},
		{ID: "schema", Priority: 9, Layer: LayerDatabase},
	})

	got, ok := s.NextReady(set(), set())
	require.True(t, ok)
	assert.Equal(t, "schema", got.TaskID(), "foundation work goes first despite lower priority")

	got, ok = s.NextReady(set("schema"), set())
	require.True(t, ok)
	assert.Equal(t, "polish", got.TaskID())
}

func TestNextReady_LayerGatingIsAdvisory(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	s := mustScheduler(t, []*Task{
		{ID: "schema", Layer: LayerDatabase},
		{ID: "feature", Layer: LayerFeatures},
	}, WithLogger(zap.New(core)))

	// schema is being worked on, so the only ready task is gated
	got, ok := s.NextReady(set(), set("schema"))
	require.True(t, ok)
	assert.Equal(t, "feature", got.TaskID())

	entries := logs.FilterMessage("no task in an open layer, proceeding with gated task").All()
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].ContextMap()["blocking_layers"], "database")
}

func TestParseLayer(t *testing.T) {
	for l := LayerSkeleton; l <= MaxLayer; l++ {
		parsed, err := ParseLayer(l.String())
		require.NoError(t, err)
		assert.Equal(t, l, parsed)
	}
	_, err := ParseLayer("nope")
	assert.Error(t, err)
	assert.False(t, Layer(42).Valid())
}
