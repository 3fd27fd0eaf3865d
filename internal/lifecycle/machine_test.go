package lifecycle

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newMachine(t *testing.T, cfg Config) *Machine {
	t.Helper()
	m, err := Open(cfg)
	require.NoError(t, err)
	return m
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateIdle, StateInitializing, true},
		{StateIdle, StateCoding, false},
		{StateInitializing, StatePlanning, true},
		{StatePlanning, StateCoding, true},
		{StatePlanning, StateCompleted, true},
		{StateCoding, StateVerifying, true},
		{StateCoding, StateCompleted, false},
		{StateVerifying, StatePlanning, true},
		{StateError, StateCoding, true},
		{StateError, StateVerifying, false},
		{StateCompleted, StateCoding, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}

	for _, s := range States {
		assert.True(t, CanTransition(s, StateIdle) || s == StateIdle, "%s must be able to return to idle", s)
	}
}

func TestTransition_Invalid(t *testing.T) {
	m := newMachine(t, Config{})

	err := m.Transition(StateCoding)
	var invalid *InvalidTransitionError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, StateIdle, invalid.From)
	assert.Equal(t, StateCoding, invalid.To)

	snap := m.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Equal(t, 0, snap.Iteration)
	assert.Empty(t, snap.History)
}

func TestTransition_Forced(t *testing.T) {
	m := newMachine(t, Config{})

	require.NoError(t, m.Transition(StateCoding, Forced(), WithReason("operator override")))
	snap := m.Snapshot()
	assert.Equal(t, StateCoding, snap.State)
	require.Len(t, snap.History, 1)
	assert.True(t, snap.History[0].Forced)
	assert.Equal(t, "operator override", snap.History[0].Reason)
}

func TestTransition_UnknownState(t *testing.T) {
	m := newMachine(t, Config{})
	err := m.Transition(State("dreaming"), Forced())
	assert.ErrorIs(t, err, ErrUnknownState)
}

func TestTransition_MaxIterations(t *testing.T) {
	m := newMachine(t, Config{MaxIterations: 3})

	require.NoError(t, m.Transition(StateInitializing))
	require.NoError(t, m.Transition(StatePlanning))
	require.NoError(t, m.Transition(StateCoding, WithTaskID("T1")))

	err := m.Transition(StateVerifying)
	var maxErr *MaxIterationsError
	require.True(t, errors.As(err, &maxErr))
	assert.Equal(t, 4, maxErr.Iteration)
	assert.Equal(t, 3, maxErr.MaxIterations)

	snap := m.Snapshot()
	assert.Equal(t, StateError, snap.State)
	require.Len(t, snap.Errors, 1)
	assert.Equal(t, "T1", snap.Errors[0].TaskID)
}

func TestTransition_HistoryIsBounded(t *testing.T) {
	m := newMachine(t, Config{HistorySize: 4})

	require.NoError(t, m.Transition(StateInitializing))
	require.NoError(t, m.Transition(StatePlanning))
	for i := 0; i < 5; i++ {
		require.NoError(t, m.Transition(StateCoding))
		require.NoError(t, m.Transition(StateVerifying))
		require.NoError(t, m.Transition(StatePlanning))
	}

	snap := m.Snapshot()
	assert.Len(t, snap.History, 4)
	assert.Equal(t, 17, snap.Iteration)
	assert.Equal(t, StatePlanning, snap.History[3].To)
}

func TestPersistAndResume(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	m := newMachine(t, Config{Path: path, SessionID: "sess-1"})
	require.NoError(t, m.Transition(StateInitializing))
	require.NoError(t, m.Transition(StatePlanning))
	require.NoError(t, m.Transition(StateCoding, WithTaskID("T7")))
	require.NoError(t, m.RecordError("compiler exploded"))

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file must not be left behind")

	resumed := newMachine(t, Config{Path: path})
	snap := resumed.Snapshot()
	assert.Equal(t, StateCoding, snap.State)
	assert.Equal(t, 3, snap.Iteration)
	assert.Equal(t, "T7", snap.CurrentTaskID)
	assert.Equal(t, "sess-1", snap.SessionID)
	require.Len(t, snap.Errors, 1)
	assert.Equal(t, "compiler exploded", snap.Errors[0].Message)
	assert.Len(t, snap.History, 3)
}

func TestOpen_RejectsUnknownState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	data, err := json.Marshal(map[string]any{"version": 1, "state": "sleeping"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err = Open(Config{Path: path})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownState)
}

func TestStateJSON(t *testing.T) {
	data, err := json.Marshal(StateWaitingApproval)
	require.NoError(t, err)
	assert.Equal(t, `"waiting_approval"`, string(data))

	var s State
	require.NoError(t, json.Unmarshal([]byte(`"verifying"`), &s))
	assert.Equal(t, StateVerifying, s)

	assert.Error(t, json.Unmarshal([]byte(`"bogus"`), &s))
	_, err = json.Marshal(State("bogus"))
	assert.Error(t, err)
}

func TestReset(t *testing.T) {
	m := newMachine(t, Config{SessionID: "keep"})
	require.NoError(t, m.Transition(StateInitializing))
	require.NoError(t, m.RecordError("boom"))

	require.NoError(t, m.Reset())
	snap := m.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Zero(t, snap.Iteration)
	assert.Empty(t, snap.History)
	assert.Empty(t, snap.Errors)
	assert.Equal(t, "keep", snap.SessionID)
}

func TestOnTransition_PanicIsContained(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	m := newMachine(t, Config{Logger: zap.New(core)})

	var seen []Transition
	m.OnTransition(func(Transition) { panic("observer bug") })
	m.OnTransition(func(tr Transition) { seen = append(seen, tr) })

	require.NoError(t, m.Transition(StateInitializing))
	assert.Equal(t, StateInitializing, m.State())
	require.Len(t, seen, 1)
	assert.Equal(t, StateIdle, seen[0].From)
	assert.Equal(t, 1, logs.FilterMessage("transition observer panicked").Len())
}

func TestOnTransition_CanReadMachine(t *testing.T) {
	m := newMachine(t, Config{})

	var observed State
	m.OnTransition(func(Transition) { observed = m.State() })
	require.NoError(t, m.Transition(StateInitializing))
	assert.Equal(t, StateInitializing, observed)
}
