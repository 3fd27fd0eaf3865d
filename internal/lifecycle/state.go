package lifecycle

import (
	"errors"
	"fmt"
)

// State is a phase of the orchestrator. Its string value is the persisted
// discriminant.
type State string

const (
	StateIdle            State = "idle"
	StateInitializing    State = "initializing"
	StateAnalyzing       State = "analyzing"
	StatePlanning        State = "planning"
	StateCoding          State = "coding"
	StateTesting         State = "testing"
	StateVerifying       State = "verifying"
	StateWaitingApproval State = "waiting_approval"
	StateError           State = "error"
	StateCompleted       State = "completed"
)

// ErrUnknownState is returned when decoding a state name that is not part of
// the enumeration.
var ErrUnknownState = errors.New("unknown agent state")

// States lists every state in declaration order.
var States = []State{
	StateIdle,
	StateInitializing,
	StateAnalyzing,
	StatePlanning,
	StateCoding,
	StateTesting,
	StateVerifying,
	StateWaitingApproval,
	StateError,
	StateCompleted,
}

// transitions is the only source of legal (from, to) pairs.
var transitions = map[State][]State{
	StateIdle:            {StateInitializing, StateError},
	StateInitializing:    {StateAnalyzing, StatePlanning, StateIdle, StateError},
	StateAnalyzing:       {StatePlanning, StateIdle, StateError},
	StatePlanning:        {StateCoding, StateCompleted, StateIdle, StateError},
	StateCoding:          {StateTesting, StateVerifying, StateWaitingApproval, StateIdle, StateError},
	StateTesting:         {StateVerifying, StateCoding, StateIdle, StateError},
	StateVerifying:       {StatePlanning, StateCoding, StateCompleted, StateWaitingApproval, StateIdle, StateError},
	StateWaitingApproval: {StateCoding, StateVerifying, StatePlanning, StateIdle, StateError},
	StateError:           {StateIdle, StateCoding, StatePlanning},
	StateCompleted:       {StateIdle, StatePlanning},
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Active reports whether the state implies an in-flight task.
func (s State) Active() bool {
	return s != StateIdle && s != StateCompleted && s != StateError
}

// Allowed returns the states reachable from s without forcing.
func (s State) Allowed() []State {
	return append([]State(nil), transitions[s]...)
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to State) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ParseState validates a state name.
func ParseState(name string) (State, error) {
	s := State(name)
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownState, name)
	}
	return s, nil
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownState, string(s))
	}
	return []byte(s), nil
}

// UnmarshalText implements encoding.TextUnmarshaler and rejects unknown states.
func (s *State) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
