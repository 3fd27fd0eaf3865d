package lifecycle

import "fmt"

// InvalidTransitionError is returned when a transition is not in the table
// and was not forced.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s (allowed: %v)", e.From, e.To, e.From.Allowed())
}

// MaxIterationsError is returned once the iteration counter exceeds its cap.
// The machine is left in StateError.
type MaxIterationsError struct {
	Iteration     int
	MaxIterations int
}

func (e *MaxIterationsError) Error() string {
	return fmt.Sprintf("iteration %d exceeds max iterations %d", e.Iteration, e.MaxIterations)
}
