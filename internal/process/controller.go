package process

import "errors"

var (
	// ErrUnsupported is returned by controllers that cannot perform an
	// operation on this platform.
	ErrUnsupported = errors.New("operation not supported on this platform")
	// ErrProcessGone is returned when the target process no longer exists.
	ErrProcessGone = errors.New("process no longer exists")
)

// ProcessController sends lifecycle signals to a worker and its children.
// The worker is started as the leader of its own process group, so pid is
// also the group ID.
type ProcessController interface {
	Suspend(pid int) error
	Continue(pid int) error
	Terminate(pid int) error
	Kill(pid int) error
	Alive(pid int) bool
}
