//go:build unix

package process

import (
	"errors"
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// SignalController implements ProcessController with POSIX signals sent to
// the whole process group.
type SignalController struct{}

// DefaultController returns the platform controller.
func DefaultController() ProcessController { return SignalController{} }

func (SignalController) Suspend(pid int) error   { return signalGroup(pid, unix.SIGSTOP) }
func (SignalController) Continue(pid int) error  { return signalGroup(pid, unix.SIGCONT) }
func (SignalController) Terminate(pid int) error { return signalGroup(pid, unix.SIGTERM) }
func (SignalController) Kill(pid int) error      { return signalGroup(pid, unix.SIGKILL) }

// Alive uses kill -0. EPERM means the process exists but belongs to someone
// else.
func (SignalController) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

func signalGroup(pid int, sig unix.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		// The worker may have moved itself into another group
		err = unix.Kill(pid, sig)
	}
	if errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("%w: pid %d", ErrProcessGone, pid)
	}
	if err != nil {
		return fmt.Errorf("failed to send %s to process group %d: %w", sig.String(), pid, err)
	}
	return nil
}

// sysProcAttr puts the worker in its own process group.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
