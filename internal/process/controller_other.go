//go:build !unix

package process

import (
	"fmt"
	"os"
	"syscall"
)

// PortableController kills through os.Process and cannot suspend.
type PortableController struct{}

// DefaultController returns the platform controller.
func DefaultController() ProcessController { return PortableController{} }

func (PortableController) Suspend(int) error  { return ErrUnsupported }
func (PortableController) Continue(int) error { return ErrUnsupported }

func (c PortableController) Terminate(pid int) error { return c.Kill(pid) }

func (PortableController) Kill(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("%w: pid %d", ErrProcessGone, pid)
	}
	if err := p.Kill(); err != nil {
		return fmt.Errorf("%w: pid %d: %v", ErrProcessGone, pid, err)
	}
	return nil
}

func (PortableController) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.FindProcess(pid)
	return err == nil
}

func sysProcAttr() *syscall.SysProcAttr { return nil }
