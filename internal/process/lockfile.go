package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// LockFile is the advisory single-worker lock. It holds the raw PID of the
// running worker and nothing else.
type LockFile struct {
	Path string
}

// Read returns the PID in the lock file, or 0 if there is no lock.
func (l LockFile) Read() (int, error) {
	data, err := os.ReadFile(l.Path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading lock file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("lock file %s does not contain a pid: %q", l.Path, strings.TrimSpace(string(data)))
	}
	return pid, nil
}

// Write records pid.
func (l LockFile) Write(pid int) error {
	if err := os.MkdirAll(filepath.Dir(l.Path), 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}
	tmp := l.Path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(pid)), 0644); err != nil {
		return fmt.Errorf("failed to write lock file: %w", err)
	}
	if err := os.Rename(tmp, l.Path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename lock file: %w", err)
	}
	return nil
}

// Clear removes the lock. A missing lock is not an error.
func (l LockFile) Clear() error {
	if err := os.Remove(l.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

// Holder returns the PID holding the lock if that process is alive and its
// command line contains signature. Any other lock is stale.
func (l LockFile) Holder(ctrl ProcessController, signature string) (pid int, held bool, err error) {
	pid, err = l.Read()
	if err != nil || pid == 0 {
		return 0, false, err
	}
	if !ctrl.Alive(pid) {
		return pid, false, nil
	}
	cmdline, err := CommandLine(pid)
	if err != nil {
		// Unreadable command line cannot prove the lock is ours
		return pid, false, nil
	}
	return pid, strings.Contains(cmdline, signature), nil
}

// CommandLine returns the command line of pid with arguments separated by
// spaces. It reads /proc where available and falls back to ps.
func CommandLine(pid int) (string, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err == nil && len(data) > 0 {
		return strings.TrimSpace(string(bytes.ReplaceAll(data, []byte{0}, []byte{' '}))), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "ps", "-o", "command=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return "", fmt.Errorf("reading command line of pid %d: %w", pid, err)
	}
	cmdline := strings.TrimSpace(string(out))
	if cmdline == "" {
		return "", fmt.Errorf("pid %d has no command line", pid)
	}
	return cmdline, nil
}
