//go:build unix

package process

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lineRecorder struct {
	mu    sync.Mutex
	lines []string
}

func (r *lineRecorder) add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
}

func (r *lineRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

func (r *lineRecorder) contains(want string) bool {
	for _, l := range r.snapshot() {
		if l == want {
			return true
		}
	}
	return false
}

func newShellManager(t *testing.T, script string, mutate ...func(*Config)) *Manager {
	t.Helper()
	cfg := Config{
		Project:     "test",
		Command:     []string{"sh", "-c", script},
		LockPath:    filepath.Join(t.TempDir(), "worker.lock"),
		StopTimeout: 2 * time.Second,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	m, err := NewManager(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { m.Stop() })
	return m
}

func TestManager_OutputIsRedactedAndOrdered(t *testing.T) {
	m := newShellManager(t, `echo first; echo "export API_KEY=abc123xyz" >&2; echo third`)

	rec := &lineRecorder{}
	second := &lineRecorder{}
	m.Subscribe(rec.add)
	m.Subscribe(second.add)

	res := m.Start()
	require.True(t, res.OK, res.Message)

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 3 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"first", "export API_KEY=[REDACTED]", "third"}, rec.snapshot())
	assert.Equal(t, rec.snapshot(), second.snapshot())

	<-m.Done()
	assert.Equal(t, StatusStopped, m.Healthcheck())
	code, ok := m.ExitCode()
	assert.True(t, ok)
	assert.Equal(t, 0, code)
}

func TestManager_ExtraEnv(t *testing.T) {
	m := newShellManager(t, `echo "task=$CONDUCTOR_TASK_ID"`)
	rec := &lineRecorder{}
	m.Subscribe(rec.add)

	require.True(t, m.Start("CONDUCTOR_TASK_ID=T42").OK)
	require.Eventually(t, func() bool { return rec.contains("task=T42") }, 5*time.Second, 10*time.Millisecond)
}

func TestManager_UnsubscribeStopsDelivery(t *testing.T) {
	m := newShellManager(t, `echo one`)
	rec := &lineRecorder{}
	unsubscribe := m.Subscribe(rec.add)
	unsubscribe()

	require.True(t, m.Start().OK)
	<-m.Done()
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.snapshot())
	assert.Zero(t, m.Status().Subscribers)
}

func TestManager_HealthcheckDetectsCrash(t *testing.T) {
	m := newShellManager(t, `exit 3`)
	require.True(t, m.Start().OK)

	require.Eventually(t, func() bool { return m.Healthcheck() == StatusCrashed }, 5*time.Second, 10*time.Millisecond)
	code, ok := m.ExitCode()
	require.True(t, ok)
	assert.Equal(t, 3, code)

	_, err := os.Stat(m.lock.Path)
	assert.True(t, os.IsNotExist(err), "lock is cleared after a crash")

	info := m.Status()
	assert.Equal(t, StatusCrashed, info.Status)
	require.NotNil(t, info.ExitCode)
	assert.Equal(t, 3, *info.ExitCode)
	assert.Zero(t, info.PID)
}

func TestManager_StartRefusesLiveMatchingLock(t *testing.T) {
	holder := exec.Command("sleep", "30")
	require.NoError(t, holder.Start())
	t.Cleanup(func() {
		holder.Process.Kill()
		holder.Wait()
	})

	lockPath := filepath.Join(t.TempDir(), "worker.lock")
	require.NoError(t, LockFile{Path: lockPath}.Write(holder.Process.Pid))

	m, err := NewManager(Config{Command: []string{"sleep", "30"}, LockPath: lockPath})
	require.NoError(t, err)

	res := m.Start()
	assert.False(t, res.OK)
	assert.Contains(t, res.Message, "already running")
	assert.Contains(t, res.Message, fmt.Sprint(holder.Process.Pid))
	assert.Equal(t, StatusStopped, m.Healthcheck())
}

func TestManager_StartClearsStaleLocks(t *testing.T) {
	dead := exec.Command("true")
	require.NoError(t, dead.Run())
	deadPID := dead.ProcessState.Pid()

	tests := []struct {
		name string
		pid  int
		raw  string
	}{
		{name: "dead pid", pid: deadPID},
		{name: "live pid with other command line", pid: os.Getpid()},
		{name: "garbage", raw: "not-a-pid"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newShellManager(t, `sleep 30`)
			if tt.raw != "" {
				require.NoError(t, os.WriteFile(m.lock.Path, []byte(tt.raw), 0644))
			} else {
				require.NoError(t, m.lock.Write(tt.pid))
			}

			res := m.Start()
			require.True(t, res.OK, res.Message)

			pid, err := m.lock.Read()
			require.NoError(t, err)
			assert.Equal(t, m.Status().PID, pid, "lock now holds the new worker")

			assert.True(t, m.Stop().OK)
		})
	}
}

func TestManager_StartTwice(t *testing.T) {
	m := newShellManager(t, `sleep 30`)
	require.True(t, m.Start().OK)
	res := m.Start()
	assert.False(t, res.OK)
	assert.Contains(t, res.Message, "already running")
}

func TestManager_PauseResumeStop(t *testing.T) {
	m := newShellManager(t, `sleep 30`)
	require.True(t, m.Start().OK)
	pid := m.Status().PID

	res := m.Pause()
	require.True(t, res.OK, res.Message)
	assert.Equal(t, StatusPaused, m.Healthcheck())
	assert.False(t, m.Pause().OK)

	if state, ok := procState(pid); ok {
		assert.Equal(t, "T", state)
	}

	res = m.Resume()
	require.True(t, res.OK, res.Message)
	assert.Equal(t, StatusRunning, m.Healthcheck())
	assert.False(t, m.Resume().OK)

	require.True(t, m.Pause().OK)
	res = m.Stop()
	require.True(t, res.OK, res.Message)
	assert.Equal(t, StatusStopped, m.Healthcheck())

	_, err := os.Stat(m.lock.Path)
	assert.True(t, os.IsNotExist(err))
	assert.False(t, m.Stop().OK)
}

func TestManager_StopEscalatesToKill(t *testing.T) {
	m := newShellManager(t, `trap '' TERM; echo ready; sleep 30`, func(c *Config) {
		c.StopTimeout = 200 * time.Millisecond
	})
	rec := &lineRecorder{}
	m.Subscribe(rec.add)

	require.True(t, m.Start().OK)
	require.Eventually(t, func() bool { return rec.contains("ready") }, 5*time.Second, 10*time.Millisecond)

	res := m.Stop()
	require.True(t, res.OK, res.Message)
	assert.Contains(t, res.Message, "SIGKILL")
}

type vanishingController struct {
	SignalController
}

func (vanishingController) Suspend(pid int) error {
	return fmt.Errorf("%w: pid %d", ErrProcessGone, pid)
}

func TestManager_PauseVanishedWorker(t *testing.T) {
	m := newShellManager(t, `sleep 30`, func(c *Config) {
		c.Controller = vanishingController{}
	})
	require.True(t, m.Start().OK)

	res := m.Pause()
	assert.False(t, res.OK)
	assert.Contains(t, res.Message, "no longer exists")
	assert.Equal(t, StatusCrashed, m.Healthcheck())

	_, err := os.Stat(m.lock.Path)
	assert.True(t, os.IsNotExist(err))

	// The real process is still around; clean it up through the controller
	SignalController{}.Kill(m.current.pid)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	dir := t.TempDir()

	cfg := func(project string) Config {
		return Config{Project: project, Command: []string{"sh", "-c", "sleep 30"}, LockPath: filepath.Join(dir, project+".lock")}
	}

	a, err := r.GetOrCreate(cfg("beta"))
	require.NoError(t, err)
	again, err := r.GetOrCreate(cfg("beta"))
	require.NoError(t, err)
	assert.Same(t, a, again)

	_, err = r.GetOrCreate(cfg("alpha"))
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, r.Projects())

	require.True(t, a.Start().OK)
	results := r.StopAll()
	require.Len(t, results, 1)
	assert.True(t, results["beta"].OK)

	removed, ok := r.Remove("alpha")
	assert.True(t, ok)
	assert.NotNil(t, removed)
	_, ok = r.Get("alpha")
	assert.False(t, ok)

	_, err = r.GetOrCreate(Config{Project: "broken"})
	assert.Error(t, err)
}

func procState(pid int) (string, bool) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return "", false
	}
	// pid (comm) state ...
	for i := len(data) - 1; i >= 0; i-- {
		if data[i] == ')' && i+2 < len(data) {
			return string(data[i+2]), true
		}
	}
	return "", false
}
