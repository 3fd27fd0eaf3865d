package config

import (
	"path/filepath"
	"time"
)

// StateDir is the per-project directory holding runtime files.
const StateDir = ".conductor"

// Default returns the built-in configuration. Paths are relative to the
// project directory.
func Default() *Config {
	return &Config{
		Project: ProjectConfig{
			Name: "default",
			Dir:  ".",
		},
		Worker: WorkerConfig{
			LockFile:       filepath.Join(StateDir, "worker.lock"),
			StopTimeout:    10 * time.Second,
			HealthInterval: 2 * time.Second,
		},
		Scheduler: SchedulerConfig{
			LayerGating:    true,
			LayerThreshold: 0.8,
		},
		State: StateConfig{
			File:          filepath.Join(StateDir, "state.json"),
			MaxIterations: 10000,
			HistorySize:   50,
		},
		Failures: FailuresConfig{
			Window:    60 * time.Second,
			Threshold: 3,
		},
		Loop: LoopConfig{
			HistorySize:         100,
			ExactThreshold:      5,
			SequenceRepetitions: 3,
			SimilarityThreshold: 0.85,
			RecentWindow:        20,
			ErrorThreshold:      3,
			SuppressFor:         2 * time.Minute,
		},
		Checkpoint: CheckpointConfig{
			Dir:            filepath.Join(StateDir, "checkpoints"),
			MaxCheckpoints: 20,
			GitTimeout:     30 * time.Second,
			Every:          1,
		},
		Store: StoreConfig{
			Path: filepath.Join(StateDir, "tasks.db"),
		},
		Retry: RetryConfig{
			InitialInterval: 5 * time.Second,
			MaxInterval:     5 * time.Minute,
			Multiplier:      2,
			MaxAttempts:     5,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Resolve makes every relative runtime path absolute against the project dir.
func (c *Config) Resolve() {
	base := c.Project.Dir
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	c.Worker.LockFile = abs(c.Worker.LockFile)
	c.State.File = abs(c.State.File)
	c.Checkpoint.Dir = abs(c.Checkpoint.Dir)
	c.Store.Path = abs(c.Store.Path)
}
