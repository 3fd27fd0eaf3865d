package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the top-level configuration.
type Config struct {
	Project    ProjectConfig    `koanf:"project" yaml:"project"`
	Worker     WorkerConfig     `koanf:"worker" yaml:"worker"`
	Scheduler  SchedulerConfig  `koanf:"scheduler" yaml:"scheduler"`
	State      StateConfig      `koanf:"state" yaml:"state"`
	Failures   FailuresConfig   `koanf:"failures" yaml:"failures"`
	Loop       LoopConfig       `koanf:"loop" yaml:"loop"`
	Checkpoint CheckpointConfig `koanf:"checkpoint" yaml:"checkpoint"`
	Store      StoreConfig      `koanf:"store" yaml:"store"`
	Retry      RetryConfig      `koanf:"retry" yaml:"retry"`
	Log        LogConfig        `koanf:"log" yaml:"log"`
	Metrics    MetricsConfig    `koanf:"metrics" yaml:"metrics"`
}

// ProjectConfig identifies the project the worker builds.
type ProjectConfig struct {
	Name string `koanf:"name" yaml:"name"`
	Dir  string `koanf:"dir" yaml:"dir"` // Working tree the worker edits and checkpoints snapshot
}

// WorkerConfig describes the external worker process.
type WorkerConfig struct {
	Command        []string      `koanf:"command" yaml:"command,omitempty"`
	Env            []string      `koanf:"env" yaml:"env,omitempty"`
	Signature      string        `koanf:"signature" yaml:"signature,omitempty"` // Command-line substring identifying our worker; defaults to the joined command
	LockFile       string        `koanf:"lock_file" yaml:"lock_file"`
	StopTimeout    time.Duration `koanf:"stop_timeout" yaml:"stop_timeout"`
	HealthInterval time.Duration `koanf:"health_interval" yaml:"health_interval"`
}

// SchedulerConfig controls task ordering.
type SchedulerConfig struct {
	LayerGating    bool    `koanf:"layer_gating" yaml:"layer_gating"`
	LayerThreshold float64 `koanf:"layer_threshold" yaml:"layer_threshold"`
}

// StateConfig controls the lifecycle state machine.
type StateConfig struct {
	File          string `koanf:"file" yaml:"file"`
	MaxIterations int    `koanf:"max_iterations" yaml:"max_iterations"`
	HistorySize   int    `koanf:"history_size" yaml:"history_size"`
}

// FailuresConfig controls the failure tracker.
type FailuresConfig struct {
	Window    time.Duration `koanf:"window" yaml:"window"`
	Threshold int           `koanf:"threshold" yaml:"threshold"`
}

// LoopConfig controls the loop detector.
type LoopConfig struct {
	HistorySize         int           `koanf:"history_size" yaml:"history_size"`
	ExactThreshold      int           `koanf:"exact_threshold" yaml:"exact_threshold"`
	SequenceRepetitions int           `koanf:"sequence_repetitions" yaml:"sequence_repetitions"`
	SimilarityThreshold float64       `koanf:"similarity_threshold" yaml:"similarity_threshold"`
	RecentWindow        int           `koanf:"recent_window" yaml:"recent_window"`
	ErrorThreshold      int           `koanf:"error_threshold" yaml:"error_threshold"`
	SuppressFor         time.Duration `koanf:"suppress_for" yaml:"suppress_for"`
}

// CheckpointConfig controls checkpoint creation and retention.
type CheckpointConfig struct {
	Dir            string        `koanf:"dir" yaml:"dir"`
	MaxCheckpoints int           `koanf:"max_checkpoints" yaml:"max_checkpoints"`
	GitTimeout     time.Duration `koanf:"git_timeout" yaml:"git_timeout"`
	Every          int           `koanf:"every" yaml:"every"` // Completed tasks between automatic checkpoints; 0 disables
}

// StoreConfig locates the task store.
type StoreConfig struct {
	Path string `koanf:"path" yaml:"path"`
}

// RetryConfig controls the delay before re-running a task after a retryable failure.
type RetryConfig struct {
	InitialInterval time.Duration `koanf:"initial_interval" yaml:"initial_interval"`
	MaxInterval     time.Duration `koanf:"max_interval" yaml:"max_interval"`
	Multiplier      float64       `koanf:"multiplier" yaml:"multiplier"`
	MaxAttempts     int           `koanf:"max_attempts" yaml:"max_attempts"` // Per task; 0 means unlimited
}

// LogConfig selects the logger output.
type LogConfig struct {
	Level  string `koanf:"level" yaml:"level"`
	Format string `koanf:"format" yaml:"format"` // json or console
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `koanf:"addr" yaml:"addr"` // Empty disables the endpoint
}

// Validate rejects configurations the orchestrator cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Project.Name) == "" {
		errs = append(errs, errors.New("project.name is required"))
	}
	if c.Worker.StopTimeout <= 0 {
		errs = append(errs, errors.New("worker.stop_timeout must be positive"))
	}
	if c.Worker.HealthInterval <= 0 {
		errs = append(errs, errors.New("worker.health_interval must be positive"))
	}
	if c.Scheduler.LayerThreshold < 0 || c.Scheduler.LayerThreshold > 1 {
		errs = append(errs, fmt.Errorf("scheduler.layer_threshold must be within [0, 1], got %v", c.Scheduler.LayerThreshold))
	}
	if c.State.MaxIterations <= 0 {
		errs = append(errs, errors.New("state.max_iterations must be positive"))
	}
	if c.State.HistorySize <= 0 {
		errs = append(errs, errors.New("state.history_size must be positive"))
	}
	if c.Failures.Window <= 0 {
		errs = append(errs, errors.New("failures.window must be positive"))
	}
	if c.Failures.Threshold <= 0 {
		errs = append(errs, errors.New("failures.threshold must be positive"))
	}
	if c.Loop.SimilarityThreshold <= 0 || c.Loop.SimilarityThreshold > 1 {
		errs = append(errs, fmt.Errorf("loop.similarity_threshold must be within (0, 1], got %v", c.Loop.SimilarityThreshold))
	}
	if c.Checkpoint.MaxCheckpoints <= 0 {
		errs = append(errs, errors.New("checkpoint.max_checkpoints must be positive"))
	}
	if c.Checkpoint.Every < 0 {
		errs = append(errs, errors.New("checkpoint.every must not be negative"))
	}
	if c.Store.Path == "" {
		errs = append(errs, errors.New("store.path is required"))
	}
	if c.Retry.InitialInterval <= 0 || c.Retry.MaxInterval < c.Retry.InitialInterval {
		errs = append(errs, errors.New("retry intervals must be positive with max_interval >= initial_interval"))
	}
	if c.Retry.Multiplier < 1 {
		errs = append(errs, errors.New("retry.multiplier must be at least 1"))
	}
	if c.Retry.MaxAttempts < 0 {
		errs = append(errs, errors.New("retry.max_attempts must not be negative"))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or console, got %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

// WorkerSignature returns the configured signature or the joined worker argv.
func (c *Config) WorkerSignature() string {
	if c.Worker.Signature != "" {
		return c.Worker.Signature
	}
	return strings.Join(c.Worker.Command, " ")
}
