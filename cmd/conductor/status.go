package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/conductor/internal/checkpoint"
	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/lifecycle"
	"github.com/aristath/conductor/internal/persistence"
	"github.com/aristath/conductor/internal/process"
	"github.com/aristath/conductor/internal/scheduler"
)

// statusReport is what `conductor status --json` prints.
type statusReport struct {
	Project     string                    `json:"project"`
	State       lifecycle.State           `json:"state"`
	Iteration   int                       `json:"iteration"`
	MaxIter     int                       `json:"max_iterations"`
	SessionID   string                    `json:"session_id,omitempty"`
	CurrentTask string                    `json:"current_task,omitempty"`
	Tasks       persistence.Stats         `json:"tasks"`
	Layers      []scheduler.LayerProgress `json:"layers"`
	WorkerPID   int                       `json:"worker_pid,omitempty"`
	Checkpoints int                       `json:"checkpoints"`
	Errors      []lifecycle.ErrorEntry    `json:"recent_errors,omitempty"`
	UpdatedAt   time.Time                 `json:"updated_at,omitempty"`
}

const recentErrors = 3

func newStatusCmd(root *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show run state, task progress and worker liveness",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			report, err := buildStatus(cmd, cfg)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			printStatus(cmd.OutOrStdout(), report)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

// buildStatus reads persisted state without taking the worker lock or
// rewriting the state file.
func buildStatus(cmd *cobra.Command, cfg *config.Config) (*statusReport, error) {
	report := &statusReport{
		Project: cfg.Project.Name,
		State:   lifecycle.StateIdle,
		MaxIter: cfg.State.MaxIterations,
	}

	data, err := os.ReadFile(cfg.State.File)
	switch {
	case err == nil:
		sc, err := lifecycle.DecodeContext(data)
		if err != nil {
			return nil, fmt.Errorf("reading state: %w", err)
		}
		report.State = sc.State
		report.Iteration = sc.Iteration
		report.SessionID = sc.SessionID
		report.CurrentTask = sc.CurrentTaskID
		report.UpdatedAt = sc.UpdatedAt
		if n := len(sc.Errors); n > 0 {
			report.Errors = sc.Errors[max(0, n-recentErrors):]
		}
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("reading state: %w", err)
	}

	err = withStore(cmd, cfg, func(store *persistence.SQLiteStore) error {
		stats, err := store.Stats(cmd.Context())
		if err != nil {
			return err
		}
		report.Tasks = stats

		tasks, err := store.ListTasks(cmd.Context())
		if err != nil {
			return err
		}
		sched, err := scheduler.FromTasks(tasks)
		if err != nil {
			return err
		}
		completed, _ := sched.StatusSets()
		for _, p := range sched.Layers(completed).Progress() {
			if p.Total > 0 {
				report.Layers = append(report.Layers, p)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	lock := process.LockFile{Path: cfg.Worker.LockFile}
	if pid, held, err := lock.Holder(process.DefaultController(), cfg.WorkerSignature()); err == nil && held {
		report.WorkerPID = pid
	}

	cps, err := checkpoint.New(checkpoint.Config{Dir: cfg.Checkpoint.Dir}, nil)
	if err != nil {
		return nil, err
	}
	list, err := cps.List()
	if err != nil {
		return nil, err
	}
	report.Checkpoints = len(list)

	return report, nil
}

func printStatus(w io.Writer, r *statusReport) {
	fmt.Fprintf(w, "Project:     %s\n", r.Project)
	fmt.Fprintf(w, "State:       %s (iteration %d/%d)\n", r.State, r.Iteration, r.MaxIter)
	if r.SessionID != "" {
		fmt.Fprintf(w, "Session:     %s\n", r.SessionID)
	}
	if r.CurrentTask != "" {
		fmt.Fprintf(w, "Task:        %s\n", r.CurrentTask)
	}
	fmt.Fprintf(w, "Tasks:       %d/%d completed, %d in progress, %d pending\n",
		r.Tasks.Completed, r.Tasks.Total, r.Tasks.InProgress, r.Tasks.Pending)
	for _, p := range r.Layers {
		fmt.Fprintf(w, "  %s\n", p)
	}
	if r.WorkerPID != 0 {
		fmt.Fprintf(w, "Worker:      running (pid %d)\n", r.WorkerPID)
	} else {
		fmt.Fprintln(w, "Worker:      not running")
	}
	fmt.Fprintf(w, "Checkpoints: %d\n", r.Checkpoints)
	if len(r.Errors) > 0 {
		fmt.Fprintln(w, "Recent errors:")
		for _, e := range r.Errors {
			fmt.Fprintf(w, "  %s [%s] %s\n", e.Timestamp.Format(time.RFC3339), e.TaskID, e.Message)
		}
	}
}

func newNextCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "next",
		Short: "Show the task the worker would be started on next",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			return withStore(cmd, cfg, func(store *persistence.SQLiteStore) error {
				tasks, err := store.ListTasks(cmd.Context())
				if err != nil {
					return err
				}
				sched, err := scheduler.FromTasks(tasks, schedulerOptions(cfg)...)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				completed, inProgress := sched.StatusSets()
				if len(completed) == len(tasks) {
					fmt.Fprintln(out, "All tasks completed.")
					return nil
				}
				next, ok := sched.NextReady(completed, inProgress)
				if !ok {
					fmt.Fprintln(out, "No task is ready.")
					for _, t := range tasks {
						if blocking := sched.BlockingDependencies(t.ID); !t.Completed && len(blocking) > 0 {
							fmt.Fprintf(out, "  %s waits on %s\n", t.ID, strings.Join(blocking, ", "))
						}
					}
					for _, cycle := range sched.DetectCycles() {
						fmt.Fprintf(out, "  cycle: %s\n", strings.Join(cycle, " -> "))
					}
					return nil
				}
				t := next.(*scheduler.Task)
				fmt.Fprintf(out, "%s\t%s\t[%s]\n", t.ID, t.Name, t.Layer)
				if t.Description != "" {
					fmt.Fprintf(out, "\n%s\n", t.Description)
				}
				return nil
			})
		},
	}
}

func newOrderCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "order",
		Short: "Print every task in dependency order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			return withStore(cmd, cfg, func(store *persistence.SQLiteStore) error {
				tasks, err := store.ListTasks(cmd.Context())
				if err != nil {
					return err
				}
				sched, err := scheduler.FromTasks(tasks, schedulerOptions(cfg)...)
				if err != nil {
					return err
				}
				order, err := sched.TopologicalOrder()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for i, s := range order {
					t := s.(*scheduler.Task)
					mark := " "
					switch {
					case t.Completed:
						mark = "x"
					case t.InProgress:
						mark = ">"
					}
					fmt.Fprintf(out, "%3d. [%s] %-12s %s (%s)\n", i+1, mark, t.ID, t.Name, t.Layer)
				}
				return nil
			})
		},
	}
}

func newResetCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Return the run to idle and release tasks left in progress",
		Long: `Reset clears the lifecycle state (keeping the session id) and releases
tasks a crashed run left marked in progress. Completed tasks and
checkpoints are untouched. Refuses while a worker holds the lock.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			if err := ensureNoWorker(cfg); err != nil {
				return err
			}

			machine, err := lifecycle.Open(lifecycle.Config{
				Path:          cfg.State.File,
				MaxIterations: cfg.State.MaxIterations,
				HistorySize:   cfg.State.HistorySize,
			})
			if err != nil {
				return err
			}
			if err := machine.Reset(); err != nil {
				return err
			}

			return withStore(cmd, cfg, func(store *persistence.SQLiteStore) error {
				released, err := store.ResetInProgress(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "State reset to %s, %d task(s) released.\n", machine.State(), released)
				return nil
			})
		},
	}
}

func schedulerOptions(cfg *config.Config) []scheduler.Option {
	return []scheduler.Option{
		scheduler.WithLayerGating(cfg.Scheduler.LayerGating),
		scheduler.WithLayerThreshold(cfg.Scheduler.LayerThreshold),
	}
}

// ensureNoWorker refuses to touch state a live worker may be using.
func ensureNoWorker(cfg *config.Config) error {
	lock := process.LockFile{Path: cfg.Worker.LockFile}
	pid, held, err := lock.Holder(process.DefaultController(), cfg.WorkerSignature())
	if err != nil {
		return fmt.Errorf("reading worker lock: %w", err)
	}
	if held {
		return fmt.Errorf("worker is running (pid %d); stop it first", pid)
	}
	return nil
}
