package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aristath/conductor/internal/checkpoint"
	"github.com/aristath/conductor/internal/config"
)

func openCheckpoints(cfg *config.Config, logger *zap.Logger) (*checkpoint.Manager, error) {
	return checkpoint.New(checkpoint.Config{
		Dir:            cfg.Checkpoint.Dir,
		RepoPath:       cfg.Project.Dir,
		TaskStorePath:  cfg.Store.Path,
		MaxCheckpoints: cfg.Checkpoint.MaxCheckpoints,
		GitTimeout:     cfg.Checkpoint.GitTimeout,
		Exclude:        []string{cfg.State.File, cfg.Worker.LockFile},
	}, logger)
}

func newCheckpointCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Manage checkpoints",
		Long: `Manage checkpoints.

A checkpoint snapshots the project's git working tree and copies the task
store. Rolling back resets the working tree and restores the task store.

Examples:
  conductor checkpoint create --name "before auth"
  conductor checkpoint list
  conductor checkpoint rollback <checkpoint-id>`,
	}
	cmd.AddCommand(
		newCheckpointCreateCmd(root),
		newCheckpointListCmd(root),
		newCheckpointRollbackCmd(root),
		newCheckpointDeleteCmd(root),
	)
	return cmd
}

// checkpointRun loads config, a logger and the checkpoint manager for fn.
func checkpointRun(root *rootOptions, fn func(cmd *cobra.Command, cfg *config.Config, m *checkpoint.Manager, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := root.loadConfig()
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()
		m, err := openCheckpoints(cfg, logger)
		if err != nil {
			return err
		}
		return fn(cmd, cfg, m, args)
	}
}

func newCheckpointCreateCmd(root *rootOptions) *cobra.Command {
	var name, taskID string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a checkpoint now",
		Args:  cobra.NoArgs,
		RunE: checkpointRun(root, func(cmd *cobra.Command, cfg *config.Config, m *checkpoint.Manager, _ []string) error {
			cp, err := m.Create(cmd.Context(), checkpoint.CreateRequest{
				Name:     name,
				TaskID:   taskID,
				Metadata: map[string]string{"source": "cli"},
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created checkpoint %s", cp.ID)
			if cp.VCSRef != "" {
				fmt.Fprintf(cmd.OutOrStdout(), " at %s", shortRef(cp.VCSRef))
			}
			fmt.Fprintln(cmd.OutOrStdout())
			return nil
		}),
	}
	cmd.Flags().StringVar(&name, "name", "", "Checkpoint name")
	cmd.Flags().StringVar(&taskID, "task", "", "Task the checkpoint belongs to")
	return cmd
}

func newCheckpointListCmd(root *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List checkpoints, oldest first",
		Args:  cobra.NoArgs,
		RunE: checkpointRun(root, func(cmd *cobra.Command, _ *config.Config, m *checkpoint.Manager, _ []string) error {
			list, err := m.List()
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(list)
			}
			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No checkpoints.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCREATED\tNAME\tTASK\tCOMMIT")
			for _, cp := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					cp.ID, cp.CreatedAt.Local().Format(time.DateTime), cp.Name, cp.TaskID, shortRef(cp.VCSRef))
			}
			return w.Flush()
		}),
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func newCheckpointRollbackCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <checkpoint-id>",
		Short: "Restore the working tree and task store from a checkpoint",
		Long: `Rollback hard-resets the project's working tree to the checkpoint's commit
and restores the task store copy. Uncommitted changes are lost.
Refuses while a worker holds the lock.`,
		Args: cobra.ExactArgs(1),
		RunE: checkpointRun(root, func(cmd *cobra.Command, cfg *config.Config, m *checkpoint.Manager, args []string) error {
			if err := ensureNoWorker(cfg); err != nil {
				return err
			}
			if err := m.Rollback(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rolled back to %s.\n", args[0])
			return nil
		}),
	}
}

func newCheckpointDeleteCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <checkpoint-id>",
		Short: "Delete a checkpoint and its task-store copy",
		Args:  cobra.ExactArgs(1),
		RunE: checkpointRun(root, func(cmd *cobra.Command, _ *config.Config, m *checkpoint.Manager, args []string) error {
			if err := m.Delete(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s.\n", args[0])
			return nil
		}),
	}
}

func shortRef(ref string) string {
	if len(ref) > 12 {
		return ref[:12]
	}
	return ref
}
