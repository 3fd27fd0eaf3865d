// Package main implements the conductor CLI.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/logging"
	"github.com/aristath/conductor/internal/persistence"
)

// version is set at build time
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// rootOptions are the flags shared by every command.
type rootOptions struct {
	dir string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "conductor",
		Short: "Drive a coding agent through a task graph",
		Long: `conductor runs an external worker process against a dependency-ordered
set of tasks, one task at a time. It tracks the lifecycle of the run,
stops the worker when it loops, halts on repeated or fatal failures and
takes checkpoints that can be rolled back.

Examples:
  # Write a default project config
  conductor config init

  # Import tasks and run them
  conductor tasks import tasks.yaml
  conductor run

  # Inspect progress
  conductor status`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.PersistentFlags().StringVarP(&opts.dir, "dir", "C", ".", "Project directory")

	cmd.AddCommand(
		newRunCmd(opts),
		newStatusCmd(opts),
		newNextCmd(opts),
		newOrderCmd(opts),
		newResetCmd(opts),
		newTasksCmd(opts),
		newCheckpointCmd(opts),
		newConfigCmd(opts),
	)
	return cmd
}

func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.LoadDefault(o.dir)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, out io.Writer) (*zap.Logger, error) {
	logger, err := logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: out,
	})
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	return logger.With(zap.String("project", cfg.Project.Name)), nil
}

// withStore opens the task store for the duration of fn.
func withStore(cmd *cobra.Command, cfg *config.Config, fn func(store *persistence.SQLiteStore) error) error {
	store, err := persistence.NewSQLiteStore(cmd.Context(), cfg.Store.Path)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}
