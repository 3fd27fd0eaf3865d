package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/aristath/conductor/internal/persistence"
	"github.com/aristath/conductor/internal/scheduler"
)

// taskFile is the YAML layout accepted by `conductor tasks import`.
type taskFile struct {
	Tasks []taskSpec `yaml:"tasks"`
}

type taskSpec struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Category    string   `yaml:"category"`
	Priority    int      `yaml:"priority"`
	Layer       string   `yaml:"layer"`
	DependsOn   []string `yaml:"depends_on"`
}

func (s taskSpec) toTask() (*scheduler.Task, error) {
	if strings.TrimSpace(s.ID) == "" {
		return nil, errors.New("task without id")
	}
	layer := scheduler.LayerSkeleton
	if s.Layer != "" {
		l, err := scheduler.ParseLayer(s.Layer)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", s.ID, err)
		}
		layer = l
	}
	name := s.Name
	if name == "" {
		name = s.ID
	}
	return &scheduler.Task{
		ID:          s.ID,
		Name:        name,
		Description: s.Description,
		Category:    s.Category,
		Priority:    s.Priority,
		Layer:       layer,
		DependsOn:   s.DependsOn,
	}, nil
}

// parseTaskFile decodes and validates a task file. Duplicate ids and
// dependency cycles are rejected before anything is written.
func parseTaskFile(r io.Reader) ([]*scheduler.Task, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f taskFile
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decoding task file: %w", err)
	}

	tasks := make([]*scheduler.Task, 0, len(f.Tasks))
	for _, spec := range f.Tasks {
		t, err := spec.toTask()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}

	sched, err := scheduler.FromTasks(tasks)
	if err != nil {
		return nil, err
	}
	if cycles := sched.DetectCycles(); len(cycles) > 0 {
		return nil, fmt.Errorf("dependency cycle: %s", strings.Join(cycles[0], " -> "))
	}
	return tasks, nil
}

func newTasksCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Manage the task store",
		Long: `Manage the task store.

Task files are YAML:

  tasks:
    - id: schema
      name: Create schema
      layer: database
      priority: 1
      depends_on: [scaffold]

Layers: skeleton, database, backend_core, auth, api, frontend, features,
integration, quality.`,
	}
	cmd.AddCommand(newTasksImportCmd(root), newTasksListCmd(root))
	return cmd
}

func newTasksImportCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Add or update tasks from a YAML file",
		Long: `Import upserts every task in the file in one transaction. Existing tasks
keep their completion state; their dependencies are replaced.
Use - to read from stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}

			var r io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("opening task file: %w", err)
				}
				defer f.Close()
				r = f
			}
			tasks, err := parseTaskFile(r)
			if err != nil {
				return err
			}

			return withStore(cmd, cfg, func(store *persistence.SQLiteStore) error {
				for _, t := range tasks {
					existing, err := store.GetTask(cmd.Context(), t.ID)
					switch {
					case err == nil:
						t.Completed = existing.Completed
						t.InProgress = existing.InProgress
						t.Attempts = existing.Attempts
						t.LastError = existing.LastError
					case !errors.Is(err, persistence.ErrTaskNotFound):
						return err
					}
				}
				if err := store.SaveTasks(cmd.Context(), tasks); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Imported %d task(s).\n", len(tasks))
				return nil
			})
		},
	}
}

func newTasksListCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tasks with their status",
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
				sched, err := scheduler.FromTasks(tasks)
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tLAYER\tPRIORITY\tSTATUS\tATTEMPTS\tDEPENDS ON")
				for _, t := range tasks {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%d\t%s\n",
						t.ID, t.Name, t.Layer, t.Priority, taskStatus(sched, t), t.Attempts, strings.Join(t.DependsOn, ","))
				}
				return w.Flush()
			})
		},
	}
}

func taskStatus(sched *scheduler.Scheduler, t *scheduler.Task) string {
	switch {
	case t.Completed:
		return "done"
	case t.InProgress:
		return "running"
	case len(sched.BlockingDependencies(t.ID)) > 0:
		return "blocked"
	case t.LastError != "":
		return "failed"
	default:
		return "pending"
	}
}
