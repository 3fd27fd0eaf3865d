package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/aristath/conductor/internal/scheduler"
)

// SaveTask saves or updates a task and its dependencies.
// Uses ON CONFLICT to make saves idempotent.
func (s *SQLiteStore) SaveTask(ctx context.Context, task *scheduler.Task) error {
	return s.SaveTasks(ctx, []*scheduler.Task{task})
}

// SaveTasks upserts a batch of tasks in a single transaction.
func (s *SQLiteStore) SaveTasks(ctx context.Context, tasks []*scheduler.Task) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	// Begin transaction with serializable isolation (BEGIN IMMEDIATE)
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, task := range tasks {
		if err := saveTaskTx(ctx, tx, task); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func saveTaskTx(ctx context.Context, tx *sql.Tx, task *scheduler.Task) error {
	if task == nil || task.ID == "" {
		return errors.New("task id is required")
	}
	if !task.Layer.Valid() {
		return fmt.Errorf("task %s: invalid layer %d", task.ID, int(task.Layer))
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (id, name, description, category, priority, arch_layer, completed, in_progress, attempts, last_error, completed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CASE WHEN ? THEN CURRENT_TIMESTAMP END, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			category = excluded.category,
			priority = excluded.priority,
			arch_layer = excluded.arch_layer,
			completed = excluded.completed,
			in_progress = excluded.in_progress,
			attempts = excluded.attempts,
			last_error = excluded.last_error,
			completed_at = CASE WHEN excluded.completed THEN COALESCE(tasks.completed_at, CURRENT_TIMESTAMP) END,
			updated_at = CURRENT_TIMESTAMP
	`, task.ID, task.Name, task.Description, task.Category, task.Priority, int(task.Layer),
		task.Completed, task.InProgress, task.Attempts, task.LastError, task.Completed)
	if err != nil {
		return fmt.Errorf("failed to upsert task: %w", err)
	}

	// Replace existing dependencies for this task
	_, err = tx.ExecContext(ctx, `DELETE FROM task_dependencies WHERE task_id = ?`, task.ID)
	if err != nil {
		return fmt.Errorf("failed to delete old dependencies: %w", err)
	}

	for _, depID := range task.DependsOn {
		_, err = tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO task_dependencies (task_id, depends_on_id)
			VALUES (?, ?)
		`, task.ID, depID)
		if err != nil {
			return fmt.Errorf("failed to insert dependency %s -> %s: %w", task.ID, depID, err)
		}
	}

	return nil
}

const taskColumns = `id, name, description, category, priority, arch_layer, completed, in_progress, attempts, last_error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*scheduler.Task, error) {
	task := &scheduler.Task{}
	var layer int
	err := row.Scan(&task.ID, &task.Name, &task.Description, &task.Category, &task.Priority, &layer,
		&task.Completed, &task.InProgress, &task.Attempts, &task.LastError)
	if err != nil {
		return nil, err
	}
	task.Layer = scheduler.Layer(layer)
	return task, nil
}

// GetTask retrieves a task by ID, including its dependencies.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*scheduler.Task, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	task, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT depends_on_id
		FROM task_dependencies
		WHERE task_id = ?
		ORDER BY rowid
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer rows.Close()

	task.DependsOn = []string{}
	for rows.Next() {
		var depID string
		if err := rows.Scan(&depID); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		task.DependsOn = append(task.DependsOn, depID)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}

	return task, nil
}

// ListTasks returns every task in insertion order with dependencies attached.
func (s *SQLiteStore) ListTasks(ctx context.Context) ([]*scheduler.Task, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}

	var tasks []*scheduler.Task
	byID := make(map[string]*scheduler.Task)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		task.DependsOn = []string{}
		tasks = append(tasks, task)
		byID[task.ID] = task
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	rows.Close()

	// The connection pool holds a single connection, so the first cursor must
	// be closed before the dependency query runs.
	deps, err := s.db.QueryContext(ctx, `SELECT task_id, depends_on_id FROM task_dependencies ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer deps.Close()

	for deps.Next() {
		var taskID, depID string
		if err := deps.Scan(&taskID, &depID); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		if task, ok := byID[taskID]; ok {
			task.DependsOn = append(task.DependsOn, depID)
		}
	}
	if err := deps.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}

	return tasks, nil
}

// MarkInProgress flags a task as picked up and counts the attempt.
func (s *SQLiteStore) MarkInProgress(ctx context.Context, taskID string) error {
	return s.updateTask(ctx, taskID, `
		UPDATE tasks
		SET in_progress = 1, attempts = attempts + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, taskID)
}

// MarkCompleted flags a task as done and clears its in-progress flag and error.
func (s *SQLiteStore) MarkCompleted(ctx context.Context, taskID string) error {
	return s.updateTask(ctx, taskID, `
		UPDATE tasks
		SET completed = 1, in_progress = 0, last_error = '',
			completed_at = COALESCE(completed_at, CURRENT_TIMESTAMP),
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, taskID)
}

// ClearInProgress returns a task to the pending pool, recording why the
// attempt ended. An empty lastError leaves the previous one in place.
func (s *SQLiteStore) ClearInProgress(ctx context.Context, taskID, lastError string) error {
	return s.updateTask(ctx, taskID, `
		UPDATE tasks
		SET in_progress = 0,
			last_error = CASE WHEN ? = '' THEN last_error ELSE ? END,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, lastError, lastError, taskID)
}

// ResetInProgress clears every in-progress flag, which is what a restart after
// a crash needs. It returns the number of tasks released.
func (s *SQLiteStore) ResetInProgress(ctx context.Context) (int, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET in_progress = 0, updated_at = CURRENT_TIMESTAMP
		WHERE in_progress = 1 AND completed = 0
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to reset in-progress tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}

// Stats counts tasks by state.
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(completed), 0),
			COALESCE(SUM(CASE WHEN in_progress = 1 AND completed = 0 THEN 1 ELSE 0 END), 0)
		FROM tasks
	`).Scan(&st.Total, &st.Completed, &st.InProgress)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to query stats: %w", err)
	}
	st.Pending = st.Total - st.Completed - st.InProgress
	return st, nil
}

func (s *SQLiteStore) updateTask(ctx context.Context, taskID, query string, args ...any) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	// Begin transaction with serializable isolation (BEGIN IMMEDIATE)
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}
