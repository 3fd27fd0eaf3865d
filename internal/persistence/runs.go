package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RunOutcome is how a worker run ended.
type RunOutcome string

const (
	RunRunning   RunOutcome = "running"
	RunSucceeded RunOutcome = "succeeded"
	RunFailed    RunOutcome = "failed"
	RunStopped   RunOutcome = "stopped" // Stopped by the orchestrator, e.g. on a detected loop
)

// Run is one worker process launched against a task.
type Run struct {
	ID          string
	TaskID      string
	SessionID   string
	PID         int
	Outcome     RunOutcome
	FailureKind string
	Message     string
	StartedAt   time.Time
	FinishedAt  *time.Time
}

// StartRun records a newly launched worker run.
func (s *SQLiteStore) StartRun(ctx context.Context, run Run) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, task_id, session_id, pid, outcome, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, run.ID, run.TaskID, run.SessionID, run.PID, RunRunning, run.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	return nil
}

// FinishRun stamps the outcome of a run.
func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, outcome RunOutcome, failureKind, message string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET outcome = ?, failure_kind = ?, message = ?, finished_at = ?
		WHERE id = ?
	`, outcome, failureKind, message, time.Now().UTC(), runID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("run not found: %s", runID)
	}

	return nil
}

// ListRuns returns the runs for a task, oldest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, taskID string) ([]Run, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, session_id, pid, outcome, failure_kind, message, started_at, finished_at
		FROM runs
		WHERE task_id = ?
		ORDER BY started_at, rowid
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var finished sql.NullTime
		if err := rows.Scan(&r.ID, &r.TaskID, &r.SessionID, &r.PID, &r.Outcome, &r.FailureKind, &r.Message, &r.StartedAt, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if finished.Valid {
			t := finished.Time
			r.FinishedAt = &t
		}
		runs = append(runs, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}
