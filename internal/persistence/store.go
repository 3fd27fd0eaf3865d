package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/aristath/conductor/internal/scheduler"
)

// ErrTaskNotFound is returned for an unknown task ID.
var ErrTaskNotFound = errors.New("task not found")

// Stats summarises the task set.
type Stats struct {
	Total      int `json:"total"`
	Completed  int `json:"completed"`
	InProgress int `json:"in_progress"`
	Pending    int `json:"pending"`
}

// Store is the task store the orchestrator consumes. The scheduler never
// writes to it; callers apply its decisions.
type Store interface {
	// Tasks
	SaveTask(ctx context.Context, task *scheduler.Task) error
	SaveTasks(ctx context.Context, tasks []*scheduler.Task) error
	GetTask(ctx context.Context, taskID string) (*scheduler.Task, error)
	ListTasks(ctx context.Context) ([]*scheduler.Task, error)
	MarkInProgress(ctx context.Context, taskID string) error
	MarkCompleted(ctx context.Context, taskID string) error
	ClearInProgress(ctx context.Context, taskID, lastError string) error
	ResetInProgress(ctx context.Context) (int, error)
	Stats(ctx context.Context) (Stats, error)

	// Worker runs
	StartRun(ctx context.Context, run Run) error
	FinishRun(ctx context.Context, runID string, outcome RunOutcome, failureKind, message string) error
	ListRuns(ctx context.Context, taskID string) ([]Run, error)

	// Lifecycle
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. The rollback journal is used instead
// of WAL so the database stays a single file that can be copied and restored.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(DELETE)&_pragma=foreign_keys(1)", dbPath)
	return open(ctx, connStr, dbPath)
}

// NewMemoryStore creates an in-memory SQLite store for testing. Each call
// gets its own database.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:mem-%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", uuid.New().String())
	return open(ctx, connStr, "")
}

func open(ctx context.Context, connStr, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One writer at a time; queries never nest
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db, path: path}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Path returns the database file, or "" for an in-memory store.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// withTimeout bounds a single store operation.
func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, 5*time.Second)
}
