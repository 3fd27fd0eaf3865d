// Package checkpoint snapshots code and task-store state so a run can be
// rolled back.
package checkpoint

import (
	"errors"
	"time"
)

// ErrNotFound is returned for an unknown checkpoint ID.
var ErrNotFound = errors.New("checkpoint not found")

const (
	DefaultMaxCheckpoints = 20
	DefaultGitTimeout     = 30 * time.Second

	manifestFile = "manifest.json"
)

// Checkpoint is one entry of the manifest.
type Checkpoint struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	CreatedAt       time.Time         `json:"created_at"`
	VCSRef          string            `json:"vcs_ref,omitempty"`           // Commit ID, empty if the snapshot failed
	TaskStoreBackup string            `json:"task_store_backup,omitempty"` // Path of the copied task store
	StateTag        string            `json:"state_tag,omitempty"`
	TaskID          string            `json:"task_id,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// CreateRequest describes a checkpoint to take.
type CreateRequest struct {
	Name     string
	TaskID   string
	StateTag string
	Metadata map[string]string
}

// Config configures a Manager.
type Config struct {
	Dir            string        // Manifest and backup directory
	RepoPath       string        // Working tree to snapshot; empty disables VCS snapshots
	TaskStorePath  string        // Live task-store file; empty disables backups
	MaxCheckpoints int           // Default 20
	GitTimeout     time.Duration // Per git invocation, default 30s
	VCS            VCS           // Overrides the git implementation when set
	Exclude        []string      // Extra paths kept out of snapshots; Dir and the task store are always excluded
}
