package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Manager creates, lists and restores checkpoints.
//
// Create never fails because of the VCS snapshot or the task-store copy; the
// checkpoint is recorded with whatever could be captured. Only manifest I/O
// errors are returned.
type Manager struct {
	mu     sync.Mutex
	cfg    Config
	vcs    VCS
	logger *zap.Logger
	now    func() time.Time
}

// New creates a Manager, creating cfg.Dir if needed.
func New(cfg Config, logger *zap.Logger) (*Manager, error) {
	if cfg.Dir == "" {
		return nil, errors.New("checkpoint directory is required")
	}
	if cfg.MaxCheckpoints <= 0 {
		cfg.MaxCheckpoints = DefaultMaxCheckpoints
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	vcs := cfg.VCS
	if vcs == nil && cfg.RepoPath != "" {
		vcs = NewGit(cfg.RepoPath, cfg.GitTimeout, logger, runtimePaths(cfg)...)
	}

	return &Manager{cfg: cfg, vcs: vcs, logger: logger, now: time.Now}, nil
}

// runtimePaths lists the files a rollback must not rewind: the manifest and
// backups, the live task store and its SQLite sidecars.
func runtimePaths(cfg Config) []string {
	paths := append([]string{cfg.Dir}, cfg.Exclude...)
	if cfg.TaskStorePath != "" {
		for _, suffix := range []string{"", "-wal", "-shm", "-journal"} {
			paths = append(paths, cfg.TaskStorePath+suffix)
		}
	}
	return paths
}

// Create takes a checkpoint and evicts the oldest ones past the cap.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := Checkpoint{
		ID:        uuid.New().String(),
		Name:      req.Name,
		CreatedAt: m.now().UTC(),
		StateTag:  req.StateTag,
		TaskID:    req.TaskID,
		Metadata:  req.Metadata,
	}
	if cp.Name == "" {
		cp.Name = "checkpoint-" + cp.CreatedAt.Format("20060102-150405")
	}
	log := m.logger.With(zap.String("checkpoint_id", cp.ID), zap.String("name", cp.Name))

	if m.vcs != nil {
		ref, err := m.vcs.Snapshot(ctx, "conductor checkpoint: "+cp.Name)
		if err != nil {
			log.Warn("vcs snapshot failed, checkpoint will not restore code", zap.Error(err))
		} else {
			cp.VCSRef = ref
		}
	}

	if m.cfg.TaskStorePath != "" {
		backup := filepath.Join(m.cfg.Dir, cp.ID, filepath.Base(m.cfg.TaskStorePath))
		if err := copyFile(m.cfg.TaskStorePath, backup); err != nil {
			log.Warn("task store backup failed, checkpoint will not restore tasks", zap.Error(err))
			os.RemoveAll(filepath.Join(m.cfg.Dir, cp.ID))
		} else {
			cp.TaskStoreBackup = backup
		}
	}

	checkpoints, err := m.load()
	if err != nil {
		return nil, err
	}
	checkpoints = append(checkpoints, cp)

	var evicted []Checkpoint
	if over := len(checkpoints) - m.cfg.MaxCheckpoints; over > 0 {
		evicted = checkpoints[:over]
		checkpoints = append([]Checkpoint(nil), checkpoints[over:]...)
	}

	if err := m.save(checkpoints); err != nil {
		return nil, err
	}

	for _, old := range evicted {
		if err := os.RemoveAll(filepath.Join(m.cfg.Dir, old.ID)); err != nil {
			m.logger.Warn("failed to remove evicted checkpoint", zap.String("checkpoint_id", old.ID), zap.Error(err))
		}
		m.logger.Debug("evicted checkpoint", zap.String("checkpoint_id", old.ID), zap.String("name", old.Name))
	}

	log.Info("checkpoint created",
		zap.String("vcs_ref", cp.VCSRef),
		zap.Bool("task_store_backup", cp.TaskStoreBackup != ""))
	return &cp, nil
}

// Rollback restores the working tree and the task store from checkpoint id.
// A half that was never captured is skipped.
func (m *Manager) Rollback(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	checkpoints, err := m.load()
	if err != nil {
		return err
	}
	cp, ok := find(checkpoints, id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if cp.VCSRef != "" {
		if m.vcs == nil {
			m.logger.Warn("checkpoint has a vcs ref but no repository is configured", zap.String("checkpoint_id", id))
		} else if err := m.vcs.ResetHard(ctx, cp.VCSRef); err != nil {
			return fmt.Errorf("failed to reset working tree to %s: %w", cp.VCSRef, err)
		}
	}

	if cp.TaskStoreBackup != "" && m.cfg.TaskStorePath != "" {
		if err := restoreFile(cp.TaskStoreBackup, m.cfg.TaskStorePath); err != nil {
			return fmt.Errorf("failed to restore task store: %w", err)
		}
	}

	m.logger.Info("rolled back to checkpoint",
		zap.String("checkpoint_id", id),
		zap.String("name", cp.Name),
		zap.String("vcs_ref", cp.VCSRef))
	return nil
}

// List returns all checkpoints, oldest first.
func (m *Manager) List() ([]Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load()
}

// Get returns one checkpoint.
func (m *Manager) Get(id string) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	checkpoints, err := m.load()
	if err != nil {
		return nil, err
	}
	cp, ok := find(checkpoints, id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return &cp, nil
}

// Delete removes a checkpoint and its backup directory.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	checkpoints, err := m.load()
	if err != nil {
		return err
	}
	kept := checkpoints[:0]
	found := false
	for _, cp := range checkpoints {
		if cp.ID == id {
			found = true
			continue
		}
		kept = append(kept, cp)
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := m.save(kept); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(m.cfg.Dir, id))
}

func find(checkpoints []Checkpoint, id string) (Checkpoint, bool) {
	for _, cp := range checkpoints {
		if cp.ID == id {
			return cp, true
		}
	}
	return Checkpoint{}, false
}

func (m *Manager) manifestPath() string {
	return filepath.Join(m.cfg.Dir, manifestFile)
}

func (m *Manager) load() ([]Checkpoint, error) {
	data, err := os.ReadFile(m.manifestPath())
	if errors.Is(err, os.ErrNotExist) {
		return []Checkpoint{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint manifest: %w", err)
	}

	var checkpoints []Checkpoint
	if err := json.Unmarshal(data, &checkpoints); err != nil {
		return nil, fmt.Errorf("parsing checkpoint manifest: %w", err)
	}
	return checkpoints, nil
}

func (m *Manager) save(checkpoints []Checkpoint) error {
	data, err := json.MarshalIndent(checkpoints, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint manifest: %w", err)
	}

	tmpPath := m.manifestPath() + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint manifest: %w", err)
	}
	if err := os.Rename(tmpPath, m.manifestPath()); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename checkpoint manifest: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// restoreFile replaces dst with a copy of src via a temp file and rename.
func restoreFile(src, dst string) error {
	tmp := dst + ".restore.tmp"
	if err := copyFile(src, tmp); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
