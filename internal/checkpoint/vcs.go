package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// VCS takes and restores working-tree snapshots.
type VCS interface {
	// Snapshot stages everything except excluded paths, commits (allowing
	// an empty commit) and returns the new commit ID.
	Snapshot(ctx context.Context, message string) (string, error)
	// ResetHard moves the working tree to ref, discarding changes.
	ResetHard(ctx context.Context, ref string) error
}

// Git shells out to the git binary. Calls go through a circuit breaker so a
// repository that keeps failing is left alone for a cool-down period.
type Git struct {
	repo    string
	exclude []string // Pathspecs kept out of every snapshot
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewGit creates a Git for the working tree at repo. Snapshots never stage
// the exclude paths, so a hard reset leaves them untouched. Paths outside
// repo are ignored.
func NewGit(repo string, timeout time.Duration, logger *zap.Logger, exclude ...string) *Git {
	if timeout <= 0 {
		timeout = DefaultGitTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Git{repo: repo, exclude: excludePathspecs(repo, exclude), timeout: timeout, logger: logger}
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "git",
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			// Caller cancellation says nothing about the repository
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return g
}

// Snapshot implements VCS.
func (g *Git) Snapshot(ctx context.Context, message string) (string, error) {
	ref, err := g.breaker.Execute(func() (interface{}, error) {
		args := append([]string{"add", "-A", "--", "."}, g.exclude...)
		if _, err := g.run(ctx, args...); err != nil {
			return nil, err
		}
		if err := g.commit(ctx, message); err != nil {
			return nil, err
		}
		head, err := g.run(ctx, "rev-parse", "HEAD")
		if err != nil {
			return nil, err
		}
		return strings.TrimSpace(head), nil
	})
	if err != nil {
		return "", err
	}
	return ref.(string), nil
}

// ResetHard implements VCS.
func (g *Git) ResetHard(ctx context.Context, ref string) error {
	_, err := g.breaker.Execute(func() (interface{}, error) {
		return g.run(ctx, "reset", "--hard", ref)
	})
	return err
}

func excludePathspecs(repo string, paths []string) []string {
	root, err := filepath.Abs(repo)
	if err != nil {
		return nil
	}
	var specs []string
	for _, p := range paths {
		if p == "" {
			continue
		}
		if !filepath.IsAbs(p) {
			p = filepath.Join(root, p)
		}
		rel, err := filepath.Rel(root, p)
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		specs = append(specs, ":(exclude,literal)"+filepath.ToSlash(rel))
	}
	return specs
}

// commit falls back to a fixed identity when the repository has none.
func (g *Git) commit(ctx context.Context, message string) error {
	output, err := g.run(ctx, "commit", "--allow-empty", "--no-verify", "-m", message)
	if err == nil {
		return nil
	}
	if !strings.Contains(output, "tell me who you are") && !strings.Contains(output, "empty ident") {
		return err
	}
	_, err = g.run(ctx,
		"-c", "user.name=conductor",
		"-c", "user.email=conductor@localhost",
		"commit", "--allow-empty", "--no-verify", "-m", message)
	return err
}

func (g *Git) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.repo
	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return string(output), fmt.Errorf("git %s timed out after %s", args[0], g.timeout)
		}
		return string(output), fmt.Errorf("git %s failed: %w (output: %s)", strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}
