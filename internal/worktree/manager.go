// Package worktree prepares git worktrees for session sandboxes.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/common/config"
	"github.com/coderelay/coderelay/internal/common/logger"
)

// Sentinel errors for worktree operations.
var (
	ErrRepoNotGit        = errors.New("repository path is not a git repository")
	ErrInvalidBaseBranch = errors.New("base branch does not exist")
	ErrGitCommandFailed  = errors.New("git command failed")
)

// BranchPrefix is prepended to session ids to form the worktree branch name.
const BranchPrefix = "agent/"

// Manager handles git worktree operations, one worktree per session.
// Operations on the same host repository are serialised; git worktree
// commands racing in one repo corrupt its metadata.
type Manager struct {
	basePath   string
	logger     *logger.Logger
	repoLocks  map[string]*sync.Mutex
	repoLockMu sync.Mutex
}

// NewManager creates a worktree manager rooted at cfg.BasePath.
func NewManager(cfg config.WorktreeConfig, log *logger.Logger) (*Manager, error) {
	basePath, err := config.ExpandHome(cfg.BasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to expand base path: %w", err)
	}
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create worktree base directory: %w", err)
	}

	return &Manager{
		basePath:  basePath,
		logger:    log.WithFields(zap.String("component", "worktree-manager")),
		repoLocks: make(map[string]*sync.Mutex),
	}, nil
}

// getRepoLock returns a mutex for the given repository path.
func (m *Manager) getRepoLock(repoPath string) *sync.Mutex {
	m.repoLockMu.Lock()
	defer m.repoLockMu.Unlock()

	if lock, exists := m.repoLocks[repoPath]; exists {
		return lock
	}

	lock := &sync.Mutex{}
	m.repoLocks[repoPath] = lock
	return lock
}

// GetPath returns the worktree directory for a session. The directory may
// not exist yet.
func (m *Manager) GetPath(sessionID string) string {
	return filepath.Join(m.basePath, sessionID)
}

// BranchName returns the session-scoped branch name.
func (m *Manager) BranchName(sessionID string) string {
	return BranchPrefix + sessionID
}

// Create prepares a worktree for a session on a branch derived from
// baseRef. It is idempotent: an existing valid worktree is returned as-is,
// and if the branch already exists it is reused instead of recreated.
func (m *Manager) Create(ctx context.Context, sessionID, repoPath, baseRef string) (string, error) {
	worktreePath := m.GetPath(sessionID)
	if m.isValid(worktreePath) {
		m.logger.Info("reusing existing worktree",
			zap.String("session_id", sessionID),
			zap.String("path", worktreePath))
		return worktreePath, nil
	}

	if !isGitRepo(repoPath) {
		return "", ErrRepoNotGit
	}
	if !branchExists(repoPath, baseRef) {
		return "", fmt.Errorf("%w: %s", ErrInvalidBaseBranch, baseRef)
	}

	repoLock := m.getRepoLock(repoPath)
	repoLock.Lock()
	defer repoLock.Unlock()

	// Retry the existence check under the lock
	if m.isValid(worktreePath) {
		return worktreePath, nil
	}

	// A leftover directory without valid git metadata blocks worktree add
	if _, err := os.Stat(worktreePath); err == nil {
		os.RemoveAll(worktreePath)
		pruneWorktrees(ctx, repoPath)
	}

	branch := m.BranchName(sessionID)

	// git worktree add -b <branch> <path> <base-ref>
	cmd := exec.CommandContext(ctx, "git", "worktree", "add",
		"-b", branch, worktreePath, baseRef)
	cmd.Dir = repoPath

	output, err := cmd.CombinedOutput()
	if err != nil {
		if !strings.Contains(string(output), "already exists") {
			m.logger.Error("git worktree add failed",
				zap.String("output", string(output)),
				zap.Error(err))
			return "", fmt.Errorf("%w: %s", ErrGitCommandFailed, string(output))
		}

		// The branch survived a previous worktree; attach to it
		cmd = exec.CommandContext(ctx, "git", "worktree", "add", worktreePath, branch)
		cmd.Dir = repoPath
		if output, err = cmd.CombinedOutput(); err != nil {
			m.logger.Error("git worktree add failed",
				zap.String("output", string(output)),
				zap.Error(err))
			return "", fmt.Errorf("%w: %s", ErrGitCommandFailed, string(output))
		}
	}

	m.linkIgnoredFiles(repoPath, worktreePath)

	m.logger.Info("created worktree",
		zap.String("session_id", sessionID),
		zap.String("path", worktreePath),
		zap.String("branch", branch))

	return worktreePath, nil
}

// linkIgnoredFiles symlinks gitignored local config (dotfiles and .env*)
// from the main repository into the worktree. Best effort.
func (m *Manager) linkIgnoredFiles(repoPath, worktreePath string) {
	entries, err := os.ReadDir(repoPath)
	if err != nil {
		return
	}

	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, ".env") && name != ".npmrc" && name != ".tool-versions" {
			continue
		}

		target := filepath.Join(worktreePath, name)
		if _, err := os.Lstat(target); err == nil {
			continue
		}
		if err := os.Symlink(filepath.Join(repoPath, name), target); err != nil {
			m.logger.Debug("failed to link ignored file",
				zap.String("name", name),
				zap.Error(err))
		}
	}
}

// Remove deletes a session's worktree. If git refuses, it falls back to
// removing the directory and pruning stale worktree entries.
func (m *Manager) Remove(ctx context.Context, sessionID, repoPath string) error {
	worktreePath := m.GetPath(sessionID)

	repoLock := m.getRepoLock(repoPath)
	repoLock.Lock()
	defer repoLock.Unlock()

	cmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", worktreePath)
	cmd.Dir = repoPath
	if output, err := cmd.CombinedOutput(); err != nil {
		m.logger.Debug("git worktree remove failed, falling back to rm",
			zap.String("output", string(output)),
			zap.Error(err))

		if err := os.RemoveAll(worktreePath); err != nil {
			return err
		}
		pruneWorktrees(ctx, repoPath)
	}

	m.logger.Info("removed worktree",
		zap.String("session_id", sessionID),
		zap.String("path", worktreePath))
	return nil
}

// List returns the worktree paths registered in a repository, excluding
// the main checkout.
func (m *Manager) List(ctx context.Context, repoPath string) ([]string, error) {
	cmd := exec.CommandContext(ctx, "git", "worktree", "list", "--porcelain")
	cmd.Dir = repoPath
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%w: git worktree list", ErrGitCommandFailed)
	}

	var paths []string
	for _, line := range strings.Split(string(output), "\n") {
		path, ok := strings.CutPrefix(line, "worktree ")
		if !ok {
			continue
		}
		if filepath.Clean(path) == filepath.Clean(repoPath) {
			continue
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// isValid reports whether a directory is a usable git worktree. Worktrees
// have a .git file containing a gitdir pointer, not a .git directory.
func (m *Manager) isValid(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}

	content, err := os.ReadFile(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return strings.HasPrefix(string(content), "gitdir:")
}

// isGitRepo checks if a path is a git repository.
func isGitRepo(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return info.IsDir() || info.Mode().IsRegular()
}

// branchExists checks if a ref resolves in the repository.
func branchExists(repoPath, ref string) bool {
	cmd := exec.Command("git", "rev-parse", "--verify", ref)
	cmd.Dir = repoPath
	return cmd.Run() == nil
}

func pruneWorktrees(ctx context.Context, repoPath string) {
	cmd := exec.CommandContext(ctx, "git", "worktree", "prune")
	cmd.Dir = repoPath
	_ = cmd.Run()
}
