package worktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/coderelay/internal/common/config"
	"github.com/coderelay/coderelay/internal/common/logger"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)

	mgr, err := NewManager(config.WorktreeConfig{
		BasePath:      filepath.Join(t.TempDir(), "worktrees"),
		DefaultBranch: "main",
	}, log)
	require.NoError(t, err)
	return mgr
}

// initTestRepo creates a git repository with one commit on main.
func initTestRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	repoPath := filepath.Join(t.TempDir(), "repo")
	require.NoError(t, os.MkdirAll(repoPath, 0755))

	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = repoPath
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
		output, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, output)
	}

	run("init", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(repoPath, "README.md"), []byte("hello\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(repoPath, ".env"), []byte("KEY=value\n"), 0644))
	run("add", "README.md")
	run("commit", "-m", "initial")

	return repoPath
}

func TestCreateWorktree(t *testing.T) {
	mgr := newTestManager(t)
	repoPath := initTestRepo(t)
	ctx := context.Background()

	path, err := mgr.Create(ctx, "sess1", repoPath, "main")
	require.NoError(t, err)
	assert.Equal(t, mgr.GetPath("sess1"), path)
	assert.True(t, mgr.isValid(path))

	// the session branch is checked out in the worktree
	cmd := exec.Command("git", "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = path
	output, err := cmd.Output()
	require.NoError(t, err)
	assert.Equal(t, "agent/sess1", string(output[:len(output)-1]))

	// gitignored env files are linked in
	info, err := os.Lstat(filepath.Join(path, ".env"))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&os.ModeSymlink)
}

func TestCreateWorktreeIdempotent(t *testing.T) {
	mgr := newTestManager(t)
	repoPath := initTestRepo(t)
	ctx := context.Background()

	first, err := mgr.Create(ctx, "sess1", repoPath, "main")
	require.NoError(t, err)

	second, err := mgr.Create(ctx, "sess1", repoPath, "main")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestCreateWorktreeReusesSurvivingBranch(t *testing.T) {
	mgr := newTestManager(t)
	repoPath := initTestRepo(t)
	ctx := context.Background()

	path, err := mgr.Create(ctx, "sess1", repoPath, "main")
	require.NoError(t, err)

	// remove the worktree but leave the branch behind
	require.NoError(t, mgr.Remove(ctx, "sess1", repoPath))
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))

	// create attaches to the existing agent/sess1 branch
	path2, err := mgr.Create(ctx, "sess1", repoPath, "main")
	require.NoError(t, err)
	assert.Equal(t, path, path2)
	assert.True(t, mgr.isValid(path2))
}

func TestCreateWorktreeBadInputs(t *testing.T) {
	mgr := newTestManager(t)
	repoPath := initTestRepo(t)
	ctx := context.Background()

	_, err := mgr.Create(ctx, "sess1", t.TempDir(), "main")
	assert.ErrorIs(t, err, ErrRepoNotGit)

	_, err = mgr.Create(ctx, "sess2", repoPath, "no-such-branch")
	assert.ErrorIs(t, err, ErrInvalidBaseBranch)
}

func TestRemoveWorktreeFallback(t *testing.T) {
	mgr := newTestManager(t)
	repoPath := initTestRepo(t)
	ctx := context.Background()

	path, err := mgr.Create(ctx, "sess1", repoPath, "main")
	require.NoError(t, err)

	// corrupt the worktree so git worktree remove refuses
	require.NoError(t, os.Remove(filepath.Join(path, ".git")))

	require.NoError(t, mgr.Remove(ctx, "sess1", repoPath))
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestListWorktrees(t *testing.T) {
	mgr := newTestManager(t)
	repoPath := initTestRepo(t)
	ctx := context.Background()

	_, err := mgr.Create(ctx, "sess1", repoPath, "main")
	require.NoError(t, err)
	_, err = mgr.Create(ctx, "sess2", repoPath, "main")
	require.NoError(t, err)

	paths, err := mgr.List(ctx, repoPath)
	require.NoError(t, err)
	assert.Len(t, paths, 2)
	assert.NotContains(t, paths, repoPath)
}
