package api

import (
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/common/config"
	v1 "github.com/coderelay/coderelay/pkg/api/v1"
)

// ListRepos scans the configured roots for git repositories
// GET /api/v1/repos
func (h *Handler) ListRepos(c *gin.Context) {
	repos := make([]v1.Repo, 0)
	seen := make(map[string]bool)

	for _, root := range h.cfg.RepoDiscovery.Roots {
		expanded, err := config.ExpandHome(root)
		if err != nil {
			continue
		}
		found, err := discoverRepos(expanded, h.cfg.RepoDiscovery.MaxDepth)
		if err != nil {
			h.logger.Warn("repo discovery failed",
				zap.String("root", expanded),
				zap.Error(err))
			continue
		}
		for _, repo := range found {
			if !seen[repo.Path] {
				seen[repo.Path] = true
				repos = append(repos, repo)
			}
		}
	}

	sort.Slice(repos, func(i, j int) bool { return repos[i].Path < repos[j].Path })
	c.JSON(http.StatusOK, gin.H{"items": repos})
}

// discoverRepos walks root up to maxDepth levels looking for .git entries.
// A found repository is not descended into.
func discoverRepos(root string, maxDepth int) ([]v1.Repo, error) {
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil, err
	}

	var repos []v1.Repo
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		depth := 0
		if rel != "." {
			depth = len(strings.Split(rel, string(filepath.Separator)))
		}
		if depth > maxDepth {
			return filepath.SkipDir
		}

		if _, err := os.Stat(filepath.Join(path, ".git")); err == nil {
			repos = append(repos, v1.Repo{
				Path:          path,
				Name:          filepath.Base(path),
				DefaultBranch: detectDefaultBranch(path),
			})
			return filepath.SkipDir
		}
		return nil
	})
	return repos, err
}

// detectDefaultBranch reads the checked-out branch from .git/HEAD.
func detectDefaultBranch(repoPath string) string {
	head, err := os.ReadFile(filepath.Join(repoPath, ".git", "HEAD"))
	if err != nil {
		return "main"
	}
	ref := strings.TrimSpace(string(head))
	if branch, ok := strings.CutPrefix(ref, "ref: refs/heads/"); ok && branch != "" {
		return branch
	}
	return "main"
}
