package core

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/gateway"
	"github.com/coderelay/coderelay/internal/sandbox"
	v1 "github.com/coderelay/coderelay/pkg/api/v1"
)

// Spawn failures trip a breaker after this many consecutive attempts.
const spawnFailureThreshold = 3

// spawnCooldown returns the backoff after count consecutive failures:
// 5s doubled per failure, capped at one minute.
func spawnCooldown(count int) time.Duration {
	if count > 10 {
		count = 10
	}
	cooldown := 5 * time.Second << uint(count)
	if cooldown > time.Minute {
		cooldown = time.Minute
	}
	return cooldown
}

// spawnLocked starts the session's sandbox: worktree first, then the
// container. Caller holds st.mu; sess was read under the same lock.
// Failures are persisted on the session row and reported to clients;
// repeated failures trip an exponential backoff breaker.
func (c *Core) spawnLocked(ctx context.Context, sessionID string, sess *v1.Session) {
	if sess.SpawnFailureCount >= spawnFailureThreshold && sess.LastSpawnFailureAt != nil {
		cooldown := spawnCooldown(sess.SpawnFailureCount)
		elapsed := time.Since(*sess.LastSpawnFailureAt)
		if elapsed < cooldown {
			remaining := int((cooldown - elapsed).Round(time.Second).Seconds())
			if remaining < 1 {
				remaining = 1
			}
			c.registry.Broadcast(sessionID, gateway.SandboxErrorFrame{
				Type: gateway.FrameSandboxError,
				Error: fmt.Sprintf("Spawn failed %d times. Retrying in %ds.",
					sess.SpawnFailureCount, remaining),
			})
			return
		}
	}

	if sess.SandboxStatus == v1.SandboxStatusSpawning {
		return
	}
	if sess.ContainerID != nil {
		running, err := c.driver.IsRunning(ctx, *sess.ContainerID)
		if err != nil {
			c.logger.Warn("Failed to inspect existing container",
				zap.String("session_id", sessionID),
				zap.Error(err))
		}
		if running {
			return
		}
	}

	if err := c.repo.UpdateSessionSandboxStatus(ctx, sessionID, v1.SandboxStatusSpawning); err != nil {
		c.logger.Error("Failed to mark session spawning", zap.Error(err))
		return
	}
	c.publish(ctx, SubjectSandboxSpawning, map[string]interface{}{"session_id": sessionID})

	c.logger.Info("Spawning sandbox",
		zap.String("session_id", sessionID),
		zap.String("repo_path", sess.RepoPath),
		zap.String("base_branch", sess.BaseBranch))

	worktreePath, err := c.worktrees.Create(ctx, sessionID, sess.RepoPath, sess.BaseBranch)
	if err != nil {
		c.recordSpawnFailure(ctx, sessionID, fmt.Errorf("worktree: %w", err))
		return
	}

	branch := c.worktrees.BranchName(sessionID)
	if err := c.repo.UpdateSessionBranch(ctx, sessionID, branch); err != nil {
		c.logger.Warn("Failed to record session branch", zap.Error(err))
	}

	model := sess.Model
	if model == "" {
		model = c.cfg.DefaultModel
	}
	containerID, err := c.driver.CreateSandbox(ctx, sandbox.CreateOptions{
		SessionID:    sessionID,
		WorktreePath: worktreePath,
		Model:        model,
		EnvOverlay:   c.buildEnvOverlay(ctx, sess),
	})
	if err != nil {
		c.recordSpawnFailure(ctx, sessionID, err)
		return
	}

	if err := c.repo.UpdateSessionContainer(ctx, sessionID, &containerID, &worktreePath); err != nil {
		c.logger.Error("Failed to record container handle", zap.Error(err))
	}
	if err := c.repo.UpdateSessionSandboxStatus(ctx, sessionID, v1.SandboxStatusReady); err != nil {
		c.logger.Error("Failed to mark sandbox ready", zap.Error(err))
	}
	if err := c.repo.ResetSpawnFailures(ctx, sessionID); err != nil {
		c.logger.Warn("Failed to reset spawn failure counters", zap.Error(err))
	}

	c.logger.Info("Sandbox started",
		zap.String("session_id", sessionID),
		zap.String("container_id", containerID))
	c.publish(ctx, SubjectSandboxSpawned, map[string]interface{}{
		"session_id":   sessionID,
		"container_id": containerID,
	})
}

// recordSpawnFailure persists one failed attempt and tells clients.
func (c *Core) recordSpawnFailure(ctx context.Context, sessionID string, cause error) {
	c.logger.Error("Sandbox spawn failed",
		zap.String("session_id", sessionID),
		zap.Error(cause))

	if err := c.repo.UpdateSessionSandboxStatus(ctx, sessionID, v1.SandboxStatusFailed); err != nil {
		c.logger.Error("Failed to mark sandbox failed", zap.Error(err))
	}
	if err := c.repo.IncrementSpawnFailures(ctx, sessionID, cause.Error(), time.Now().UTC()); err != nil {
		c.logger.Error("Failed to record spawn failure", zap.Error(err))
	}

	c.registry.Broadcast(sessionID, gateway.SandboxErrorFrame{
		Type:  gateway.FrameSandboxError,
		Error: cause.Error(),
	})
	c.publish(ctx, SubjectSandboxFailed, map[string]interface{}{
		"session_id": sessionID,
		"error":      cause.Error(),
	})
}
