package core

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/coderelay/coderelay/internal/common/errors"
	"github.com/coderelay/coderelay/internal/gateway"
	"github.com/coderelay/coderelay/internal/sandbox"
	"github.com/coderelay/coderelay/internal/session/models"
	v1 "github.com/coderelay/coderelay/pkg/api/v1"
)

// CreateSessionRequest carries the client-supplied fields of a new session.
type CreateSessionRequest struct {
	Title           string  `json:"title"`
	RepoPath        string  `json:"repoPath"`
	BaseBranch      string  `json:"baseBranch"`
	Model           string  `json:"model"`
	ReasoningEffort *string `json:"reasoningEffort,omitempty"`
}

// CreateSession persists a new session in created state. No sandbox is
// started until the first prompt arrives.
func (c *Core) CreateSession(ctx context.Context, req CreateSessionRequest) (*v1.Session, error) {
	if req.RepoPath == "" {
		return nil, apperrors.ValidationError("repoPath", "must not be empty")
	}

	model := req.Model
	if model == "" {
		model = c.cfg.DefaultModel
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = "Untitled session"
	}

	now := time.Now().UTC()
	sess := &v1.Session{
		ID:              models.NewID(),
		Title:           title,
		RepoPath:        req.RepoPath,
		DisplayName:     filepath.Base(req.RepoPath),
		BaseBranch:      req.BaseBranch,
		Model:           model,
		ReasoningEffort: req.ReasoningEffort,
		Status:          v1.SessionStatusCreated,
		SandboxStatus:   v1.SandboxStatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := c.repo.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	c.logger.Info("Session created",
		zap.String("session_id", sess.ID),
		zap.String("repo_path", sess.RepoPath))
	c.publish(ctx, SubjectSessionCreated, map[string]interface{}{
		"session_id": sess.ID,
		"repo_path":  sess.RepoPath,
	})
	return sess, nil
}

// PromptRequest carries one prompt submission.
type PromptRequest struct {
	Content         string          `json:"content"`
	Source          string          `json:"source"`
	Model           *string         `json:"model,omitempty"`
	ReasoningEffort *string         `json:"reasoningEffort,omitempty"`
	Attachments     json.RawMessage `json:"attachments,omitempty"`
}

// HandleClientPrompt enqueues a prompt on the session's FIFO queue and
// pumps it. Prompts for unknown sessions are dropped: the session may have
// been deleted while the frame was in flight, which is not a client error.
func (c *Core) HandleClientPrompt(ctx context.Context, sessionID string, req PromptRequest) (*v1.Message, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, apperrors.ValidationError("content", "must not be empty")
	}

	st := c.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	sess, err := c.repo.GetSession(ctx, sessionID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			c.logger.Debug("Dropping prompt for missing session",
				zap.String("session_id", sessionID))
			return nil, nil
		}
		return nil, err
	}

	source := req.Source
	if source == "" {
		source = "web"
	}
	msg := &v1.Message{
		ID:              models.NewID(),
		SessionID:       sessionID,
		Content:         req.Content,
		Source:          source,
		Model:           req.Model,
		ReasoningEffort: req.ReasoningEffort,
		Attachments:     req.Attachments,
		Status:          v1.MessageStatusPending,
	}
	if err := c.repo.CreateMessage(ctx, msg); err != nil {
		return nil, err
	}

	// The prompt itself is a timeline event so replays show the user's
	// side of the conversation.
	data, _ := json.Marshal(map[string]interface{}{
		"content": req.Content,
		"author":  gateway.Author{Name: "user", Source: source},
	})
	record := newTimelineEvent(sessionID, v1.EventTypeUserMessage, data, &msg.ID)
	if err := c.repo.CreateEvent(ctx, record); err != nil {
		c.logger.Error("Failed to persist user message event", zap.Error(err))
	} else {
		c.broadcastEvent(sessionID, record)
	}

	position, err := c.queuePosition(ctx, sessionID, msg.ID)
	if err != nil {
		position = 1
	}
	c.registry.Broadcast(sessionID, gateway.PromptQueuedFrame{
		Type:      gateway.FramePromptQueued,
		MessageID: msg.ID,
		Position:  position,
	})

	if sess.Status == v1.SessionStatusCreated {
		if err := c.repo.UpdateSessionStatus(ctx, sessionID, v1.SessionStatusActive); err != nil {
			c.logger.Warn("Failed to activate session", zap.Error(err))
		} else {
			c.registry.Broadcast(sessionID, gateway.SessionStatusFrame{
				Type:   gateway.FrameSessionStatus,
				Status: v1.SessionStatusActive,
			})
		}
	}

	// A message-level model override becomes the session default for
	// subsequent prompts.
	if req.Model != nil && *req.Model != "" && *req.Model != sess.Model {
		if err := c.repo.UpdateSessionModel(ctx, sessionID, *req.Model); err != nil {
			c.logger.Warn("Failed to update session model", zap.Error(err))
		}
	}

	c.pumpLocked(ctx, sessionID, st)
	return msg, nil
}

// queuePosition returns the 1-based position of a pending message.
func (c *Core) queuePosition(ctx context.Context, sessionID, messageID string) (int, error) {
	page, err := c.repo.ListMessages(ctx, sessionID, 1000, nil)
	if err != nil {
		return 0, err
	}
	position := 0
	for _, m := range page.Items {
		if m.Status != v1.MessageStatusPending {
			continue
		}
		position++
		if m.ID == messageID {
			return position, nil
		}
	}
	return position, nil
}

// HandleStopExecution cancels the in-flight prompt: the message is marked
// failed, the slot cleared and the bridge asked to interrupt the agent.
// Idempotent; stopping an idle session is a no-op.
func (c *Core) HandleStopExecution(ctx context.Context, sessionID string) error {
	st := c.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	messageID := st.processingMessageID
	if messageID == "" {
		return nil
	}

	c.logger.Info("Stopping execution",
		zap.String("session_id", sessionID),
		zap.String("message_id", messageID))

	if err := c.repo.UpdateMessageCompletion(ctx, messageID, v1.MessageStatusFailed); err != nil {
		c.logger.Error("Failed to fail stopped message", zap.Error(err))
	}
	st.processingMessageID = ""

	c.registry.SendToSandbox(sessionID, gateway.StopFrame{Type: "stop"})
	c.registry.Broadcast(sessionID, gateway.ProcessingStatusFrame{
		Type:         gateway.FrameProcessingStatus,
		IsProcessing: false,
	})
	c.publish(ctx, SubjectMessageFailed, map[string]interface{}{
		"session_id": sessionID,
		"message_id": messageID,
	})
	return nil
}

// ArchiveSession stops and removes the session's container, clears the
// supervision timers and parks the session. The worktree stays on disk so
// unarchiving can pick the branch back up.
func (c *Core) ArchiveSession(ctx context.Context, sessionID string) error {
	st := c.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	sess, err := c.repo.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	c.stopTimersLocked(st)

	// An in-flight prompt cannot survive archiving its sandbox; fail it so
	// the store never holds a second processing message after unarchive.
	if messageID := st.processingMessageID; messageID != "" {
		if err := c.repo.UpdateMessageCompletion(ctx, messageID, v1.MessageStatusFailed); err != nil {
			c.logger.Error("Failed to fail in-flight message for archive",
				zap.String("message_id", messageID),
				zap.Error(err))
		}
		st.processingMessageID = ""
		c.publish(ctx, SubjectMessageFailed, map[string]interface{}{
			"session_id": sessionID,
			"message_id": messageID,
		})
	}

	if sess.ContainerID != nil {
		if err := c.driver.Stop(ctx, *sess.ContainerID, c.cfg.StopGrace); err != nil {
			c.logger.Warn("Failed to stop container for archive", zap.Error(err))
		}
		if err := c.driver.Remove(ctx, *sess.ContainerID); err != nil {
			c.logger.Warn("Failed to remove container for archive", zap.Error(err))
		}
		if err := c.repo.UpdateSessionContainer(ctx, sessionID, nil, sess.WorktreePath); err != nil {
			c.logger.Warn("Failed to clear container handle", zap.Error(err))
		}
	}
	if err := c.repo.UpdateSessionSandboxStatus(ctx, sessionID, v1.SandboxStatusStopped); err != nil {
		c.logger.Warn("Failed to mark sandbox stopped", zap.Error(err))
	}
	c.publish(ctx, SubjectSandboxStopped, map[string]interface{}{"session_id": sessionID})
	if err := c.repo.UpdateSessionStatus(ctx, sessionID, v1.SessionStatusArchived); err != nil {
		return err
	}

	c.registry.Broadcast(sessionID, gateway.SessionStatusFrame{
		Type:   gateway.FrameSessionStatus,
		Status: v1.SessionStatusArchived,
	})
	c.logger.Info("Session archived", zap.String("session_id", sessionID))
	c.publish(ctx, SubjectSessionArchived, map[string]interface{}{"session_id": sessionID})
	return nil
}

// UnarchiveSession brings an archived session back to active. The sandbox
// stays down until the next prompt triggers a spawn.
func (c *Core) UnarchiveSession(ctx context.Context, sessionID string) error {
	sess, err := c.repo.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != v1.SessionStatusArchived {
		return apperrors.Conflict("session is not archived")
	}

	if err := c.repo.UpdateSessionStatus(ctx, sessionID, v1.SessionStatusActive); err != nil {
		return err
	}
	c.registry.Broadcast(sessionID, gateway.SessionStatusFrame{
		Type:   gateway.FrameSessionStatus,
		Status: v1.SessionStatusActive,
	})
	c.logger.Info("Session unarchived", zap.String("session_id", sessionID))
	return nil
}

// DeleteSession tears a session down completely: container, worktree,
// stored rows, live sockets and transient state.
func (c *Core) DeleteSession(ctx context.Context, sessionID string) error {
	st := c.state(sessionID)
	st.mu.Lock()

	sess, err := c.repo.GetSession(ctx, sessionID)
	if err != nil {
		st.mu.Unlock()
		return err
	}

	c.stopTimersLocked(st)
	st.processingMessageID = ""

	if sess.ContainerID != nil {
		if err := c.driver.Stop(ctx, *sess.ContainerID, c.cfg.StopGrace); err != nil {
			c.logger.Warn("Failed to stop container for delete", zap.Error(err))
		}
		if err := c.driver.Remove(ctx, *sess.ContainerID); err != nil {
			c.logger.Warn("Failed to remove container for delete", zap.Error(err))
		}
	}
	if err := c.worktrees.Remove(ctx, sessionID, sess.RepoPath); err != nil {
		c.logger.Warn("Failed to remove worktree for delete",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}

	// Rows go last so a failed cleanup can be retried from the record.
	if err := c.repo.DeleteSession(ctx, sessionID); err != nil {
		st.mu.Unlock()
		return err
	}
	st.mu.Unlock()

	c.registry.CloseSession(sessionID, gateway.CloseSessionDeleted, "session deleted")
	c.dropState(sessionID)

	c.logger.Info("Session deleted", zap.String("session_id", sessionID))
	c.publish(ctx, SubjectSessionDeleted, map[string]interface{}{"session_id": sessionID})
	return nil
}

// RegisterBridge attaches the sandbox bridge socket, primes the heartbeat
// baseline and starts the watchdog.
func (c *Core) RegisterBridge(ctx context.Context, sessionID string, conn gateway.Sender) {
	c.registry.RegisterSandbox(sessionID, conn)

	st := c.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	// Registration counts as the first heartbeat so the watchdog has a
	// baseline even if the bridge dies before its first report.
	if err := c.repo.UpdateSessionHeartbeat(ctx, sessionID, time.Now().UTC()); err != nil {
		c.logger.Warn("Failed to prime heartbeat", zap.Error(err))
	}
	c.startWatchdogLocked(sessionID, st)

	c.logger.Info("Sandbox bridge registered", zap.String("session_id", sessionID))
}

// UnregisterBridge detaches a bridge socket. The watchdog keeps running:
// a silent gap is only declared failed by heartbeat staleness, which also
// covers a bridge that never reconnects.
func (c *Core) UnregisterBridge(sessionID string, conn gateway.Sender) {
	if c.registry.UnregisterSandbox(sessionID, conn) {
		c.logger.Info("Sandbox bridge disconnected", zap.String("session_id", sessionID))
	}
}

// Reconcile aligns stored sandbox state with the container runtime after a
// restart. Sessions whose container is gone are marked stopped; their
// queued prompts stay pending until the next prompt or bridge ready pumps.
// Managed containers without a live session are removed.
func (c *Core) Reconcile(ctx context.Context) error {
	var cursor *time.Time
	for {
		page, err := c.repo.ListSessions(ctx, nil, 200, cursor)
		if err != nil {
			return err
		}
		for _, sess := range page.Items {
			c.reconcileSession(ctx, sess)
		}
		if !page.HasMore {
			break
		}
		cursor = page.Cursor
	}
	return c.removeOrphanContainers(ctx)
}

// removeOrphanContainers removes managed containers whose session was
// deleted or archived while the control plane was down.
func (c *Core) removeOrphanContainers(ctx context.Context) error {
	containers, err := c.driver.ListManaged(ctx)
	if err != nil {
		return err
	}
	for _, ctr := range containers {
		sessionID := ctr.Labels[sandbox.LabelSessionID]
		orphaned := sessionID == ""
		if !orphaned {
			sess, err := c.repo.GetSession(ctx, sessionID)
			switch {
			case apperrors.IsNotFound(err):
				orphaned = true
			case err != nil:
				continue
			default:
				orphaned = sess.Status == v1.SessionStatusArchived
			}
		}
		if !orphaned {
			continue
		}

		c.logger.Info("Removing orphaned sandbox container",
			zap.String("container_id", ctr.ID),
			zap.String("session_id", sessionID))
		if ctr.State == "running" {
			if err := c.driver.Stop(ctx, ctr.ID, c.cfg.StopGrace); err != nil {
				c.logger.Warn("Failed to stop orphaned container", zap.Error(err))
			}
		}
		if err := c.driver.Remove(ctx, ctr.ID); err != nil {
			c.logger.Warn("Failed to remove orphaned container", zap.Error(err))
		}
	}
	return nil
}

func (c *Core) reconcileSession(ctx context.Context, sess *v1.Session) {
	switch sess.SandboxStatus {
	case v1.SandboxStatusSpawning, v1.SandboxStatusWarming, v1.SandboxStatusSyncing,
		v1.SandboxStatusReady, v1.SandboxStatusRunning:
	default:
		return
	}

	running := false
	if sess.ContainerID != nil {
		var err error
		running, err = c.driver.IsRunning(ctx, *sess.ContainerID)
		if err != nil {
			c.logger.Warn("Failed to inspect container during reconcile",
				zap.String("session_id", sess.ID),
				zap.Error(err))
			return
		}
	}
	if running {
		// The container survived the restart; resume supervising it. The
		// bridge will reconnect and re-register on its own. An in-flight
		// message is adopted back into the processing slot so the queue
		// stays blocked until its execution_complete arrives.
		st := c.state(sess.ID)
		st.mu.Lock()
		if msg, err := c.repo.GetProcessingMessage(ctx, sess.ID); err == nil && msg != nil {
			st.processingMessageID = msg.ID
		}
		c.resetInactivityLocked(sess.ID, st)
		c.startWatchdogLocked(sess.ID, st)
		st.mu.Unlock()
		return
	}

	c.logger.Info("Reconciling session with dead sandbox",
		zap.String("session_id", sess.ID),
		zap.String("sandbox_status", string(sess.SandboxStatus)))
	if err := c.repo.UpdateSessionSandboxStatus(ctx, sess.ID, v1.SandboxStatusStopped); err != nil {
		c.logger.Error("Failed to mark sandbox stopped during reconcile", zap.Error(err))
		return
	}
	c.publish(ctx, SubjectSandboxStopped, map[string]interface{}{"session_id": sess.ID})
}

// RunReaper periodically removes exited containers this control plane
// manages and marks the affected sessions' sandboxes stopped. Blocks
// until ctx is done.
func (c *Core) RunReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sessionIDs, err := c.driver.ReapExited(ctx)
			if err != nil {
				c.logger.Warn("Container reap failed", zap.Error(err))
				continue
			}
			for _, sessionID := range sessionIDs {
				c.markSandboxStopped(ctx, sessionID)
			}
			if len(sessionIDs) > 0 {
				c.logger.Info("Reaped exited containers", zap.Int("count", len(sessionIDs)))
			}
		}
	}
}

// markSandboxStopped downgrades a live sandbox status to stopped after its
// container was reaped. Terminal statuses (failed, stopped) are left alone.
func (c *Core) markSandboxStopped(ctx context.Context, sessionID string) {
	sess, err := c.repo.GetSession(ctx, sessionID)
	if err != nil {
		return
	}
	switch sess.SandboxStatus {
	case v1.SandboxStatusSpawning, v1.SandboxStatusWarming, v1.SandboxStatusSyncing,
		v1.SandboxStatusReady, v1.SandboxStatusRunning:
	default:
		return
	}
	if err := c.repo.UpdateSessionSandboxStatus(ctx, sessionID, v1.SandboxStatusStopped); err != nil {
		c.logger.Error("Failed to mark reaped sandbox stopped", zap.Error(err))
		return
	}
	c.publish(ctx, SubjectSandboxStopped, map[string]interface{}{"session_id": sessionID})
}
