package core

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/gateway"
	v1 "github.com/coderelay/coderelay/pkg/api/v1"
)

// Pump drives the session's FIFO queue: if the session is idle and a
// pending prompt exists, dispatch it to the sandbox bridge or trigger a
// spawn. Safe to call at any time; it is a no-op when there is nothing
// to do.
func (c *Core) Pump(ctx context.Context, sessionID string) {
	st := c.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	c.pumpLocked(ctx, sessionID, st)
}

// pumpLocked runs one pump pass. Caller holds st.mu.
func (c *Core) pumpLocked(ctx context.Context, sessionID string, st *sessionState) {
	// A message in flight blocks the queue until execution_complete.
	if st.processingMessageID != "" {
		return
	}

	msg, err := c.repo.GetNextPendingMessage(ctx, sessionID)
	if err != nil {
		c.logger.Error("Failed to read pending queue",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return
	}
	if msg == nil {
		return
	}

	sess, err := c.repo.GetSession(ctx, sessionID)
	if err != nil {
		c.logger.Error("Failed to load session for dispatch",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return
	}

	// No bridge attached: start (or retry) the sandbox and leave the
	// message pending. The bridge's ready event re-enters the pump.
	// Clients hear about the spawn even when one is already underway.
	if !c.registry.HasSandbox(sessionID) {
		c.registry.Broadcast(sessionID, gateway.SandboxStatusFrame{Type: gateway.FrameSandboxSpawning})
		c.spawnLocked(ctx, sessionID, sess)
		return
	}

	model, effort := c.effectiveModel(sess, msg)

	// Claim the dispatch before handing the prompt to the bridge so a
	// racing pump pass cannot double-send.
	if err := c.repo.UpdateMessageToProcessing(ctx, msg.ID); err != nil {
		c.logger.Error("Failed to mark message processing",
			zap.String("message_id", msg.ID),
			zap.Error(err))
		return
	}
	st.processingMessageID = msg.ID

	c.registry.Broadcast(sessionID, gateway.ProcessingStatusFrame{
		Type:         gateway.FrameProcessingStatus,
		IsProcessing: true,
	})

	if err := c.repo.UpdateSessionActivity(ctx, sessionID, time.Now().UTC()); err != nil {
		c.logger.Warn("Failed to bump session activity", zap.Error(err))
	}
	c.resetInactivityLocked(sessionID, st)

	sent := c.registry.SendToSandbox(sessionID, gateway.PromptFrame{
		Type:            "prompt",
		MessageID:       msg.ID,
		Content:         msg.Content,
		Model:           model,
		ReasoningEffort: effort,
		Author:          gateway.Author{Name: "user", Source: msg.Source},
		Attachments:     msg.Attachments,
	})
	if sent {
		if err := c.repo.UpdateSessionSandboxStatus(ctx, sessionID, v1.SandboxStatusRunning); err != nil {
			c.logger.Warn("Failed to mark sandbox running", zap.Error(err))
		}
		c.logger.Info("Dispatched prompt to sandbox",
			zap.String("session_id", sessionID),
			zap.String("message_id", msg.ID),
			zap.String("model", model))
		return
	}

	// The bridge died between the check and the send. Revert the claim,
	// mark the message failed and fall back to a spawn attempt.
	c.logger.Warn("Bridge write failed, reverting dispatch",
		zap.String("session_id", sessionID),
		zap.String("message_id", msg.ID))

	st.processingMessageID = ""
	if err := c.repo.UpdateMessageCompletion(ctx, msg.ID, v1.MessageStatusFailed); err != nil {
		c.logger.Error("Failed to fail undeliverable message",
			zap.String("message_id", msg.ID),
			zap.Error(err))
	}
	c.registry.Broadcast(sessionID, gateway.ProcessingStatusFrame{
		Type:         gateway.FrameProcessingStatus,
		IsProcessing: false,
	})
	c.registry.Broadcast(sessionID, gateway.SandboxStatusFrame{Type: gateway.FrameSandboxSpawning})
	c.spawnLocked(ctx, sessionID, sess)
}
