package core

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/gateway"
	v1 "github.com/coderelay/coderelay/pkg/api/v1"
)

// HandleSandboxEvent ingests one frame from the sandbox bridge: persist
// (insert or coalesce), update session bookkeeping, then fan out to
// clients. Heartbeats only refresh the liveness timestamp and are never
// persisted.
func (c *Core) HandleSandboxEvent(ctx context.Context, sessionID string, ev gateway.SandboxEvent) error {
	st := c.state(sessionID)
	st.mu.Lock()
	pumpAfter, err := c.ingestLocked(ctx, sessionID, st, ev)
	st.mu.Unlock()

	// execution_complete re-enters the pump off the ingest path so the
	// bridge read loop is never blocked by the next dispatch.
	if pumpAfter {
		go c.Pump(context.Background(), sessionID)
	}
	return err
}

func (c *Core) ingestLocked(ctx context.Context, sessionID string, st *sessionState, ev gateway.SandboxEvent) (pumpAfter bool, err error) {
	now := time.Now().UTC()

	if ev.Type == v1.EventTypeHeartbeat {
		if err := c.repo.UpdateSessionHeartbeat(ctx, sessionID, now); err != nil {
			return false, err
		}
		return false, nil
	}

	// Every substantive event counts as activity.
	defer func() {
		if uerr := c.repo.UpdateSessionActivity(ctx, sessionID, now); uerr != nil {
			c.logger.Warn("Failed to bump session activity", zap.Error(uerr))
		}
		c.resetInactivityLocked(sessionID, st)
	}()

	switch ev.Type {
	case v1.EventTypeReady:
		return c.handleReadyLocked(ctx, sessionID, st, ev)

	case v1.EventTypeToken:
		return false, c.handleCoalesced(ctx, sessionID, "token:", ev, now)

	case v1.EventTypeExecutionComplete:
		if err := c.handleCoalesced(ctx, sessionID, "exec:", ev, now); err != nil {
			return false, err
		}
		return c.completeProcessingLocked(ctx, sessionID, st, ev, now), nil

	case v1.EventTypePushComplete:
		if err := c.handlePushComplete(ctx, sessionID, ev, now); err != nil {
			return false, err
		}
		return false, nil

	default:
		record := newTimelineEvent(sessionID, ev.Type, eventPayload(ev), ev.MessageID)
		record.CreatedAt = now
		if err := c.repo.CreateEvent(ctx, record); err != nil {
			return false, err
		}
		c.broadcastEvent(sessionID, record)
		return false, nil
	}
}

// handleReadyLocked processes the bridge's ready announcement. A ready
// event is only honoured while its bridge is registered; a stale frame
// from a dying connection must not resurrect the session.
func (c *Core) handleReadyLocked(ctx context.Context, sessionID string, st *sessionState, ev gateway.SandboxEvent) (bool, error) {
	if !c.registry.HasSandbox(sessionID) {
		c.logger.Warn("Ignoring ready event without a registered bridge",
			zap.String("session_id", sessionID))
		return false, nil
	}

	if err := c.repo.UpdateSessionSandboxStatus(ctx, sessionID, v1.SandboxStatusReady); err != nil {
		return false, err
	}
	if agentID, ok := ev.Metadata["opencodeSessionId"].(string); ok && agentID != "" {
		if err := c.repo.UpdateSessionAgentSessionID(ctx, sessionID, agentID); err != nil {
			c.logger.Warn("Failed to record agent session id", zap.Error(err))
		}
	}

	c.registry.Broadcast(sessionID, gateway.SandboxStatusFrame{Type: gateway.FrameSandboxReady})
	c.publish(ctx, SubjectSandboxReady, map[string]interface{}{"session_id": sessionID})

	// The sandbox is able to take work now; dispatch any queued prompt.
	c.pumpLocked(ctx, sessionID, st)
	return false, nil
}

// handleCoalesced upserts an event under a synthetic per-message id so
// repeated token (or execution_complete) frames for one prompt collapse
// into a single timeline row holding the latest snapshot.
func (c *Core) handleCoalesced(ctx context.Context, sessionID, idPrefix string, ev gateway.SandboxEvent, now time.Time) error {
	record := newTimelineEvent(sessionID, ev.Type, eventPayload(ev), ev.MessageID)
	record.CreatedAt = now
	if ev.MessageID != nil && *ev.MessageID != "" {
		record.ID = idPrefix + *ev.MessageID
		if err := c.repo.UpsertEvent(ctx, record); err != nil {
			return err
		}
	} else if err := c.repo.CreateEvent(ctx, record); err != nil {
		return err
	}
	c.broadcastEvent(sessionID, record)
	return nil
}

// completeProcessingLocked finishes the in-flight message on
// execution_complete and reports whether the queue should be pumped.
func (c *Core) completeProcessingLocked(ctx context.Context, sessionID string, st *sessionState, ev gateway.SandboxEvent, now time.Time) bool {
	messageID := st.processingMessageID
	if messageID == "" {
		// Completion for a dispatch this process no longer tracks, e.g.
		// after a restart. The event is already persisted; nothing to do.
		return true
	}
	if ev.MessageID != nil && *ev.MessageID != "" && *ev.MessageID != messageID {
		c.logger.Warn("execution_complete for unexpected message",
			zap.String("session_id", sessionID),
			zap.String("expected", messageID),
			zap.String("got", *ev.MessageID))
	}

	success := ev.Success == nil || *ev.Success
	status := v1.MessageStatusCompleted
	if !success {
		status = v1.MessageStatusFailed
	}
	if err := c.repo.UpdateMessageCompletion(ctx, messageID, status); err != nil {
		c.logger.Error("Failed to complete message",
			zap.String("message_id", messageID),
			zap.Error(err))
	}
	st.processingMessageID = ""

	// The sandbox goes back to idling between dispatches.
	if err := c.repo.UpdateSessionSandboxStatus(ctx, sessionID, v1.SandboxStatusReady); err != nil {
		c.logger.Warn("Failed to restore sandbox ready status", zap.Error(err))
	}

	c.registry.Broadcast(sessionID, gateway.ProcessingStatusFrame{
		Type:         gateway.FrameProcessingStatus,
		IsProcessing: false,
	})
	c.logger.Info("Prompt execution finished",
		zap.String("session_id", sessionID),
		zap.String("message_id", messageID),
		zap.Bool("success", success))
	subject := SubjectMessageCompleted
	if !success {
		subject = SubjectMessageFailed
	}
	c.publish(ctx, subject, map[string]interface{}{
		"session_id": sessionID,
		"message_id": messageID,
	})
	return true
}

// handlePushComplete records the pushed branch on the session and as a
// durable artifact, alongside the timeline event.
func (c *Core) handlePushComplete(ctx context.Context, sessionID string, ev gateway.SandboxEvent, now time.Time) error {
	record := newTimelineEvent(sessionID, ev.Type, eventPayload(ev), ev.MessageID)
	record.CreatedAt = now
	if err := c.repo.CreateEvent(ctx, record); err != nil {
		return err
	}

	if branch, ok := ev.Metadata["branchName"].(string); ok && branch != "" {
		if err := c.repo.UpdateSessionBranch(ctx, sessionID, branch); err != nil {
			c.logger.Warn("Failed to record pushed branch", zap.Error(err))
		}
		metadata, _ := json.Marshal(map[string]string{"branch": branch})
		artifact := &v1.Artifact{
			SessionID: sessionID,
			Type:      v1.ArtifactTypeBranch,
			Metadata:  metadata,
			CreatedAt: now,
		}
		if err := c.repo.CreateArtifact(ctx, artifact); err != nil {
			c.logger.Warn("Failed to record branch artifact", zap.Error(err))
		}
	}

	c.broadcastEvent(sessionID, record)
	return nil
}

func (c *Core) broadcastEvent(sessionID string, record *v1.Event) {
	c.registry.Broadcast(sessionID, gateway.SandboxEventFrame{
		Type:  gateway.FrameSandboxEvent,
		Event: record,
	})
}

// eventPayload extracts the persistable payload of a bridge frame. Frames
// carrying a data body use it verbatim; otherwise the success flag and
// metadata are kept so nothing the bridge reported is lost.
func eventPayload(ev gateway.SandboxEvent) []byte {
	if len(ev.Data) > 0 {
		return ev.Data
	}
	if ev.Success == nil && len(ev.Metadata) == 0 {
		return nil
	}
	body := make(map[string]interface{}, 2)
	if ev.Success != nil {
		body["success"] = *ev.Success
	}
	if len(ev.Metadata) > 0 {
		body["metadata"] = ev.Metadata
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil
	}
	return data
}
