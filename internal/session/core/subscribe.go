package core

import (
	"context"

	"go.uber.org/zap"

	apperrors "github.com/coderelay/coderelay/internal/common/errors"
	"github.com/coderelay/coderelay/internal/gateway"
	"github.com/coderelay/coderelay/internal/session/repository"
	v1 "github.com/coderelay/coderelay/pkg/api/v1"
)

// HandleClientSubscribe attaches a client socket to a session and answers
// with a single subscribed frame: session summary plus the replay tail of
// the timeline. An unknown session id closes the socket.
func (c *Core) HandleClientSubscribe(ctx context.Context, sessionID string, conn gateway.Sender) {
	sess, err := c.repo.GetSession(ctx, sessionID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			conn.Send(gateway.ErrorFrame{
				Type:  gateway.FrameError,
				Code:  "not_found",
				Error: "session not found",
			})
			conn.Close(gateway.CloseSessionNotFound, "session not found")
			return
		}
		c.logger.Error("Failed to load session for subscribe",
			zap.String("session_id", sessionID),
			zap.Error(err))
		conn.Send(gateway.ErrorFrame{
			Type:  gateway.FrameError,
			Code:  "internal",
			Error: "failed to load session",
		})
		return
	}

	c.registry.RegisterClient(sessionID, conn)

	replay, hasMore, err := c.repo.GetEventsForReplay(ctx, sessionID, repository.DefaultReplayLimit)
	if err != nil {
		c.logger.Error("Failed to load replay tail",
			zap.String("session_id", sessionID),
			zap.Error(err))
		replay, hasMore = nil, false
	}
	var cursor *v1.EventCursor
	if len(replay) > 0 {
		oldest := replay[0]
		cursor = &v1.EventCursor{Timestamp: oldest.CreatedAt, ID: oldest.ID}
	}

	messageCount, err := c.repo.CountMessages(ctx, sessionID)
	if err != nil {
		c.logger.Warn("Failed to count messages", zap.Error(err))
	}

	frame := gateway.SubscribedFrame{
		Type: gateway.FrameSubscribed,
		Session: gateway.SessionSummary{
			ID:              sess.ID,
			Title:           sess.Title,
			DisplayName:     sess.DisplayName,
			Branch:          sess.Branch,
			Status:          sess.Status,
			SandboxStatus:   sess.SandboxStatus,
			MessageCount:    messageCount,
			Model:           sess.Model,
			ReasoningEffort: sess.ReasoningEffort,
			IsProcessing:    c.IsProcessing(sessionID),
		},
		Replay:  replay,
		HasMore: hasMore,
		Cursor:  cursor,
	}
	frame.LastSpawnError = sess.LastSpawnError
	if frame.Replay == nil {
		frame.Replay = []*v1.Event{}
	}
	conn.Send(frame)

	c.logger.Debug("Client subscribed",
		zap.String("session_id", sessionID),
		zap.Int("replay_events", len(replay)))
}

// HandleClientUnsubscribe detaches a client socket.
func (c *Core) HandleClientUnsubscribe(sessionID string, conn gateway.Sender) {
	c.registry.UnregisterClient(sessionID, conn)
}

// HandleFetchHistory sends the requesting client one page of events older
// than its cursor.
func (c *Core) HandleFetchHistory(ctx context.Context, sessionID string, conn gateway.Sender, cursor *v1.EventCursor, limit int) {
	if cursor == nil || cursor.ID == "" || cursor.Timestamp.IsZero() {
		conn.Send(gateway.ErrorFrame{
			Type:  gateway.FrameError,
			Code:  "bad_request",
			Error: "fetch_history requires a cursor",
		})
		return
	}

	page, err := c.repo.GetEventsHistoryPage(ctx, sessionID, *cursor, limit)
	if err != nil {
		c.logger.Error("Failed to load history page",
			zap.String("session_id", sessionID),
			zap.Error(err))
		conn.Send(gateway.ErrorFrame{
			Type:  gateway.FrameError,
			Code:  "internal",
			Error: "failed to load history",
		})
		return
	}

	if page.Items == nil {
		page.Items = []*v1.Event{}
	}
	conn.Send(gateway.HistoryPageFrame{
		Type:    gateway.FrameHistoryPage,
		Items:   page.Items,
		HasMore: page.HasMore,
		Cursor:  page.Cursor,
	})
}
