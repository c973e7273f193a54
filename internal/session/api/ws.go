package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/gateway"
	"github.com/coderelay/coderelay/internal/session/core"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The control plane binds to localhost or sits behind a trusted
	// proxy; sandbox bridges dial with no Origin header at all.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WebSocket is the per-session live channel. Browsers and other clients
// attach plainly; the sandbox bridge attaches with ?type=sandbox.
// GET /ws/sessions/:sessionId
func (h *Handler) WebSocket(c *gin.Context) {
	sessionID := c.Param("sessionId")

	socket, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return
	}

	conn := gateway.NewConn(socket, h.logger)
	go conn.WritePump()

	if c.Query("type") == "sandbox" {
		h.serveBridge(sessionID, conn)
		return
	}
	h.serveClient(c.Request.Context(), sessionID, conn)
}

// serveBridge runs the sandbox side of the channel: every frame is an
// event to ingest.
func (h *Handler) serveBridge(sessionID string, conn *gateway.Conn) {
	h.core.RegisterBridge(context.Background(), sessionID, conn)

	conn.ReadPump(
		func(raw []byte) {
			var ev gateway.SandboxEvent
			if err := json.Unmarshal(raw, &ev); err != nil {
				h.logger.Warn("Dropping malformed bridge frame",
					zap.String("session_id", sessionID),
					zap.Error(err))
				return
			}
			if err := h.core.HandleSandboxEvent(context.Background(), sessionID, ev); err != nil {
				h.logger.Error("Failed to ingest sandbox event",
					zap.String("session_id", sessionID),
					zap.String("event_type", ev.Type),
					zap.Error(err))
			}
		},
		func() {
			h.core.UnregisterBridge(sessionID, conn)
		},
	)
}

// serveClient runs the client side of the channel. The subscribed frame
// goes out immediately; afterwards the client may prompt, stop, page
// history or ping.
func (h *Handler) serveClient(ctx context.Context, sessionID string, conn *gateway.Conn) {
	h.core.HandleClientSubscribe(ctx, sessionID, conn)

	conn.ReadPump(
		func(raw []byte) {
			var frame gateway.ClientFrame
			if err := json.Unmarshal(raw, &frame); err != nil {
				conn.Send(gateway.ErrorFrame{
					Type:  gateway.FrameError,
					Code:  "bad_request",
					Error: "malformed frame",
				})
				return
			}
			h.dispatchClientFrame(sessionID, conn, frame)
		},
		func() {
			h.core.HandleClientUnsubscribe(sessionID, conn)
		},
	)
}

func (h *Handler) dispatchClientFrame(sessionID string, conn *gateway.Conn, frame gateway.ClientFrame) {
	ctx := context.Background()

	switch frame.Type {
	case "ping":
		conn.Send(gateway.PongFrame{Type: gateway.FramePong, Timestamp: time.Now().UTC()})

	case "subscribe":
		// Already subscribed on connect; re-send the snapshot.
		h.core.HandleClientSubscribe(ctx, sessionID, conn)

	case "prompt":
		_, err := h.core.HandleClientPrompt(ctx, sessionID, core.PromptRequest{
			Content:         frame.Content,
			Source:          "web",
			Model:           frame.Model,
			ReasoningEffort: frame.ReasoningEffort,
			Attachments:     frame.Attachments,
		})
		if err != nil {
			conn.Send(gateway.ErrorFrame{
				Type:  gateway.FrameError,
				Code:  "bad_request",
				Error: err.Error(),
			})
		}

	case "stop":
		if err := h.core.HandleStopExecution(ctx, sessionID); err != nil {
			h.logger.Error("Failed to stop execution",
				zap.String("session_id", sessionID),
				zap.Error(err))
		}

	case "fetch_history":
		h.core.HandleFetchHistory(ctx, sessionID, conn, frame.Cursor, frame.Limit)

	default:
		// Unknown frame types are ignored so older servers tolerate
		// newer clients.
		h.logger.Debug("Ignoring unknown client frame",
			zap.String("session_id", sessionID),
			zap.String("type", frame.Type))
	}
}
