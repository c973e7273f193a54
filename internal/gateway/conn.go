// Package gateway holds the live WebSocket state of the control plane:
// one connection wrapper and the per-session registry of client sockets
// and the sandbox bridge.
package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/common/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024 * 1024 // bridges stream large token frames
	sendBuffer     = 256
)

// Conn wraps a WebSocket connection with a buffered outbound queue. Writes
// go through WritePump; Send never blocks the caller.
type Conn struct {
	socket    *websocket.Conn
	send      chan []byte
	logger    *logger.Logger
	closeOnce sync.Once
	done      chan struct{}
}

// NewConn wraps an upgraded WebSocket connection.
func NewConn(socket *websocket.Conn, log *logger.Logger) *Conn {
	return &Conn{
		socket: socket,
		send:   make(chan []byte, sendBuffer),
		logger: log,
		done:   make(chan struct{}),
	}
}

// Send marshals v and enqueues it. It returns false when the connection is
// closed or the outbound queue is full; the caller decides whether a full
// queue means the peer is too slow to keep.
func (c *Conn) Send(v interface{}) bool {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("Failed to marshal frame", zap.Error(err))
		return false
	}

	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Close sends a close frame with the given status and tears the
// connection down. Safe to call multiple times.
func (c *Conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(writeWait)
		_ = c.socket.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), deadline)
		close(c.done)
		_ = c.socket.Close()
	})
}

// ReadPump reads frames from the socket and hands them to onMessage until
// the connection dies, then calls onClose exactly once. Run it on the
// handler's goroutine.
func (c *Conn) ReadPump(onMessage func([]byte), onClose func()) {
	defer func() {
		onClose()
		c.Close(websocket.CloseNormalClosure, "")
	}()

	c.socket.SetReadLimit(maxMessageSize)
	_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		return c.socket.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}
		onMessage(message)
	}
}

// WritePump drains the outbound queue onto the socket and keeps the
// connection alive with pings. Run it on its own goroutine.
func (c *Conn) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close(websocket.CloseNormalClosure, "")
	}()

	for {
		select {
		case <-c.done:
			return

		case message := <-c.send:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
