package gateway

import (
	"encoding/json"
	"time"

	v1 "github.com/coderelay/coderelay/pkg/api/v1"
)

// Frame type tags on the client channel.
const (
	FrameSubscribed       = "subscribed"
	FrameSandboxEvent     = "sandbox_event"
	FrameSandboxSpawning  = "sandbox_spawning"
	FrameSandboxReady     = "sandbox_ready"
	FrameSandboxError     = "sandbox_error"
	FrameProcessingStatus = "processing_status"
	FramePromptQueued     = "prompt_queued"
	FrameSessionStatus    = "session_status"
	FrameHistoryPage      = "history_page"
	FrameError            = "error"
	FramePong             = "pong"
)

// ClientFrame is any frame a client sends over its WebSocket.
type ClientFrame struct {
	Type            string          `json:"type"`
	Content         string          `json:"content,omitempty"`
	Model           *string         `json:"model,omitempty"`
	ReasoningEffort *string         `json:"reasoningEffort,omitempty"`
	Attachments     json.RawMessage `json:"attachments,omitempty"`
	Cursor          *v1.EventCursor `json:"cursor,omitempty"`
	Limit           int             `json:"limit,omitempty"`
}

// SandboxEvent is any frame the bridge sends from inside the sandbox.
// MessageID ties tokenized output back to the originating prompt.
type SandboxEvent struct {
	Type      string                 `json:"type"`
	MessageID *string                `json:"messageId,omitempty"`
	Data      json.RawMessage        `json:"data,omitempty"`
	Success   *bool                  `json:"success,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// SessionSummary is the session state block inside a subscribed frame.
type SessionSummary struct {
	ID              string           `json:"id"`
	Title           string           `json:"title"`
	DisplayName     string           `json:"displayName"`
	Branch          *string          `json:"branch,omitempty"`
	Status          v1.SessionStatus `json:"status"`
	SandboxStatus   v1.SandboxStatus `json:"sandboxStatus"`
	MessageCount    int              `json:"messageCount"`
	Model           string           `json:"model"`
	ReasoningEffort *string          `json:"reasoningEffort,omitempty"`
	IsProcessing    bool             `json:"isProcessing"`
}

// SubscribedFrame is the single envelope sent in response to a subscribe:
// the session summary plus the replay tail of the event timeline.
type SubscribedFrame struct {
	Type           string          `json:"type"`
	Session        SessionSummary  `json:"session"`
	Replay         []*v1.Event     `json:"replay"`
	HasMore        bool            `json:"hasMore"`
	Cursor         *v1.EventCursor `json:"cursor,omitempty"`
	LastSpawnError *string         `json:"lastSpawnError,omitempty"`
}

// HistoryPageFrame carries one page of events older than the request cursor.
type HistoryPageFrame struct {
	Type    string          `json:"type"`
	Items   []*v1.Event     `json:"items"`
	HasMore bool            `json:"hasMore"`
	Cursor  *v1.EventCursor `json:"cursor,omitempty"`
}

// SandboxEventFrame relays one persisted timeline event to clients.
type SandboxEventFrame struct {
	Type  string    `json:"type"`
	Event *v1.Event `json:"event"`
}

// ProcessingStatusFrame tells clients whether a prompt is being processed.
type ProcessingStatusFrame struct {
	Type         string `json:"type"`
	IsProcessing bool   `json:"isProcessing"`
}

// PromptQueuedFrame acknowledges a queued prompt.
type PromptQueuedFrame struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	Position  int    `json:"position"`
}

// SessionStatusFrame announces a lifecycle status change.
type SessionStatusFrame struct {
	Type   string           `json:"type"`
	Status v1.SessionStatus `json:"status"`
}

// SandboxStatusFrame carries sandbox_spawning and sandbox_ready.
type SandboxStatusFrame struct {
	Type string `json:"type"`
}

// SandboxErrorFrame reports a spawn or supervision failure.
type SandboxErrorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// ErrorFrame reports a request error on the WebSocket channel.
type ErrorFrame struct {
	Type  string `json:"type"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

// PongFrame answers a client ping.
type PongFrame struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// Author identifies who issued a prompt, forwarded to the agent.
type Author struct {
	Name   string `json:"name"`
	Source string `json:"source"`
}

// PromptFrame is the dispatch frame sent to the sandbox bridge.
type PromptFrame struct {
	Type            string          `json:"type"`
	MessageID       string          `json:"messageId"`
	Content         string          `json:"content"`
	Model           string          `json:"model"`
	ReasoningEffort string          `json:"reasoningEffort,omitempty"`
	Author          Author          `json:"author"`
	Attachments     json.RawMessage `json:"attachments,omitempty"`
}

// StopFrame asks the bridge to cancel the running prompt.
type StopFrame struct {
	Type string `json:"type"`
}
