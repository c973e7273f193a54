package v1

import (
	"encoding/json"
	"time"
)

// SessionStatus represents the lifecycle status of a session
type SessionStatus string

const (
	SessionStatusCreated   SessionStatus = "created"
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusArchived  SessionStatus = "archived"
)

// SandboxStatus represents the status of a session's sandbox container
type SandboxStatus string

const (
	SandboxStatusPending  SandboxStatus = "pending"
	SandboxStatusSpawning SandboxStatus = "spawning"
	SandboxStatusWarming  SandboxStatus = "warming"
	SandboxStatusSyncing  SandboxStatus = "syncing"
	SandboxStatusReady    SandboxStatus = "ready"
	SandboxStatusRunning  SandboxStatus = "running"
	SandboxStatusStopped  SandboxStatus = "stopped"
	SandboxStatusFailed   SandboxStatus = "failed"
)

// MessageStatus represents the processing state of a prompt message
type MessageStatus string

const (
	MessageStatusPending    MessageStatus = "pending"
	MessageStatusProcessing MessageStatus = "processing"
	MessageStatusCompleted  MessageStatus = "completed"
	MessageStatusFailed     MessageStatus = "failed"
)

// Event type tags on the session timeline. token and execution_complete are
// coalesced per message; heartbeat is never persisted or replayed.
const (
	EventTypeUserMessage       = "user_message"
	EventTypeToken             = "token"
	EventTypeToolCall          = "tool_call"
	EventTypeStepStart         = "step_start"
	EventTypeStepFinish        = "step_finish"
	EventTypeExecutionComplete = "execution_complete"
	EventTypePushComplete      = "push_complete"
	EventTypeError             = "error"
	EventTypeGitSync           = "git_sync"
	EventTypeArtifact          = "artifact"
	EventTypeHeartbeat         = "heartbeat"
	EventTypeReady             = "ready"
)

// Artifact type tags
const (
	ArtifactTypePR         = "pr"
	ArtifactTypeBranch     = "branch"
	ArtifactTypeScreenshot = "screenshot"
	ArtifactTypePreview    = "preview"
)

// Session is the wire representation of a session record
type Session struct {
	ID                 string        `json:"id"`
	Title              string        `json:"title"`
	RepoPath           string        `json:"repoPath"`
	DisplayName        string        `json:"displayName"`
	BaseBranch         string        `json:"baseBranch"`
	Branch             *string       `json:"branch,omitempty"`
	Model              string        `json:"model"`
	ReasoningEffort    *string       `json:"reasoningEffort,omitempty"`
	Status             SessionStatus `json:"status"`
	SandboxStatus      SandboxStatus `json:"sandboxStatus"`
	ContainerID        *string       `json:"containerId,omitempty"`
	WorktreePath       *string       `json:"worktreePath,omitempty"`
	AgentSessionID     *string       `json:"agentSessionId,omitempty"`
	LastHeartbeat      *time.Time    `json:"lastHeartbeat,omitempty"`
	LastActivity       *time.Time    `json:"lastActivity,omitempty"`
	SpawnFailureCount  int           `json:"spawnFailureCount"`
	LastSpawnFailureAt *time.Time    `json:"lastSpawnFailureAt,omitempty"`
	LastSpawnError     *string       `json:"lastSpawnError,omitempty"`
	CreatedAt          time.Time     `json:"createdAt"`
	UpdatedAt          time.Time     `json:"updatedAt"`
}

// Message is the wire representation of a prompt message
type Message struct {
	ID              string          `json:"id"`
	SessionID       string          `json:"sessionId"`
	Content         string          `json:"content"`
	Source          string          `json:"source"`
	Model           *string         `json:"model,omitempty"`
	ReasoningEffort *string         `json:"reasoningEffort,omitempty"`
	Attachments     json.RawMessage `json:"attachments,omitempty"`
	Status          MessageStatus   `json:"status"`
	CreatedAt       time.Time       `json:"createdAt"`
	StartedAt       *time.Time      `json:"startedAt,omitempty"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`
}

// Event is the wire representation of a timeline event
type Event struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionId"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	MessageID *string         `json:"messageId,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Artifact is the wire representation of a durable agent output
type Artifact struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionId"`
	Type      string          `json:"type"`
	URL       *string         `json:"url,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// EventCursor identifies a position in the (created_at, id) event order.
// History pages return events strictly older than the cursor.
type EventCursor struct {
	Timestamp time.Time `json:"timestamp"`
	ID        string    `json:"id"`
}

// Repo describes a discovered host repository
type Repo struct {
	Path          string `json:"path"`
	Name          string `json:"name"`
	DefaultBranch string `json:"defaultBranch"`
}
