package api

import (
	"encoding/json"
	"time"

	"github.com/coderelay/coderelay/internal/session/repository"
	v1 "github.com/coderelay/coderelay/pkg/api/v1"
)

// CreateSessionRequest is the request body for creating a session
type CreateSessionRequest struct {
	Title           string  `json:"title"`
	RepoPath        string  `json:"repoPath" binding:"required"`
	BaseBranch      string  `json:"baseBranch"`
	Model           string  `json:"model"`
	ReasoningEffort *string `json:"reasoningEffort"`
}

// PromptRequest is the request body for enqueueing a prompt
type PromptRequest struct {
	Content         string          `json:"content" binding:"required"`
	Source          string          `json:"source"`
	Model           *string         `json:"model"`
	ReasoningEffort *string         `json:"reasoningEffort"`
	Attachments     json.RawMessage `json:"attachments"`
}

// PromptResponse acknowledges a queued prompt
type PromptResponse struct {
	MessageID string           `json:"messageId"`
	Status    v1.MessageStatus `json:"status"`
}

// SetSettingRequest is the request body for storing a setting
type SetSettingRequest struct {
	Value string `json:"value" binding:"required"`
}

// SetSecretRequest is the request body for storing a secret
type SetSecretRequest struct {
	Value string `json:"value" binding:"required"`
}

// SecretResponse describes a stored secret without revealing its value
type SecretResponse struct {
	Key       string    `json:"key"`
	Scope     string    `json:"scope"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// LogsResponse carries a tail of sandbox container output
type LogsResponse struct {
	Logs string `json:"logs"`
}

// SessionListResponse is one page of sessions
type SessionListResponse = repository.SessionPage

// MessageListResponse is one page of messages
type MessageListResponse = repository.MessagePage
