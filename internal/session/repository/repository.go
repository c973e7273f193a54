// Package repository provides durable storage for sessions, messages,
// events, artifacts, settings and secrets. The repository is the only
// writer to the store.
package repository

import (
	"context"
	"time"

	"github.com/coderelay/coderelay/internal/session/models"
	v1 "github.com/coderelay/coderelay/pkg/api/v1"
)

// DefaultReplayLimit bounds the event tail sent to a fresh subscriber.
const DefaultReplayLimit = 500

// SessionPage is one page of sessions ordered by updated_at descending.
// Cursor is the updated_at of the last item, for fetching the next page.
type SessionPage struct {
	Items   []*v1.Session `json:"items"`
	HasMore bool          `json:"hasMore"`
	Cursor  *time.Time    `json:"cursor,omitempty"`
}

// MessagePage is one page of messages ordered by created_at ascending.
type MessagePage struct {
	Items   []*v1.Message `json:"items"`
	HasMore bool          `json:"hasMore"`
	Cursor  *time.Time    `json:"cursor,omitempty"`
}

// EventPage is one page of non-heartbeat events in ascending
// (created_at, id) order. Cursor points at the oldest item so the next
// page continues further into the past.
type EventPage struct {
	Items   []*v1.Event     `json:"items"`
	HasMore bool            `json:"hasMore"`
	Cursor  *v1.EventCursor `json:"cursor,omitempty"`
}

// Repository defines storage operations for the session manager
type Repository interface {
	// Session operations
	CreateSession(ctx context.Context, session *v1.Session) error
	GetSession(ctx context.Context, id string) (*v1.Session, error)
	ListSessions(ctx context.Context, status *v1.SessionStatus, limit int, cursor *time.Time) (*SessionPage, error)
	UpdateSessionStatus(ctx context.Context, id string, status v1.SessionStatus) error
	UpdateSessionSandboxStatus(ctx context.Context, id string, status v1.SandboxStatus) error
	UpdateSessionContainer(ctx context.Context, id string, containerID, worktreePath *string) error
	UpdateSessionBranch(ctx context.Context, id string, branch string) error
	UpdateSessionModel(ctx context.Context, id string, model string) error
	UpdateSessionHeartbeat(ctx context.Context, id string, at time.Time) error
	UpdateSessionActivity(ctx context.Context, id string, at time.Time) error
	UpdateSessionAgentSessionID(ctx context.Context, id string, agentSessionID string) error
	IncrementSpawnFailures(ctx context.Context, id string, lastError string, at time.Time) error
	ResetSpawnFailures(ctx context.Context, id string) error
	DeleteSession(ctx context.Context, id string) error

	// Message operations
	CreateMessage(ctx context.Context, message *v1.Message) error
	GetMessage(ctx context.Context, id string) (*v1.Message, error)
	// GetNextPendingMessage returns the oldest pending message, or nil
	// when the queue is empty.
	GetNextPendingMessage(ctx context.Context, sessionID string) (*v1.Message, error)
	// GetProcessingMessage returns the unique processing message, or nil.
	GetProcessingMessage(ctx context.Context, sessionID string) (*v1.Message, error)
	UpdateMessageToProcessing(ctx context.Context, id string) error
	UpdateMessageCompletion(ctx context.Context, id string, status v1.MessageStatus) error
	ListMessages(ctx context.Context, sessionID string, limit int, cursor *time.Time) (*MessagePage, error)
	CountMessages(ctx context.Context, sessionID string) (int, error)

	// Event operations
	CreateEvent(ctx context.Context, event *v1.Event) error
	// UpsertEvent inserts or, on an id collision, replaces data,
	// message_id and created_at. Used for coalesced token and
	// execution_complete events.
	UpsertEvent(ctx context.Context, event *v1.Event) error
	// GetEventsForReplay returns the most recent limit non-heartbeat
	// events in ascending (created_at, id) order. hasMore is true iff a
	// full page was returned.
	GetEventsForReplay(ctx context.Context, sessionID string, limit int) ([]*v1.Event, bool, error)
	// GetEventsHistoryPage returns non-heartbeat events strictly older
	// than the cursor, ascending, newest limit of them.
	GetEventsHistoryPage(ctx context.Context, sessionID string, cursor v1.EventCursor, limit int) (*EventPage, error)
	ListEvents(ctx context.Context, sessionID string, eventType string, limit int) ([]*v1.Event, error)

	// Artifact operations
	CreateArtifact(ctx context.Context, artifact *v1.Artifact) error
	ListArtifacts(ctx context.Context, sessionID string) ([]*v1.Artifact, error)

	// Settings operations
	GetSetting(ctx context.Context, key string) (*models.Setting, error)
	SetSetting(ctx context.Context, key, value string) error
	ListSettings(ctx context.Context) ([]*models.Setting, error)

	// Secret operations
	UpsertSecret(ctx context.Context, secret *models.Secret) error
	GetSecret(ctx context.Context, key, scope string) (*models.Secret, error)
	ListSecrets(ctx context.Context, scope string) ([]*models.Secret, error)
	DeleteSecret(ctx context.Context, key, scope string) error
	// ResolveSecrets flattens global secrets overlaid by the given scope
	// into an env-var map.
	ResolveSecrets(ctx context.Context, scope string) (map[string]string, error)

	Close() error
}
