package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	apperrors "github.com/coderelay/coderelay/internal/common/errors"
	"github.com/coderelay/coderelay/internal/session/models"
	v1 "github.com/coderelay/coderelay/pkg/api/v1"
)

// SQLiteRepository provides SQLite-based session storage operations
type SQLiteRepository struct {
	db *sql.DB
}

// Ensure SQLiteRepository implements Repository interface
var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository creates a new SQLite repository
func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	repo := &SQLiteRepository{db: db}

	if err := repo.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return repo, nil
}

// initSchema creates the database tables if they don't exist
func (r *SQLiteRepository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		repo_path TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		base_branch TEXT NOT NULL DEFAULT 'main',
		branch TEXT,
		model TEXT NOT NULL DEFAULT '',
		reasoning_effort TEXT,
		status TEXT NOT NULL DEFAULT 'created',
		sandbox_status TEXT NOT NULL DEFAULT 'pending',
		container_id TEXT,
		worktree_path TEXT,
		agent_session_id TEXT,
		last_heartbeat DATETIME,
		last_activity DATETIME,
		spawn_failure_count INTEGER NOT NULL DEFAULT 0,
		last_spawn_failure_at DATETIME,
		last_spawn_error TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		content TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT 'user',
		model TEXT,
		reasoning_effort TEXT,
		attachments TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		type TEXT NOT NULL,
		data TEXT NOT NULL DEFAULT '{}',
		message_id TEXT,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		type TEXT NOT NULL,
		url TEXT,
		metadata TEXT,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS secrets (
		key TEXT NOT NULL,
		scope TEXT NOT NULL,
		value TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (key, scope)
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions(updated_at);
	CREATE INDEX IF NOT EXISTS idx_messages_session_status ON messages(session_id, status);
	CREATE INDEX IF NOT EXISTS idx_messages_session_created ON messages(session_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_events_session_order ON events(session_id, created_at, id);
	CREATE INDEX IF NOT EXISTS idx_events_session_type ON events(session_id, type);
	CREATE INDEX IF NOT EXISTS idx_artifacts_session ON artifacts(session_id);
	CREATE INDEX IF NOT EXISTS idx_secrets_scope ON secrets(scope);
	`

	_, err := r.db.Exec(schema)
	return err
}

// Close closes the database connection
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// Session operations

const sessionColumns = `id, title, repo_path, display_name, base_branch, branch, model, reasoning_effort,
	status, sandbox_status, container_id, worktree_path, agent_session_id,
	last_heartbeat, last_activity, spawn_failure_count, last_spawn_failure_at, last_spawn_error,
	created_at, updated_at`

// CreateSession inserts a new session with status=created and
// sandbox_status=pending.
func (r *SQLiteRepository) CreateSession(ctx context.Context, session *v1.Session) error {
	if session.ID == "" {
		session.ID = models.NewID()
	}
	now := time.Now().UTC()
	session.CreatedAt = now
	session.UpdatedAt = now
	if session.Status == "" {
		session.Status = v1.SessionStatusCreated
	}
	if session.SandboxStatus == "" {
		session.SandboxStatus = v1.SandboxStatusPending
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, title, repo_path, display_name, base_branch, branch, model, reasoning_effort,
			status, sandbox_status, container_id, worktree_path, agent_session_id,
			last_heartbeat, last_activity, spawn_failure_count, last_spawn_failure_at, last_spawn_error,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, session.ID, session.Title, session.RepoPath, session.DisplayName, session.BaseBranch, session.Branch,
		session.Model, session.ReasoningEffort, session.Status, session.SandboxStatus,
		session.ContainerID, session.WorktreePath, session.AgentSessionID,
		session.LastHeartbeat, session.LastActivity, session.SpawnFailureCount,
		session.LastSpawnFailureAt, session.LastSpawnError, session.CreatedAt, session.UpdatedAt)

	return err
}

func scanSession(row interface {
	Scan(dest ...interface{}) error
}) (*v1.Session, error) {
	session := &v1.Session{}
	err := row.Scan(&session.ID, &session.Title, &session.RepoPath, &session.DisplayName, &session.BaseBranch,
		&session.Branch, &session.Model, &session.ReasoningEffort, &session.Status, &session.SandboxStatus,
		&session.ContainerID, &session.WorktreePath, &session.AgentSessionID,
		&session.LastHeartbeat, &session.LastActivity, &session.SpawnFailureCount,
		&session.LastSpawnFailureAt, &session.LastSpawnError, &session.CreatedAt, &session.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return session, nil
}

// GetSession retrieves a session by ID
func (r *SQLiteRepository) GetSession(ctx context.Context, id string) (*v1.Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("session", id)
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// ListSessions returns sessions ordered by updated_at descending, keyset
// paginated on updated_at.
func (r *SQLiteRepository) ListSessions(ctx context.Context, status *v1.SessionStatus, limit int, cursor *time.Time) (*SessionPage, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1=1`
	args := []interface{}{}
	if status != nil {
		query += ` AND status = ?`
		args = append(args, *status)
	}
	if cursor != nil {
		query += ` AND updated_at < ?`
		args = append(args, cursor.UTC())
	}
	query += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*v1.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, session)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	page := &SessionPage{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		page.HasMore = true
	}
	if len(page.Items) > 0 {
		last := page.Items[len(page.Items)-1].UpdatedAt
		page.Cursor = &last
	}
	return page, nil
}

// updateSessionField runs a single-field update that also bumps updated_at
func (r *SQLiteRepository) updateSessionField(ctx context.Context, id, setClause string, args ...interface{}) error {
	query := `UPDATE sessions SET ` + setClause + `, updated_at = ? WHERE id = ?`
	args = append(args, time.Now().UTC(), id)

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("session", id)
	}
	return nil
}

// UpdateSessionStatus updates the lifecycle status of a session
func (r *SQLiteRepository) UpdateSessionStatus(ctx context.Context, id string, status v1.SessionStatus) error {
	return r.updateSessionField(ctx, id, `status = ?`, status)
}

// UpdateSessionSandboxStatus updates the sandbox status of a session
func (r *SQLiteRepository) UpdateSessionSandboxStatus(ctx context.Context, id string, status v1.SandboxStatus) error {
	return r.updateSessionField(ctx, id, `sandbox_status = ?`, status)
}

// UpdateSessionContainer sets the container handle and worktree path as a pair
func (r *SQLiteRepository) UpdateSessionContainer(ctx context.Context, id string, containerID, worktreePath *string) error {
	return r.updateSessionField(ctx, id, `container_id = ?, worktree_path = ?`, containerID, worktreePath)
}

// UpdateSessionBranch sets the derived branch name
func (r *SQLiteRepository) UpdateSessionBranch(ctx context.Context, id string, branch string) error {
	return r.updateSessionField(ctx, id, `branch = ?`, branch)
}

// UpdateSessionModel sets the session's default model
func (r *SQLiteRepository) UpdateSessionModel(ctx context.Context, id string, model string) error {
	return r.updateSessionField(ctx, id, `model = ?`, model)
}

// UpdateSessionHeartbeat records the time of the last bridge heartbeat
func (r *SQLiteRepository) UpdateSessionHeartbeat(ctx context.Context, id string, at time.Time) error {
	return r.updateSessionField(ctx, id, `last_heartbeat = ?`, at.UTC())
}

// UpdateSessionActivity records the time of the last non-heartbeat activity
func (r *SQLiteRepository) UpdateSessionActivity(ctx context.Context, id string, at time.Time) error {
	return r.updateSessionField(ctx, id, `last_activity = ?`, at.UTC())
}

// UpdateSessionAgentSessionID records the agent's internal session handle
func (r *SQLiteRepository) UpdateSessionAgentSessionID(ctx context.Context, id string, agentSessionID string) error {
	return r.updateSessionField(ctx, id, `agent_session_id = ?`, agentSessionID)
}

// IncrementSpawnFailures bumps the spawn failure counter and records the error
func (r *SQLiteRepository) IncrementSpawnFailures(ctx context.Context, id string, lastError string, at time.Time) error {
	return r.updateSessionField(ctx, id,
		`spawn_failure_count = spawn_failure_count + 1, last_spawn_failure_at = ?, last_spawn_error = ?`,
		at.UTC(), lastError)
}

// ResetSpawnFailures clears the spawn failure counter and the last error
func (r *SQLiteRepository) ResetSpawnFailures(ctx context.Context, id string) error {
	return r.updateSessionField(ctx, id,
		`spawn_failure_count = 0, last_spawn_failure_at = NULL, last_spawn_error = NULL`)
}

// DeleteSession deletes a session; messages, events and artifacts cascade
func (r *SQLiteRepository) DeleteSession(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("session", id)
	}
	return nil
}

// Message operations

const messageColumns = `id, session_id, content, source, model, reasoning_effort, attachments, status, created_at, started_at, completed_at`

// CreateMessage inserts a new pending message
func (r *SQLiteRepository) CreateMessage(ctx context.Context, message *v1.Message) error {
	if message.ID == "" {
		message.ID = models.NewID()
	}
	if message.Status == "" {
		message.Status = v1.MessageStatusPending
	}
	if message.Source == "" {
		message.Source = "user"
	}
	message.CreatedAt = time.Now().UTC()

	var attachments *string
	if len(message.Attachments) > 0 {
		s := string(message.Attachments)
		attachments = &s
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, content, source, model, reasoning_effort, attachments, status, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, message.ID, message.SessionID, message.Content, message.Source, message.Model, message.ReasoningEffort,
		attachments, message.Status, message.CreatedAt, message.StartedAt, message.CompletedAt)

	return err
}

func scanMessage(row interface {
	Scan(dest ...interface{}) error
}) (*v1.Message, error) {
	message := &v1.Message{}
	var attachments sql.NullString
	err := row.Scan(&message.ID, &message.SessionID, &message.Content, &message.Source,
		&message.Model, &message.ReasoningEffort, &attachments, &message.Status,
		&message.CreatedAt, &message.StartedAt, &message.CompletedAt)
	if err != nil {
		return nil, err
	}
	if attachments.Valid {
		message.Attachments = []byte(attachments.String)
	}
	return message, nil
}

// GetMessage retrieves a message by ID
func (r *SQLiteRepository) GetMessage(ctx context.Context, id string) (*v1.Message, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	message, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("message", id)
	}
	if err != nil {
		return nil, err
	}
	return message, nil
}

// GetNextPendingMessage returns the oldest pending message for a session,
// or nil when the queue is empty
func (r *SQLiteRepository) GetNextPendingMessage(ctx context.Context, sessionID string) (*v1.Message, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE session_id = ? AND status = ?
		ORDER BY created_at ASC, id ASC LIMIT 1
	`, sessionID, v1.MessageStatusPending)

	message, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return message, nil
}

// GetProcessingMessage returns the processing message for a session, or nil
func (r *SQLiteRepository) GetProcessingMessage(ctx context.Context, sessionID string) (*v1.Message, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE session_id = ? AND status = ? LIMIT 1
	`, sessionID, v1.MessageStatusProcessing)

	message, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return message, nil
}

// UpdateMessageToProcessing marks a message processing and stamps started_at
func (r *SQLiteRepository) UpdateMessageToProcessing(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE messages SET status = ?, started_at = ? WHERE id = ?
	`, v1.MessageStatusProcessing, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("message", id)
	}
	return nil
}

// UpdateMessageCompletion marks a message terminal and stamps completed_at
func (r *SQLiteRepository) UpdateMessageCompletion(ctx context.Context, id string, status v1.MessageStatus) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE messages SET status = ?, completed_at = ? WHERE id = ?
	`, status, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("message", id)
	}
	return nil
}

// ListMessages returns messages ordered by created_at ascending
func (r *SQLiteRepository) ListMessages(ctx context.Context, sessionID string, limit int, cursor *time.Time) (*MessagePage, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + messageColumns + ` FROM messages WHERE session_id = ?`
	args := []interface{}{sessionID}
	if cursor != nil {
		query += ` AND created_at > ?`
		args = append(args, cursor.UTC())
	}
	query += ` ORDER BY created_at ASC, id ASC LIMIT ?`
	args = append(args, limit+1)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*v1.Message
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, message)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	page := &MessagePage{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		page.HasMore = true
	}
	if len(page.Items) > 0 {
		last := page.Items[len(page.Items)-1].CreatedAt
		page.Cursor = &last
	}
	return page, nil
}

// CountMessages returns the number of messages for a session
func (r *SQLiteRepository) CountMessages(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&count)
	return count, err
}

// Event operations

const eventColumns = `id, session_id, type, data, message_id, created_at`

func eventInsertArgs(event *v1.Event) []interface{} {
	data := "{}"
	if len(event.Data) > 0 {
		data = string(event.Data)
	}
	return []interface{}{event.ID, event.SessionID, event.Type, data, event.MessageID, event.CreatedAt}
}

// CreateEvent inserts a new event
func (r *SQLiteRepository) CreateEvent(ctx context.Context, event *v1.Event) error {
	if event.ID == "" {
		event.ID = models.NewID()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO events (id, session_id, type, data, message_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, eventInsertArgs(event)...)

	return err
}

// UpsertEvent inserts an event or replaces data, message_id and created_at
// when the id already exists. Coalesced token and execution_complete events
// use stable synthetic ids so the last write wins.
func (r *SQLiteRepository) UpsertEvent(ctx context.Context, event *v1.Event) error {
	if event.ID == "" {
		event.ID = models.NewID()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO events (id, session_id, type, data, message_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			data = excluded.data,
			message_id = excluded.message_id,
			created_at = excluded.created_at
	`, eventInsertArgs(event)...)

	return err
}

func scanEvent(row interface {
	Scan(dest ...interface{}) error
}) (*v1.Event, error) {
	event := &v1.Event{}
	var data string
	err := row.Scan(&event.ID, &event.SessionID, &event.Type, &data, &event.MessageID, &event.CreatedAt)
	if err != nil {
		return nil, err
	}
	event.Data = []byte(data)
	return event, nil
}

// GetEventsForReplay returns the newest limit non-heartbeat events in
// ascending (created_at, id) order. hasMore is true iff a full page was
// returned.
func (r *SQLiteRepository) GetEventsForReplay(ctx context.Context, sessionID string, limit int) ([]*v1.Event, bool, error) {
	if limit <= 0 || limit > DefaultReplayLimit {
		limit = DefaultReplayLimit
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE session_id = ? AND type != ?
		ORDER BY created_at DESC, id DESC LIMIT ?
	`, sessionID, v1.EventTypeHeartbeat, limit)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	var items []*v1.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, false, err
		}
		items = append(items, event)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	// Query order is newest-first; reverse to ascending for replay
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}

	return items, len(items) == limit, nil
}

// GetEventsHistoryPage returns non-heartbeat events strictly older than the
// cursor in (created_at, id) order, ascending, newest limit of them
func (r *SQLiteRepository) GetEventsHistoryPage(ctx context.Context, sessionID string, cursor v1.EventCursor, limit int) (*EventPage, error) {
	if limit <= 0 || limit > DefaultReplayLimit {
		limit = DefaultReplayLimit
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE session_id = ? AND type != ?
		  AND (created_at < ? OR (created_at = ? AND id < ?))
		ORDER BY created_at DESC, id DESC LIMIT ?
	`, sessionID, v1.EventTypeHeartbeat, cursor.Timestamp.UTC(), cursor.Timestamp.UTC(), cursor.ID, limit+1)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*v1.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	page := &EventPage{}
	if len(items) > limit {
		items = items[:limit]
		page.HasMore = true
	}

	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	page.Items = items

	if len(items) > 0 {
		oldest := items[0]
		page.Cursor = &v1.EventCursor{Timestamp: oldest.CreatedAt, ID: oldest.ID}
	}
	return page, nil
}

// ListEvents returns events for a session, optionally filtered by type
func (r *SQLiteRepository) ListEvents(ctx context.Context, sessionID string, eventType string, limit int) ([]*v1.Event, error) {
	if limit <= 0 {
		limit = DefaultReplayLimit
	}

	query := `SELECT ` + eventColumns + ` FROM events WHERE session_id = ? AND type != ?`
	args := []interface{}{sessionID, v1.EventTypeHeartbeat}
	if eventType != "" {
		query += ` AND type = ?`
		args = append(args, eventType)
	}
	query += ` ORDER BY created_at ASC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*v1.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, event)
	}
	return items, rows.Err()
}

// Artifact operations

// CreateArtifact inserts a new artifact
func (r *SQLiteRepository) CreateArtifact(ctx context.Context, artifact *v1.Artifact) error {
	if artifact.ID == "" {
		artifact.ID = models.NewID()
	}
	artifact.CreatedAt = time.Now().UTC()

	var metadata *string
	if len(artifact.Metadata) > 0 {
		s := string(artifact.Metadata)
		metadata = &s
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO artifacts (id, session_id, type, url, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, artifact.ID, artifact.SessionID, artifact.Type, artifact.URL, metadata, artifact.CreatedAt)

	return err
}

// ListArtifacts returns all artifacts for a session, oldest first
func (r *SQLiteRepository) ListArtifacts(ctx context.Context, sessionID string) ([]*v1.Artifact, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, type, url, metadata, created_at
		FROM artifacts WHERE session_id = ? ORDER BY created_at ASC, id ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*v1.Artifact
	for rows.Next() {
		artifact := &v1.Artifact{}
		var metadata sql.NullString
		err := rows.Scan(&artifact.ID, &artifact.SessionID, &artifact.Type, &artifact.URL, &metadata, &artifact.CreatedAt)
		if err != nil {
			return nil, err
		}
		if metadata.Valid {
			artifact.Metadata = []byte(metadata.String)
		}
		items = append(items, artifact)
	}
	return items, rows.Err()
}

// Settings operations

// GetSetting retrieves a setting by key
func (r *SQLiteRepository) GetSetting(ctx context.Context, key string) (*models.Setting, error) {
	setting := &models.Setting{}
	err := r.db.QueryRowContext(ctx, `
		SELECT key, value, updated_at FROM settings WHERE key = ?
	`, key).Scan(&setting.Key, &setting.Value, &setting.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("setting", key)
	}
	if err != nil {
		return nil, err
	}
	return setting, nil
}

// SetSetting creates or replaces a setting
func (r *SQLiteRepository) SetSetting(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UTC())
	return err
}

// ListSettings returns all settings
func (r *SQLiteRepository) ListSettings(ctx context.Context) ([]*models.Setting, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT key, value, updated_at FROM settings ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*models.Setting
	for rows.Next() {
		setting := &models.Setting{}
		if err := rows.Scan(&setting.Key, &setting.Value, &setting.UpdatedAt); err != nil {
			return nil, err
		}
		items = append(items, setting)
	}
	return items, rows.Err()
}

// Secret operations

// UpsertSecret creates or replaces a secret keyed by (key, scope)
func (r *SQLiteRepository) UpsertSecret(ctx context.Context, secret *models.Secret) error {
	if secret.Scope == "" {
		secret.Scope = models.ScopeGlobal
	}
	now := time.Now().UTC()
	secret.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO secrets (key, scope, value, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key, scope) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, secret.Key, secret.Scope, secret.Value, now, now)

	return err
}

// GetSecret retrieves a secret by key and scope
func (r *SQLiteRepository) GetSecret(ctx context.Context, key, scope string) (*models.Secret, error) {
	secret := &models.Secret{}
	err := r.db.QueryRowContext(ctx, `
		SELECT key, scope, value, created_at, updated_at FROM secrets WHERE key = ? AND scope = ?
	`, key, scope).Scan(&secret.Key, &secret.Scope, &secret.Value, &secret.CreatedAt, &secret.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("secret", key)
	}
	if err != nil {
		return nil, err
	}
	return secret, nil
}

// ListSecrets returns all secrets in a scope
func (r *SQLiteRepository) ListSecrets(ctx context.Context, scope string) ([]*models.Secret, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT key, scope, value, created_at, updated_at FROM secrets WHERE scope = ? ORDER BY key
	`, scope)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*models.Secret
	for rows.Next() {
		secret := &models.Secret{}
		if err := rows.Scan(&secret.Key, &secret.Scope, &secret.Value, &secret.CreatedAt, &secret.UpdatedAt); err != nil {
			return nil, err
		}
		items = append(items, secret)
	}
	return items, rows.Err()
}

// DeleteSecret removes a secret by key and scope
func (r *SQLiteRepository) DeleteSecret(ctx context.Context, key, scope string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ? AND scope = ?`, key, scope)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("secret", key)
	}
	return nil
}

// ResolveSecrets flattens global secrets overlaid by the given scope
func (r *SQLiteRepository) ResolveSecrets(ctx context.Context, scope string) (map[string]string, error) {
	resolved := make(map[string]string)

	global, err := r.ListSecrets(ctx, models.ScopeGlobal)
	if err != nil {
		return nil, err
	}
	for _, secret := range global {
		resolved[secret.Key] = secret.Value
	}

	if scope != "" && scope != models.ScopeGlobal {
		scoped, err := r.ListSecrets(ctx, scope)
		if err != nil {
			return nil, err
		}
		for _, secret := range scoped {
			resolved[secret.Key] = secret.Value
		}
	}

	return resolved, nil
}
