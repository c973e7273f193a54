package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/coderelay/coderelay/internal/common/database"
	apperrors "github.com/coderelay/coderelay/internal/common/errors"
	"github.com/coderelay/coderelay/internal/session/models"
	v1 "github.com/coderelay/coderelay/pkg/api/v1"
)

// PostgresRepository provides PostgreSQL-based session storage. It is
// selected when database.host is configured; otherwise the embedded
// SQLite store is used.
type PostgresRepository struct {
	db *database.DB
}

// Ensure PostgresRepository implements Repository interface
var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(ctx context.Context, db *database.DB) (*PostgresRepository, error) {
	repo := &PostgresRepository{db: db}
	if err := repo.initSchema(ctx); err != nil {
		return nil, err
	}
	return repo, nil
}

func (r *PostgresRepository) initSchema(ctx context.Context) error {
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
		last_heartbeat TIMESTAMPTZ,
		last_activity TIMESTAMPTZ,
		spawn_failure_count INTEGER NOT NULL DEFAULT 0,
		last_spawn_failure_at TIMESTAMPTZ,
		last_spawn_error TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		content TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT 'user',
		model TEXT,
		reasoning_effort TEXT,
		attachments TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		type TEXT NOT NULL,
		data TEXT NOT NULL DEFAULT '{}',
		message_id TEXT,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		type TEXT NOT NULL,
		url TEXT,
		metadata TEXT,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS secrets (
		key TEXT NOT NULL,
		scope TEXT NOT NULL,
		value TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
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

	_, err := r.db.Exec(ctx, schema)
	return err
}

// Close closes the underlying connection pool
func (r *PostgresRepository) Close() error {
	r.db.Close()
	return nil
}

type pgScanner interface {
	Scan(dest ...any) error
}

// Session operations

func (r *PostgresRepository) CreateSession(ctx context.Context, session *v1.Session) error {
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

	_, err := r.db.Exec(ctx, `
		INSERT INTO sessions (id, title, repo_path, display_name, base_branch, branch, model, reasoning_effort,
			status, sandbox_status, container_id, worktree_path, agent_session_id,
			last_heartbeat, last_activity, spawn_failure_count, last_spawn_failure_at, last_spawn_error,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`, session.ID, session.Title, session.RepoPath, session.DisplayName, session.BaseBranch, session.Branch,
		session.Model, session.ReasoningEffort, session.Status, session.SandboxStatus,
		session.ContainerID, session.WorktreePath, session.AgentSessionID,
		session.LastHeartbeat, session.LastActivity, session.SpawnFailureCount,
		session.LastSpawnFailureAt, session.LastSpawnError, session.CreatedAt, session.UpdatedAt)

	return err
}

func scanPgSession(row pgScanner) (*v1.Session, error) {
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

func (r *PostgresRepository) GetSession(ctx context.Context, id string) (*v1.Session, error) {
	row := r.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	session, err := scanPgSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("session", id)
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (r *PostgresRepository) ListSessions(ctx context.Context, status *v1.SessionStatus, limit int, cursor *time.Time) (*SessionPage, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1=1`
	args := []any{}
	argn := 0
	next := func() string {
		argn++
		return placeholder(argn)
	}
	if status != nil {
		query += ` AND status = ` + next()
		args = append(args, *status)
	}
	if cursor != nil {
		query += ` AND updated_at < ` + next()
		args = append(args, cursor.UTC())
	}
	query += ` ORDER BY updated_at DESC LIMIT ` + next()
	args = append(args, limit+1)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*v1.Session
	for rows.Next() {
		session, err := scanPgSession(rows)
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

func placeholder(n int) string {
	const digits = "0123456789"
	if n < 10 {
		return "$" + digits[n:n+1]
	}
	return "$" + digits[n/10:n/10+1] + digits[n%10:n%10+1]
}

func (r *PostgresRepository) updateSessionField(ctx context.Context, id, setClause string, args ...any) error {
	// setClause uses $1..$n; updated_at and id follow
	n := len(args)
	query := `UPDATE sessions SET ` + setClause + `, updated_at = ` + placeholder(n+1) + ` WHERE id = ` + placeholder(n+2)
	args = append(args, time.Now().UTC(), id)

	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("session", id)
	}
	return nil
}

func (r *PostgresRepository) UpdateSessionStatus(ctx context.Context, id string, status v1.SessionStatus) error {
	return r.updateSessionField(ctx, id, `status = $1`, status)
}

func (r *PostgresRepository) UpdateSessionSandboxStatus(ctx context.Context, id string, status v1.SandboxStatus) error {
	return r.updateSessionField(ctx, id, `sandbox_status = $1`, status)
}

func (r *PostgresRepository) UpdateSessionContainer(ctx context.Context, id string, containerID, worktreePath *string) error {
	return r.updateSessionField(ctx, id, `container_id = $1, worktree_path = $2`, containerID, worktreePath)
}

func (r *PostgresRepository) UpdateSessionBranch(ctx context.Context, id string, branch string) error {
	return r.updateSessionField(ctx, id, `branch = $1`, branch)
}

func (r *PostgresRepository) UpdateSessionModel(ctx context.Context, id string, model string) error {
	return r.updateSessionField(ctx, id, `model = $1`, model)
}

func (r *PostgresRepository) UpdateSessionHeartbeat(ctx context.Context, id string, at time.Time) error {
	return r.updateSessionField(ctx, id, `last_heartbeat = $1`, at.UTC())
}

func (r *PostgresRepository) UpdateSessionActivity(ctx context.Context, id string, at time.Time) error {
	return r.updateSessionField(ctx, id, `last_activity = $1`, at.UTC())
}

func (r *PostgresRepository) UpdateSessionAgentSessionID(ctx context.Context, id string, agentSessionID string) error {
	return r.updateSessionField(ctx, id, `agent_session_id = $1`, agentSessionID)
}

func (r *PostgresRepository) IncrementSpawnFailures(ctx context.Context, id string, lastError string, at time.Time) error {
	return r.updateSessionField(ctx, id,
		`spawn_failure_count = spawn_failure_count + 1, last_spawn_failure_at = $1, last_spawn_error = $2`,
		at.UTC(), lastError)
}

func (r *PostgresRepository) ResetSpawnFailures(ctx context.Context, id string) error {
	return r.updateSessionField(ctx, id,
		`spawn_failure_count = 0, last_spawn_failure_at = NULL, last_spawn_error = NULL`)
}

func (r *PostgresRepository) DeleteSession(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("session", id)
	}
	return nil
}

// Message operations

func (r *PostgresRepository) CreateMessage(ctx context.Context, message *v1.Message) error {
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

	_, err := r.db.Exec(ctx, `
		INSERT INTO messages (id, session_id, content, source, model, reasoning_effort, attachments, status, created_at, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, message.ID, message.SessionID, message.Content, message.Source, message.Model, message.ReasoningEffort,
		attachments, message.Status, message.CreatedAt, message.StartedAt, message.CompletedAt)

	return err
}

func scanPgMessage(row pgScanner) (*v1.Message, error) {
	message := &v1.Message{}
	var attachments *string
	err := row.Scan(&message.ID, &message.SessionID, &message.Content, &message.Source,
		&message.Model, &message.ReasoningEffort, &attachments, &message.Status,
		&message.CreatedAt, &message.StartedAt, &message.CompletedAt)
	if err != nil {
		return nil, err
	}
	if attachments != nil {
		message.Attachments = []byte(*attachments)
	}
	return message, nil
}

func (r *PostgresRepository) GetMessage(ctx context.Context, id string) (*v1.Message, error) {
	row := r.db.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	message, err := scanPgMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("message", id)
	}
	if err != nil {
		return nil, err
	}
	return message, nil
}

func (r *PostgresRepository) GetNextPendingMessage(ctx context.Context, sessionID string) (*v1.Message, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE session_id = $1 AND status = $2
		ORDER BY created_at ASC, id ASC LIMIT 1
	`, sessionID, v1.MessageStatusPending)

	message, err := scanPgMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return message, nil
}

func (r *PostgresRepository) GetProcessingMessage(ctx context.Context, sessionID string) (*v1.Message, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE session_id = $1 AND status = $2 LIMIT 1
	`, sessionID, v1.MessageStatusProcessing)

	message, err := scanPgMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return message, nil
}

func (r *PostgresRepository) UpdateMessageToProcessing(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE messages SET status = $1, started_at = $2 WHERE id = $3
	`, v1.MessageStatusProcessing, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("message", id)
	}
	return nil
}

func (r *PostgresRepository) UpdateMessageCompletion(ctx context.Context, id string, status v1.MessageStatus) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE messages SET status = $1, completed_at = $2 WHERE id = $3
	`, status, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("message", id)
	}
	return nil
}

func (r *PostgresRepository) ListMessages(ctx context.Context, sessionID string, limit int, cursor *time.Time) (*MessagePage, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + messageColumns + ` FROM messages WHERE session_id = $1`
	args := []any{sessionID}
	if cursor != nil {
		query += ` AND created_at > $2 ORDER BY created_at ASC, id ASC LIMIT $3`
		args = append(args, cursor.UTC(), limit+1)
	} else {
		query += ` ORDER BY created_at ASC, id ASC LIMIT $2`
		args = append(args, limit+1)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*v1.Message
	for rows.Next() {
		message, err := scanPgMessage(rows)
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

func (r *PostgresRepository) CountMessages(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM messages WHERE session_id = $1`, sessionID).Scan(&count)
	return count, err
}

// Event operations

func (r *PostgresRepository) CreateEvent(ctx context.Context, event *v1.Event) error {
	if event.ID == "" {
		event.ID = models.NewID()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO events (id, session_id, type, data, message_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, eventInsertArgs(event)...)

	return err
}

func (r *PostgresRepository) UpsertEvent(ctx context.Context, event *v1.Event) error {
	if event.ID == "" {
		event.ID = models.NewID()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO events (id, session_id, type, data, message_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT(id) DO UPDATE SET
			data = EXCLUDED.data,
			message_id = EXCLUDED.message_id,
			created_at = EXCLUDED.created_at
	`, eventInsertArgs(event)...)

	return err
}

func scanPgEvent(row pgScanner) (*v1.Event, error) {
	event := &v1.Event{}
	var data string
	err := row.Scan(&event.ID, &event.SessionID, &event.Type, &data, &event.MessageID, &event.CreatedAt)
	if err != nil {
		return nil, err
	}
	event.Data = []byte(data)
	return event, nil
}

func (r *PostgresRepository) GetEventsForReplay(ctx context.Context, sessionID string, limit int) ([]*v1.Event, bool, error) {
	if limit <= 0 || limit > DefaultReplayLimit {
		limit = DefaultReplayLimit
	}

	rows, err := r.db.Query(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE session_id = $1 AND type != $2
		ORDER BY created_at DESC, id DESC LIMIT $3
	`, sessionID, v1.EventTypeHeartbeat, limit)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	var items []*v1.Event
	for rows.Next() {
		event, err := scanPgEvent(rows)
		if err != nil {
			return nil, false, err
		}
		items = append(items, event)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}

	return items, len(items) == limit, nil
}

func (r *PostgresRepository) GetEventsHistoryPage(ctx context.Context, sessionID string, cursor v1.EventCursor, limit int) (*EventPage, error) {
	if limit <= 0 || limit > DefaultReplayLimit {
		limit = DefaultReplayLimit
	}

	rows, err := r.db.Query(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE session_id = $1 AND type != $2
		  AND (created_at < $3 OR (created_at = $3 AND id < $4))
		ORDER BY created_at DESC, id DESC LIMIT $5
	`, sessionID, v1.EventTypeHeartbeat, cursor.Timestamp.UTC(), cursor.ID, limit+1)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*v1.Event
	for rows.Next() {
		event, err := scanPgEvent(rows)
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

func (r *PostgresRepository) ListEvents(ctx context.Context, sessionID string, eventType string, limit int) ([]*v1.Event, error) {
	if limit <= 0 {
		limit = DefaultReplayLimit
	}

	query := `SELECT ` + eventColumns + ` FROM events WHERE session_id = $1 AND type != $2`
	args := []any{sessionID, v1.EventTypeHeartbeat}
	if eventType != "" {
		query += ` AND type = $3 ORDER BY created_at ASC, id ASC LIMIT $4`
		args = append(args, eventType, limit)
	} else {
		query += ` ORDER BY created_at ASC, id ASC LIMIT $3`
		args = append(args, limit)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*v1.Event
	for rows.Next() {
		event, err := scanPgEvent(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, event)
	}
	return items, rows.Err()
}

// Artifact operations

func (r *PostgresRepository) CreateArtifact(ctx context.Context, artifact *v1.Artifact) error {
	if artifact.ID == "" {
		artifact.ID = models.NewID()
	}
	artifact.CreatedAt = time.Now().UTC()

	var metadata *string
	if len(artifact.Metadata) > 0 {
		s := string(artifact.Metadata)
		metadata = &s
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO artifacts (id, session_id, type, url, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, artifact.ID, artifact.SessionID, artifact.Type, artifact.URL, metadata, artifact.CreatedAt)

	return err
}

func (r *PostgresRepository) ListArtifacts(ctx context.Context, sessionID string) ([]*v1.Artifact, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, session_id, type, url, metadata, created_at
		FROM artifacts WHERE session_id = $1 ORDER BY created_at ASC, id ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*v1.Artifact
	for rows.Next() {
		artifact := &v1.Artifact{}
		var metadata *string
		err := rows.Scan(&artifact.ID, &artifact.SessionID, &artifact.Type, &artifact.URL, &metadata, &artifact.CreatedAt)
		if err != nil {
			return nil, err
		}
		if metadata != nil {
			artifact.Metadata = []byte(*metadata)
		}
		items = append(items, artifact)
	}
	return items, rows.Err()
}

// Settings operations

func (r *PostgresRepository) GetSetting(ctx context.Context, key string) (*models.Setting, error) {
	setting := &models.Setting{}
	err := r.db.QueryRow(ctx, `
		SELECT key, value, updated_at FROM settings WHERE key = $1
	`, key).Scan(&setting.Key, &setting.Value, &setting.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("setting", key)
	}
	if err != nil {
		return nil, err
	}
	return setting, nil
}

func (r *PostgresRepository) SetSetting(ctx context.Context, key, value string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT(key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
	`, key, value, time.Now().UTC())
	return err
}

func (r *PostgresRepository) ListSettings(ctx context.Context) ([]*models.Setting, error) {
	rows, err := r.db.Query(ctx, `SELECT key, value, updated_at FROM settings ORDER BY key`)
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

func (r *PostgresRepository) UpsertSecret(ctx context.Context, secret *models.Secret) error {
	if secret.Scope == "" {
		secret.Scope = models.ScopeGlobal
	}
	now := time.Now().UTC()
	secret.UpdatedAt = now

	_, err := r.db.Exec(ctx, `
		INSERT INTO secrets (key, scope, value, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT(key, scope) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
	`, secret.Key, secret.Scope, secret.Value, now, now)

	return err
}

func (r *PostgresRepository) GetSecret(ctx context.Context, key, scope string) (*models.Secret, error) {
	secret := &models.Secret{}
	err := r.db.QueryRow(ctx, `
		SELECT key, scope, value, created_at, updated_at FROM secrets WHERE key = $1 AND scope = $2
	`, key, scope).Scan(&secret.Key, &secret.Scope, &secret.Value, &secret.CreatedAt, &secret.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("secret", key)
	}
	if err != nil {
		return nil, err
	}
	return secret, nil
}

func (r *PostgresRepository) ListSecrets(ctx context.Context, scope string) ([]*models.Secret, error) {
	rows, err := r.db.Query(ctx, `
		SELECT key, scope, value, created_at, updated_at FROM secrets WHERE scope = $1 ORDER BY key
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

func (r *PostgresRepository) DeleteSecret(ctx context.Context, key, scope string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM secrets WHERE key = $1 AND scope = $2`, key, scope)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("secret", key)
	}
	return nil
}

func (r *PostgresRepository) ResolveSecrets(ctx context.Context, scope string) (map[string]string, error) {
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
