package repository

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/coderelay/coderelay/internal/common/errors"
	"github.com/coderelay/coderelay/internal/session/models"
	v1 "github.com/coderelay/coderelay/pkg/api/v1"
)

func newTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	repo, err := NewSQLiteRepository(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func createTestSession(t *testing.T, repo *SQLiteRepository) *v1.Session {
	t.Helper()
	session := &v1.Session{
		Title:       "Fix the login bug",
		RepoPath:    "/home/dev/code/webapp",
		DisplayName: "webapp",
		BaseBranch:  "main",
		Model:       "claude-sonnet-4",
	}
	require.NoError(t, repo.CreateSession(context.Background(), session))
	return session
}

func TestSessionLifecycle(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	session := createTestSession(t, repo)
	assert.NotEmpty(t, session.ID)
	assert.Equal(t, v1.SessionStatusCreated, session.Status)
	assert.Equal(t, v1.SandboxStatusPending, session.SandboxStatus)

	got, err := repo.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.Title, got.Title)
	assert.Equal(t, 0, got.SpawnFailureCount)
	assert.Nil(t, got.ContainerID)

	require.NoError(t, repo.UpdateSessionStatus(ctx, session.ID, v1.SessionStatusActive))
	require.NoError(t, repo.UpdateSessionSandboxStatus(ctx, session.ID, v1.SandboxStatusSpawning))

	containerID := "abc123"
	worktreePath := "/worktrees/" + session.ID
	require.NoError(t, repo.UpdateSessionContainer(ctx, session.ID, &containerID, &worktreePath))
	require.NoError(t, repo.UpdateSessionBranch(ctx, session.ID, "agent/"+session.ID))

	got, err = repo.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStatusActive, got.Status)
	assert.Equal(t, v1.SandboxStatusSpawning, got.SandboxStatus)
	require.NotNil(t, got.ContainerID)
	assert.Equal(t, containerID, *got.ContainerID)
	require.NotNil(t, got.Branch)
	assert.Equal(t, "agent/"+session.ID, *got.Branch)
	assert.True(t, got.UpdatedAt.After(got.CreatedAt) || got.UpdatedAt.Equal(got.CreatedAt))
}

func TestGetSessionNotFound(t *testing.T) {
	repo := newTestRepo(t)

	_, err := repo.GetSession(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))

	err = repo.UpdateSessionStatus(context.Background(), "missing", v1.SessionStatusActive)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestSpawnFailureCounters(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	session := createTestSession(t, repo)

	now := time.Now().UTC()
	require.NoError(t, repo.IncrementSpawnFailures(ctx, session.ID, "image not found", now))
	require.NoError(t, repo.IncrementSpawnFailures(ctx, session.ID, "image not found", now))

	got, err := repo.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.SpawnFailureCount)
	require.NotNil(t, got.LastSpawnError)
	assert.Equal(t, "image not found", *got.LastSpawnError)
	require.NotNil(t, got.LastSpawnFailureAt)

	require.NoError(t, repo.ResetSpawnFailures(ctx, session.ID))
	got, err = repo.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.SpawnFailureCount)
	assert.Nil(t, got.LastSpawnError)
	assert.Nil(t, got.LastSpawnFailureAt)
}

func TestListSessionsPagination(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		session := &v1.Session{
			Title:    fmt.Sprintf("session %d", i),
			RepoPath: "/repo",
		}
		require.NoError(t, repo.CreateSession(ctx, session))
		// distinct updated_at per row
		time.Sleep(2 * time.Millisecond)
	}

	page, err := repo.ListSessions(ctx, nil, 3, nil)
	require.NoError(t, err)
	assert.Len(t, page.Items, 3)
	assert.True(t, page.HasMore)
	require.NotNil(t, page.Cursor)
	// newest first
	assert.Equal(t, "session 4", page.Items[0].Title)

	page2, err := repo.ListSessions(ctx, nil, 3, page.Cursor)
	require.NoError(t, err)
	assert.Len(t, page2.Items, 2)
	assert.False(t, page2.HasMore)
	assert.Equal(t, "session 1", page2.Items[0].Title)
	assert.Equal(t, "session 0", page2.Items[1].Title)
}

func TestListSessionsStatusFilter(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	s1 := createTestSession(t, repo)
	createTestSession(t, repo)
	require.NoError(t, repo.UpdateSessionStatus(ctx, s1.ID, v1.SessionStatusArchived))

	archived := v1.SessionStatusArchived
	page, err := repo.ListSessions(ctx, &archived, 10, nil)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, s1.ID, page.Items[0].ID)
}

func TestMessageQueueFIFO(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	session := createTestSession(t, repo)

	for _, content := range []string{"first", "second", "third"} {
		msg := &v1.Message{SessionID: session.ID, Content: content}
		require.NoError(t, repo.CreateMessage(ctx, msg))
		time.Sleep(2 * time.Millisecond)
	}

	next, err := repo.GetNextPendingMessage(ctx, session.ID)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "first", next.Content)
	assert.Equal(t, v1.MessageStatusPending, next.Status)

	require.NoError(t, repo.UpdateMessageToProcessing(ctx, next.ID))

	processing, err := repo.GetProcessingMessage(ctx, session.ID)
	require.NoError(t, err)
	require.NotNil(t, processing)
	assert.Equal(t, next.ID, processing.ID)
	assert.NotNil(t, processing.StartedAt)

	// the queue head moves on while one message is processing
	next2, err := repo.GetNextPendingMessage(ctx, session.ID)
	require.NoError(t, err)
	require.NotNil(t, next2)
	assert.Equal(t, "second", next2.Content)

	require.NoError(t, repo.UpdateMessageCompletion(ctx, next.ID, v1.MessageStatusCompleted))

	done, err := repo.GetMessage(ctx, next.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.MessageStatusCompleted, done.Status)
	assert.NotNil(t, done.CompletedAt)

	none, err := repo.GetProcessingMessage(ctx, session.ID)
	require.NoError(t, err)
	assert.Nil(t, none)

	count, err := repo.CountMessages(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestGetNextPendingMessageEmpty(t *testing.T) {
	repo := newTestRepo(t)
	session := createTestSession(t, repo)

	msg, err := repo.GetNextPendingMessage(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func insertEvent(t *testing.T, repo *SQLiteRepository, sessionID, eventType string, at time.Time, data string) *v1.Event {
	t.Helper()
	event := &v1.Event{
		SessionID: sessionID,
		Type:      eventType,
		Data:      []byte(data),
		CreatedAt: at,
	}
	require.NoError(t, repo.CreateEvent(context.Background(), event))
	return event
}

func TestEventCoalescing(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	session := createTestSession(t, repo)
	messageID := "msg1"

	// three token frames for the same message replace each other
	for _, content := range []string{"A", "AB", "ABC"} {
		event := &v1.Event{
			ID:        "token:" + messageID,
			SessionID: session.ID,
			Type:      v1.EventTypeToken,
			Data:      []byte(fmt.Sprintf(`{"content":%q}`, content)),
			MessageID: &messageID,
			CreatedAt: time.Now().UTC(),
		}
		require.NoError(t, repo.UpsertEvent(ctx, event))
	}

	events, _, err := repo.GetEventsForReplay(ctx, session.ID, 100)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "token:"+messageID, events[0].ID)
	assert.JSONEq(t, `{"content":"ABC"}`, string(events[0].Data))
}

func TestReplayOrderingAndHeartbeatExclusion(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	session := createTestSession(t, repo)

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 10; i++ {
		insertEvent(t, repo, session.ID, v1.EventTypeToolCall, base.Add(time.Duration(i)*time.Second), fmt.Sprintf(`{"seq":%d}`, i))
	}
	insertEvent(t, repo, session.ID, v1.EventTypeHeartbeat, base.Add(5*time.Second), `{}`)

	events, hasMore, err := repo.GetEventsForReplay(ctx, session.ID, 100)
	require.NoError(t, err)
	assert.False(t, hasMore)
	require.Len(t, events, 10)
	for i, event := range events {
		assert.JSONEq(t, fmt.Sprintf(`{"seq":%d}`, i), string(event.Data))
		assert.NotEqual(t, v1.EventTypeHeartbeat, event.Type)
	}

	// a smaller limit returns the newest tail, still ascending
	tail, hasMore, err := repo.GetEventsForReplay(ctx, session.ID, 4)
	require.NoError(t, err)
	assert.True(t, hasMore)
	require.Len(t, tail, 4)
	assert.JSONEq(t, `{"seq":6}`, string(tail[0].Data))
	assert.JSONEq(t, `{"seq":9}`, string(tail[3].Data))
}

func TestEventHistoryPagination(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	session := createTestSession(t, repo)

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 13; i++ {
		insertEvent(t, repo, session.ID, v1.EventTypeToolCall, base.Add(time.Duration(i)*time.Second), fmt.Sprintf(`{"seq":%d}`, i))
	}

	// replay returns the newest 10; the cursor points at the oldest of those
	replay, hasMore, err := repo.GetEventsForReplay(ctx, session.ID, 10)
	require.NoError(t, err)
	assert.True(t, hasMore)
	require.Len(t, replay, 10)
	assert.JSONEq(t, `{"seq":3}`, string(replay[0].Data))

	cursor := v1.EventCursor{Timestamp: replay[0].CreatedAt, ID: replay[0].ID}
	page, err := repo.GetEventsHistoryPage(ctx, session.ID, cursor, 5)
	require.NoError(t, err)
	require.Len(t, page.Items, 3)
	assert.False(t, page.HasMore)
	assert.JSONEq(t, `{"seq":0}`, string(page.Items[0].Data))
	assert.JSONEq(t, `{"seq":2}`, string(page.Items[2].Data))
	require.NotNil(t, page.Cursor)
	assert.Equal(t, page.Items[0].ID, page.Cursor.ID)

	// a page strictly older than seq 0 is empty
	empty, err := repo.GetEventsHistoryPage(ctx, session.ID, *page.Cursor, 5)
	require.NoError(t, err)
	assert.Empty(t, empty.Items)
	assert.False(t, empty.HasMore)
}

func TestEventHistoryPageHasMore(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	session := createTestSession(t, repo)

	base := time.Now().UTC().Add(-time.Hour)
	var newest *v1.Event
	for i := 0; i < 8; i++ {
		newest = insertEvent(t, repo, session.ID, v1.EventTypeToolCall, base.Add(time.Duration(i)*time.Second), fmt.Sprintf(`{"seq":%d}`, i))
	}

	cursor := v1.EventCursor{Timestamp: newest.CreatedAt, ID: newest.ID}
	page, err := repo.GetEventsHistoryPage(ctx, session.ID, cursor, 3)
	require.NoError(t, err)
	require.Len(t, page.Items, 3)
	assert.True(t, page.HasMore)
	assert.JSONEq(t, `{"seq":4}`, string(page.Items[0].Data))
	assert.JSONEq(t, `{"seq":6}`, string(page.Items[2].Data))
}

func TestCascadeDelete(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	session := createTestSession(t, repo)

	require.NoError(t, repo.CreateMessage(ctx, &v1.Message{SessionID: session.ID, Content: "hello"}))
	insertEvent(t, repo, session.ID, v1.EventTypeUserMessage, time.Now().UTC(), `{"content":"hello"}`)
	require.NoError(t, repo.CreateArtifact(ctx, &v1.Artifact{SessionID: session.ID, Type: v1.ArtifactTypeBranch}))

	require.NoError(t, repo.DeleteSession(ctx, session.ID))

	_, err := repo.GetSession(ctx, session.ID)
	assert.True(t, apperrors.IsNotFound(err))

	events, _, err := repo.GetEventsForReplay(ctx, session.ID, 100)
	require.NoError(t, err)
	assert.Empty(t, events)

	count, err := repo.CountMessages(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	artifacts, err := repo.ListArtifacts(ctx, session.ID)
	require.NoError(t, err)
	assert.Empty(t, artifacts)
}

func TestSecretScopeResolution(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.UpsertSecret(ctx, &models.Secret{Key: "ANTHROPIC_API_KEY", Value: "global-key", Scope: models.ScopeGlobal}))
	require.NoError(t, repo.UpsertSecret(ctx, &models.Secret{Key: "OPENAI_API_KEY", Value: "oai", Scope: models.ScopeGlobal}))
	require.NoError(t, repo.UpsertSecret(ctx, &models.Secret{Key: "ANTHROPIC_API_KEY", Value: "repo-key", Scope: "acme/webapp"}))

	resolved, err := repo.ResolveSecrets(ctx, "acme/webapp")
	require.NoError(t, err)
	assert.Equal(t, "repo-key", resolved["ANTHROPIC_API_KEY"])
	assert.Equal(t, "oai", resolved["OPENAI_API_KEY"])

	resolved, err = repo.ResolveSecrets(ctx, models.ScopeGlobal)
	require.NoError(t, err)
	assert.Equal(t, "global-key", resolved["ANTHROPIC_API_KEY"])

	// upsert replaces the value for the same (key, scope)
	require.NoError(t, repo.UpsertSecret(ctx, &models.Secret{Key: "OPENAI_API_KEY", Value: "oai2", Scope: models.ScopeGlobal}))
	secrets, err := repo.ListSecrets(ctx, models.ScopeGlobal)
	require.NoError(t, err)
	assert.Len(t, secrets, 2)

	require.NoError(t, repo.DeleteSecret(ctx, "OPENAI_API_KEY", models.ScopeGlobal))
	_, err = repo.GetSecret(ctx, "OPENAI_API_KEY", models.ScopeGlobal)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestSettings(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.SetSetting(ctx, "enabled_models", `["claude-sonnet-4"]`))
	require.NoError(t, repo.SetSetting(ctx, "enabled_models", `["claude-sonnet-4","gpt-4o"]`))

	setting, err := repo.GetSetting(ctx, "enabled_models")
	require.NoError(t, err)
	assert.Equal(t, `["claude-sonnet-4","gpt-4o"]`, setting.Value)

	settings, err := repo.ListSettings(ctx)
	require.NoError(t, err)
	assert.Len(t, settings, 1)

	_, err = repo.GetSetting(ctx, "missing")
	assert.True(t, apperrors.IsNotFound(err))
}
