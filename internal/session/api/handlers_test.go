package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/coderelay/internal/common/config"
	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/events/bus"
	"github.com/coderelay/coderelay/internal/gateway"
	"github.com/coderelay/coderelay/internal/sandbox"
	"github.com/coderelay/coderelay/internal/sandbox/docker"
	"github.com/coderelay/coderelay/internal/session/core"
	"github.com/coderelay/coderelay/internal/session/repository"
	v1 "github.com/coderelay/coderelay/pkg/api/v1"
)

type stubDriver struct {
	mu      sync.Mutex
	created int
	running map[string]bool
}

func (d *stubDriver) CreateSandbox(ctx context.Context, opts sandbox.CreateOptions) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.created++
	id := fmt.Sprintf("ctr-%d", d.created)
	d.running[id] = true
	return id, nil
}

func (d *stubDriver) Stop(ctx context.Context, containerID string, grace time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running[containerID] = false
	return nil
}

func (d *stubDriver) Remove(ctx context.Context, containerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.running, containerID)
	return nil
}

func (d *stubDriver) IsRunning(ctx context.Context, containerID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running[containerID], nil
}

func (d *stubDriver) Logs(ctx context.Context, containerID string, tail int) (string, error) {
	return "sandbox log tail", nil
}

func (d *stubDriver) ListManaged(ctx context.Context) ([]docker.ContainerInfo, error) {
	return nil, nil
}

func (d *stubDriver) ReapExited(ctx context.Context) ([]string, error) { return nil, nil }

func (d *stubDriver) HealthCheck(ctx context.Context) error { return nil }

type stubWorktrees struct{}

func (stubWorktrees) Create(ctx context.Context, sessionID, repoPath, baseRef string) (string, error) {
	return filepath.Join("/worktrees", sessionID), nil
}

func (stubWorktrees) Remove(ctx context.Context, sessionID, repoPath string) error { return nil }

func (stubWorktrees) BranchName(sessionID string) string { return "agent/" + sessionID }

func newTestServer(t *testing.T) (*gin.Engine, repository.Repository) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)

	repo, err := repository.NewSQLiteRepository(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	cfg := &config.Config{}
	cfg.Worktree.DefaultBranch = "main"
	cfg.Session.DefaultModel = "claude-sonnet-4"
	cfg.Session.InactivityTimeout = 600
	cfg.Session.HeartbeatInterval = 30
	cfg.Session.HeartbeatStale = 90
	cfg.Sandbox.StopGrace = 1

	driver := &stubDriver{running: make(map[string]bool)}
	c := core.New(repo, gateway.NewRegistry(log), driver, stubWorktrees{},
		bus.NewMemoryEventBus(log), core.ConfigFromApp(cfg), log)

	return NewRouter(c, repo, driver, cfg, log), repo
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func createSessionViaAPI(t *testing.T, router *gin.Engine) *v1.Session {
	t.Helper()
	w := doJSON(t, router, http.MethodPost, "/api/v1/sessions", CreateSessionRequest{
		Title:    "Fix the login bug",
		RepoPath: "/home/dev/code/acme/webapp",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var sess v1.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sess))
	return &sess
}

func TestHealth(t *testing.T) {
	router, _ := newTestServer(t)
	w := doJSON(t, router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestCreateSession(t *testing.T) {
	router, _ := newTestServer(t)

	sess := createSessionViaAPI(t, router)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, "main", sess.BaseBranch)
	assert.Equal(t, "claude-sonnet-4", sess.Model)
	assert.Equal(t, v1.SessionStatusCreated, sess.Status)
	assert.Equal(t, v1.SandboxStatusPending, sess.SandboxStatus)

	w := doJSON(t, router, http.MethodGet, "/api/v1/sessions/"+sess.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCreateSessionValidation(t *testing.T) {
	router, _ := newTestServer(t)
	w := doJSON(t, router, http.MethodPost, "/api/v1/sessions", map[string]string{"title": "no repo"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetSessionNotFound(t *testing.T) {
	router, _ := newTestServer(t)
	w := doJSON(t, router, http.MethodGet, "/api/v1/sessions/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListSessionsPagination(t *testing.T) {
	router, _ := newTestServer(t)
	for i := 0; i < 3; i++ {
		createSessionViaAPI(t, router)
		time.Sleep(5 * time.Millisecond) // distinct updated_at for keyset order
	}

	w := doJSON(t, router, http.MethodGet, "/api/v1/sessions?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var page SessionListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Items, 2)
	assert.True(t, page.HasMore)
	require.NotNil(t, page.Cursor)

	w = doJSON(t, router, http.MethodGet,
		"/api/v1/sessions?limit=2&cursor="+page.Cursor.UTC().Format(time.RFC3339Nano), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var rest SessionListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rest))
	assert.Len(t, rest.Items, 1)
	assert.False(t, rest.HasMore)
}

func TestPromptQueuesMessageAndTimelineEvent(t *testing.T) {
	router, repo := newTestServer(t)
	sess := createSessionViaAPI(t, router)

	w := doJSON(t, router, http.MethodPost, "/api/v1/sessions/"+sess.ID+"/prompt",
		PromptRequest{Content: "add a retry loop"})
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp PromptResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.MessageID)

	events, err := repo.ListEvents(context.Background(), sess.ID, v1.EventTypeUserMessage, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)

	// The first prompt activates the session and spawns the sandbox.
	stored, err := repo.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStatusActive, stored.Status)
	assert.NotNil(t, stored.ContainerID)
}

func TestPromptUnknownSession(t *testing.T) {
	router, _ := newTestServer(t)
	w := doJSON(t, router, http.MethodPost, "/api/v1/sessions/nope/prompt",
		PromptRequest{Content: "hello"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStopIsIdempotent(t *testing.T) {
	router, _ := newTestServer(t)
	sess := createSessionViaAPI(t, router)

	w := doJSON(t, router, http.MethodPost, "/api/v1/sessions/"+sess.ID+"/stop", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = doJSON(t, router, http.MethodPost, "/api/v1/sessions/"+sess.ID+"/stop", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestArchiveUnarchive(t *testing.T) {
	router, repo := newTestServer(t)
	sess := createSessionViaAPI(t, router)

	w := doJSON(t, router, http.MethodPost, "/api/v1/sessions/"+sess.ID+"/archive", nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	stored, err := repo.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStatusArchived, stored.Status)

	w = doJSON(t, router, http.MethodPost, "/api/v1/sessions/"+sess.ID+"/unarchive", nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	// Unarchiving an active session conflicts.
	w = doJSON(t, router, http.MethodPost, "/api/v1/sessions/"+sess.ID+"/unarchive", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestDeleteSession(t *testing.T) {
	router, _ := newTestServer(t)
	sess := createSessionViaAPI(t, router)

	w := doJSON(t, router, http.MethodDelete, "/api/v1/sessions/"+sess.ID, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/v1/sessions/"+sess.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListEventsPagination(t *testing.T) {
	router, repo := newTestServer(t)
	sess := createSessionViaAPI(t, router)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)
	for i := 0; i < 5; i++ {
		require.NoError(t, repo.CreateEvent(ctx, &v1.Event{
			ID:        fmt.Sprintf("ev-%d", i),
			SessionID: sess.ID,
			Type:      v1.EventTypeToolCall,
			Data:      []byte(fmt.Sprintf(`{"seq":%d}`, i)),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	// First page: the newest tail, ascending, with a cursor at its oldest.
	w := doJSON(t, router, http.MethodGet, "/api/v1/sessions/"+sess.ID+"/events?limit=3", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var page repository.EventPage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Items, 3)
	assert.Equal(t, "ev-2", page.Items[0].ID)
	assert.Equal(t, "ev-4", page.Items[2].ID)
	assert.True(t, page.HasMore)
	require.NotNil(t, page.Cursor)
	assert.Equal(t, "ev-2", page.Cursor.ID)

	w = doJSON(t, router, http.MethodGet, fmt.Sprintf(
		"/api/v1/sessions/%s/events?limit=3&cursorTs=%s&cursorId=%s",
		sess.ID, page.Cursor.Timestamp.UTC().Format(time.RFC3339Nano), page.Cursor.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var older repository.EventPage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &older))
	require.Len(t, older.Items, 2)
	assert.Equal(t, "ev-0", older.Items[0].ID)
	assert.Equal(t, "ev-1", older.Items[1].ID)
	assert.False(t, older.HasMore)
}

func TestLogsWithoutContainer(t *testing.T) {
	router, _ := newTestServer(t)
	sess := createSessionViaAPI(t, router)

	w := doJSON(t, router, http.MethodGet, "/api/v1/sessions/"+sess.ID+"/logs", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestLogsTail(t *testing.T) {
	router, _ := newTestServer(t)
	sess := createSessionViaAPI(t, router)

	// Spawn via prompt so the session has a container.
	w := doJSON(t, router, http.MethodPost, "/api/v1/sessions/"+sess.ID+"/prompt",
		PromptRequest{Content: "go"})
	require.Equal(t, http.StatusAccepted, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/v1/sessions/"+sess.ID+"/logs?tail=50", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "sandbox log tail")
}

func TestSettingsRoundTrip(t *testing.T) {
	router, _ := newTestServer(t)

	w := doJSON(t, router, http.MethodPut, "/api/v1/settings/theme",
		SetSettingRequest{Value: "dark"})
	require.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/v1/settings/theme", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "dark")

	w = doJSON(t, router, http.MethodGet, "/api/v1/settings", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "theme")
}

func TestSecretScopes(t *testing.T) {
	router, _ := newTestServer(t)

	w := doJSON(t, router, http.MethodPut, "/api/v1/secrets/API_KEY",
		SetSecretRequest{Value: "global-value"})
	require.Equal(t, http.StatusOK, w.Code)
	// The secret value must never appear in a response.
	assert.NotContains(t, w.Body.String(), "global-value")

	w = doJSON(t, router, http.MethodPut, "/api/v1/repos/acme/webapp/secrets/API_KEY",
		SetSecretRequest{Value: "repo-value"})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/v1/secrets", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"scope":"global"`)
	assert.NotContains(t, w.Body.String(), "acme/webapp")

	w = doJSON(t, router, http.MethodGet, "/api/v1/repos/acme/webapp/secrets", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"scope":"acme/webapp"`)

	w = doJSON(t, router, http.MethodDelete, "/api/v1/repos/acme/webapp/secrets/API_KEY", nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	w = doJSON(t, router, http.MethodDelete, "/api/v1/secrets/API_KEY", nil)
	require.Equal(t, http.StatusNoContent, w.Code)
}

func wsURL(server *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + path
}

func TestWebSocketClientSubscribe(t *testing.T) {
	router, _ := newTestServer(t)
	sess := createSessionViaAPI(t, router)

	server := httptest.NewServer(router)
	defer server.Close()

	ws, _, err := websocket.DefaultDialer.Dial(wsURL(server, "/ws/sessions/"+sess.ID), nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame gateway.SubscribedFrame
	require.NoError(t, ws.ReadJSON(&frame))
	assert.Equal(t, gateway.FrameSubscribed, frame.Type)
	assert.Equal(t, sess.ID, frame.Session.ID)
	assert.Empty(t, frame.Replay)
}

func TestWebSocketUnknownSessionClosed(t *testing.T) {
	router, _ := newTestServer(t)
	server := httptest.NewServer(router)
	defer server.Close()

	ws, _, err := websocket.DefaultDialer.Dial(wsURL(server, "/ws/sessions/nope"), nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame gateway.ErrorFrame
	require.NoError(t, ws.ReadJSON(&frame))
	assert.Equal(t, "not_found", frame.Code)

	// The server follows the error frame with a close.
	_, _, err = ws.ReadMessage()
	assert.Error(t, err)
}

func TestWebSocketBridgeHeartbeat(t *testing.T) {
	router, repo := newTestServer(t)
	sess := createSessionViaAPI(t, router)

	server := httptest.NewServer(router)
	defer server.Close()

	ws, _, err := websocket.DefaultDialer.Dial(
		wsURL(server, "/ws/sessions/"+sess.ID+"?type=sandbox"), nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(map[string]string{"type": v1.EventTypeHeartbeat}))

	require.Eventually(t, func() bool {
		stored, err := repo.GetSession(context.Background(), sess.ID)
		return err == nil && stored.LastHeartbeat != nil
	}, 2*time.Second, 20*time.Millisecond)
}
