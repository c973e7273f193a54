// Package api exposes the control plane's HTTP and WebSocket surface:
// session CRUD, the prompt queue, timelines, artifacts, repo discovery,
// settings, secrets and the per-session live channel.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/common/config"
	"github.com/coderelay/coderelay/internal/common/errors"
	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/session/core"
	"github.com/coderelay/coderelay/internal/session/models"
	"github.com/coderelay/coderelay/internal/session/repository"
	v1 "github.com/coderelay/coderelay/pkg/api/v1"
)

// Handler contains HTTP handlers for the session API
type Handler struct {
	core   *core.Core
	repo   repository.Repository
	driver core.SandboxDriver
	cfg    *config.Config
	logger *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(c *core.Core, repo repository.Repository, driver core.SandboxDriver, cfg *config.Config, log *logger.Logger) *Handler {
	return &Handler{
		core:   c,
		repo:   repo,
		driver: driver,
		cfg:    cfg,
		logger: log,
	}
}

func respondError(c *gin.Context, err error) {
	var appErr *errors.AppError
	if e, ok := err.(*errors.AppError); ok {
		appErr = e
	} else {
		appErr = errors.InternalError("request failed", err)
	}
	c.JSON(appErr.HTTPStatus, appErr)
}

// Health reports process and container runtime health
// GET /health
func (h *Handler) Health(c *gin.Context) {
	status := "ok"
	docker := "ok"
	if err := h.driver.HealthCheck(c.Request.Context()); err != nil {
		status = "degraded"
		docker = err.Error()
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "docker": docker})
}

// Session endpoints

// CreateSession creates a new session
// POST /api/v1/sessions
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if req.BaseBranch == "" {
		req.BaseBranch = h.cfg.Worktree.DefaultBranch
	}

	sess, err := h.core.CreateSession(c.Request.Context(), core.CreateSessionRequest{
		Title:           req.Title,
		RepoPath:        req.RepoPath,
		BaseBranch:      req.BaseBranch,
		Model:           req.Model,
		ReasoningEffort: req.ReasoningEffort,
	})
	if err != nil {
		h.logger.Error("failed to create session", zap.Error(err))
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, sess)
}

// GetSession retrieves a session by ID
// GET /api/v1/sessions/:sessionId
func (h *Handler) GetSession(c *gin.Context) {
	sess, err := h.repo.GetSession(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// ListSessions returns sessions ordered by recency, keyset paginated
// GET /api/v1/sessions?status=&limit=&cursor=
func (h *Handler) ListSessions(c *gin.Context) {
	var status *v1.SessionStatus
	if s := c.Query("status"); s != "" {
		st := v1.SessionStatus(s)
		status = &st
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	var cursor *time.Time
	if raw := c.Query("cursor"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			appErr := errors.BadRequest("cursor must be an RFC3339 timestamp")
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		cursor = &parsed
	}

	page, err := h.repo.ListSessions(c.Request.Context(), status, limit, cursor)
	if err != nil {
		h.logger.Error("failed to list sessions", zap.Error(err))
		respondError(c, err)
		return
	}
	if page.Items == nil {
		page.Items = []*v1.Session{}
	}
	c.JSON(http.StatusOK, page)
}

// DeleteSession tears a session down completely
// DELETE /api/v1/sessions/:sessionId
func (h *Handler) DeleteSession(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if err := h.core.DeleteSession(c.Request.Context(), sessionID); err != nil {
		h.logger.Error("failed to delete session", zap.String("session_id", sessionID), zap.Error(err))
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Prompt enqueues a prompt on the session's FIFO queue
// POST /api/v1/sessions/:sessionId/prompt
func (h *Handler) Prompt(c *gin.Context) {
	sessionID := c.Param("sessionId")

	var req PromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if req.Source == "" {
		req.Source = "api"
	}

	// The HTTP path requires the session to exist; silent drops are a
	// WebSocket-only affordance.
	if _, err := h.repo.GetSession(c.Request.Context(), sessionID); err != nil {
		respondError(c, err)
		return
	}

	msg, err := h.core.HandleClientPrompt(c.Request.Context(), sessionID, core.PromptRequest{
		Content:         req.Content,
		Source:          req.Source,
		Model:           req.Model,
		ReasoningEffort: req.ReasoningEffort,
		Attachments:     req.Attachments,
	})
	if err != nil {
		h.logger.Error("failed to enqueue prompt", zap.String("session_id", sessionID), zap.Error(err))
		respondError(c, err)
		return
	}
	if msg == nil {
		appErr := errors.NotFound("session", sessionID)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusAccepted, PromptResponse{MessageID: msg.ID, Status: msg.Status})
}

// Stop cancels the in-flight prompt, if any
// POST /api/v1/sessions/:sessionId/stop
func (h *Handler) Stop(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if _, err := h.repo.GetSession(c.Request.Context(), sessionID); err != nil {
		respondError(c, err)
		return
	}
	if err := h.core.HandleStopExecution(c.Request.Context(), sessionID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Archive parks a session and stops its sandbox
// POST /api/v1/sessions/:sessionId/archive
func (h *Handler) Archive(c *gin.Context) {
	if err := h.core.ArchiveSession(c.Request.Context(), c.Param("sessionId")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Unarchive brings an archived session back to active
// POST /api/v1/sessions/:sessionId/unarchive
func (h *Handler) Unarchive(c *gin.Context) {
	if err := h.core.UnarchiveSession(c.Request.Context(), c.Param("sessionId")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListMessages returns the session's prompt history
// GET /api/v1/sessions/:sessionId/messages?limit=&cursor=
func (h *Handler) ListMessages(c *gin.Context) {
	sessionID := c.Param("sessionId")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	var cursor *time.Time
	if raw := c.Query("cursor"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			appErr := errors.BadRequest("cursor must be an RFC3339 timestamp")
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		cursor = &parsed
	}

	page, err := h.repo.ListMessages(c.Request.Context(), sessionID, limit, cursor)
	if err != nil {
		respondError(c, err)
		return
	}
	if page.Items == nil {
		page.Items = []*v1.Message{}
	}
	c.JSON(http.StatusOK, page)
}

// ListEvents returns one keyset page of the session timeline: the newest
// tail on the first call, strictly older events when a cursor is given.
// GET /api/v1/sessions/:sessionId/events?limit=&cursorTs=&cursorId=&type=
func (h *Handler) ListEvents(c *gin.Context) {
	sessionID := c.Param("sessionId")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "500"))

	// Type filtering is a flat query without pagination.
	if eventType := c.Query("type"); eventType != "" {
		events, err := h.repo.ListEvents(c.Request.Context(), sessionID, eventType, limit)
		if err != nil {
			respondError(c, err)
			return
		}
		if events == nil {
			events = []*v1.Event{}
		}
		c.JSON(http.StatusOK, repository.EventPage{Items: events})
		return
	}

	if rawTS := c.Query("cursorTs"); rawTS != "" {
		ts, err := time.Parse(time.RFC3339Nano, rawTS)
		if err != nil {
			appErr := errors.BadRequest("cursorTs must be an RFC3339 timestamp")
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		cursor := v1.EventCursor{Timestamp: ts, ID: c.Query("cursorId")}
		page, err := h.repo.GetEventsHistoryPage(c.Request.Context(), sessionID, cursor, limit)
		if err != nil {
			respondError(c, err)
			return
		}
		if page.Items == nil {
			page.Items = []*v1.Event{}
		}
		c.JSON(http.StatusOK, page)
		return
	}

	items, hasMore, err := h.repo.GetEventsForReplay(c.Request.Context(), sessionID, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	if items == nil {
		items = []*v1.Event{}
	}
	page := repository.EventPage{Items: items, HasMore: hasMore}
	if len(items) > 0 {
		oldest := items[0]
		page.Cursor = &v1.EventCursor{Timestamp: oldest.CreatedAt, ID: oldest.ID}
	}
	c.JSON(http.StatusOK, page)
}

// ListArtifacts returns the session's durable outputs
// GET /api/v1/sessions/:sessionId/artifacts
func (h *Handler) ListArtifacts(c *gin.Context) {
	artifacts, err := h.repo.ListArtifacts(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		respondError(c, err)
		return
	}
	if artifacts == nil {
		artifacts = []*v1.Artifact{}
	}
	c.JSON(http.StatusOK, gin.H{"items": artifacts})
}

// Logs returns a tail of the sandbox container's output
// GET /api/v1/sessions/:sessionId/logs?tail=
func (h *Handler) Logs(c *gin.Context) {
	sessionID := c.Param("sessionId")
	sess, err := h.repo.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		respondError(c, err)
		return
	}
	if sess.ContainerID == nil {
		appErr := errors.Conflict("session has no sandbox container")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	tail, _ := strconv.Atoi(c.DefaultQuery("tail", "100"))
	logs, err := h.driver.Logs(c.Request.Context(), *sess.ContainerID, tail)
	if err != nil {
		h.logger.Error("failed to read sandbox logs", zap.String("session_id", sessionID), zap.Error(err))
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, LogsResponse{Logs: logs})
}

// Settings endpoints

// ListSettings returns all stored settings
// GET /api/v1/settings
func (h *Handler) ListSettings(c *gin.Context) {
	settings, err := h.repo.ListSettings(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	if settings == nil {
		settings = []*models.Setting{}
	}
	c.JSON(http.StatusOK, gin.H{"items": settings})
}

// GetSetting returns one setting
// GET /api/v1/settings/:key
func (h *Handler) GetSetting(c *gin.Context) {
	setting, err := h.repo.GetSetting(c.Request.Context(), c.Param("key"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, setting)
}

// SetSetting stores one setting
// PUT /api/v1/settings/:key
func (h *Handler) SetSetting(c *gin.Context) {
	var req SetSettingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if err := h.repo.SetSetting(c.Request.Context(), c.Param("key"), req.Value); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Secret endpoints. Secret values never leave the server; list and get
// responses carry metadata only.

func secretScope(c *gin.Context) string {
	owner, name := c.Param("owner"), c.Param("name")
	if owner == "" || name == "" {
		return models.ScopeGlobal
	}
	return owner + "/" + name
}

func secretToResponse(s *models.Secret) SecretResponse {
	return SecretResponse{Key: s.Key, Scope: s.Scope, CreatedAt: s.CreatedAt, UpdatedAt: s.UpdatedAt}
}

// ListSecrets lists secrets in a scope
// GET /api/v1/secrets
// GET /api/v1/repos/:owner/:name/secrets
func (h *Handler) ListSecrets(c *gin.Context) {
	secrets, err := h.repo.ListSecrets(c.Request.Context(), secretScope(c))
	if err != nil {
		respondError(c, err)
		return
	}
	items := make([]SecretResponse, 0, len(secrets))
	for _, s := range secrets {
		items = append(items, secretToResponse(s))
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// SetSecret stores a secret in a scope
// PUT /api/v1/secrets/:key
// PUT /api/v1/repos/:owner/:name/secrets/:key
func (h *Handler) SetSecret(c *gin.Context) {
	var req SetSecretRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	secret := &models.Secret{
		Key:   c.Param("key"),
		Value: req.Value,
		Scope: secretScope(c),
	}
	if err := h.repo.UpsertSecret(c.Request.Context(), secret); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, secretToResponse(secret))
}

// DeleteSecret removes a secret from a scope
// DELETE /api/v1/secrets/:key
// DELETE /api/v1/repos/:owner/:name/secrets/:key
func (h *Handler) DeleteSecret(c *gin.Context) {
	if err := h.repo.DeleteSecret(c.Request.Context(), c.Param("key"), secretScope(c)); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
