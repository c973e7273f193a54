package api

import (
	"github.com/gin-gonic/gin"

	"github.com/coderelay/coderelay/internal/common/config"
	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/session/core"
	"github.com/coderelay/coderelay/internal/session/repository"
)

// NewRouter builds the full HTTP surface of the control plane.
func NewRouter(c *core.Core, repo repository.Repository, driver core.SandboxDriver, cfg *config.Config, log *logger.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	handler := NewHandler(c, repo, driver, cfg, log)
	SetupRoutes(router, handler)
	return router
}

// SetupRoutes configures the session API routes
func SetupRoutes(router *gin.Engine, handler *Handler) {
	router.GET("/health", handler.Health)
	router.GET("/ws/sessions/:sessionId", handler.WebSocket)

	api := router.Group("/api/v1")

	sessions := api.Group("/sessions")
	{
		sessions.POST("", handler.CreateSession)
		sessions.GET("", handler.ListSessions)
		sessions.GET("/:sessionId", handler.GetSession)
		sessions.DELETE("/:sessionId", handler.DeleteSession)

		sessions.POST("/:sessionId/prompt", handler.Prompt)
		sessions.POST("/:sessionId/stop", handler.Stop)
		sessions.POST("/:sessionId/archive", handler.Archive)
		sessions.POST("/:sessionId/unarchive", handler.Unarchive)

		sessions.GET("/:sessionId/messages", handler.ListMessages)
		sessions.GET("/:sessionId/events", handler.ListEvents)
		sessions.GET("/:sessionId/artifacts", handler.ListArtifacts)
		sessions.GET("/:sessionId/logs", handler.Logs)
	}

	repos := api.Group("/repos")
	{
		repos.GET("", handler.ListRepos)
		repos.GET("/:owner/:name/secrets", handler.ListSecrets)
		repos.PUT("/:owner/:name/secrets/:key", handler.SetSecret)
		repos.DELETE("/:owner/:name/secrets/:key", handler.DeleteSecret)
	}

	settings := api.Group("/settings")
	{
		settings.GET("", handler.ListSettings)
		settings.GET("/:key", handler.GetSetting)
		settings.PUT("/:key", handler.SetSetting)
	}

	secrets := api.Group("/secrets")
	{
		secrets.GET("", handler.ListSecrets)
		secrets.PUT("/:key", handler.SetSecret)
		secrets.DELETE("/:key", handler.DeleteSecret)
	}
}
