package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/poemonsense/cloudcode-gateway/internal/config"
	"github.com/poemonsense/cloudcode-gateway/internal/pipeline"
	"github.com/poemonsense/cloudcode-gateway/internal/server/handlers"
)

// NewRouter builds the gin engine with all middleware and routes.
func NewRouter(cfg *config.Config, p *pipeline.Pipeline) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(CORSMiddleware())
	router.Use(RequestLoggingMiddleware())
	router.Use(SilentHandlerMiddleware())
	router.Use(BodyLimitMiddleware())

	messagesHandler := handlers.NewMessagesHandler(p)
	chatHandler := handlers.NewChatHandler(p)
	modelsHandler := handlers.NewModelsHandler()
	healthHandler := handlers.NewHealthHandler(p)
	limitsHandler := handlers.NewLimitsHandler(p)
	adminHandler := handlers.NewAdminHandler(cfg, p)

	// Client-facing API, gated by the API key when configured
	v1 := router.Group("/v1")
	v1.Use(APIKeyAuthMiddleware(cfg))
	{
		v1.POST("/messages", messagesHandler.CreateMessage)
		v1.POST("/messages/count_tokens", messagesHandler.CountTokens)
		v1.POST("/chat/completions", chatHandler.CreateChatCompletion)
		v1.GET("/models", modelsHandler.ListModels)
	}

	// Operational surface
	router.GET("/health", healthHandler.Health)
	router.GET("/account-limits", limitsHandler.AccountLimits)
	router.POST("/refresh-token", limitsHandler.RefreshToken)

	// Admin surface, gated by the admin key when configured
	api := router.Group("/api")
	api.Use(AdminAuthMiddleware(cfg))
	{
		api.GET("/admin/config", adminHandler.GetConfig)
		api.POST("/admin/config", adminHandler.UpdateConfig)
		api.POST("/admin/backup", adminHandler.CreateBackup)
		api.GET("/admin/backups", adminHandler.ListBackups)
		api.GET("/flows", adminHandler.ListFlows)
		api.DELETE("/flows", adminHandler.ClearFlows)
		api.GET("/usage", limitsHandler.Usage)
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"type": "error",
			"error": gin.H{
				"type":    "invalid_request_error",
				"message": "Not found: " + c.Request.URL.Path,
			},
		})
	})

	return router
}
