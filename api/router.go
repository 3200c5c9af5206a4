package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourusername/pahe-extract-go/api/handlers"
	"github.com/yourusername/pahe-extract-go/api/middleware"
	"github.com/yourusername/pahe-extract-go/internal/app"
	"github.com/yourusername/pahe-extract-go/internal/domain"
	"github.com/yourusername/pahe-extract-go/pkg/logger"
)

// Dependencies are the components the HTTP API is built on
type Dependencies struct {
	// Context bounds workers started through the API
	Context     context.Context
	Queue       *app.QueueManager
	Resolver    app.LinkResolver
	Batches     *app.BatchManager
	Catalog     app.EpisodeCatalog
	History     domain.HistoryRepository
	Logger      *zap.Logger
	MultiLogger *logger.MultiLogger
	LogsDir     string
	// Heartbeat is the progress WebSocket heartbeat period; zero uses 30s
	Heartbeat time.Duration
}

// SetupRouter sets up the HTTP router
func SetupRouter(deps Dependencies) *gin.Engine {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Context == nil {
		deps.Context = context.Background()
	}

	router := gin.New()

	router.Use(middleware.Logger(deps.Logger, deps.MultiLogger))
	router.Use(middleware.Recovery(deps.Logger, deps.MultiLogger))
	router.Use(middleware.CORS())

	healthHandler := handlers.NewHealthHandler(deps.Queue)
	router.GET("/health", healthHandler.Health)
	router.GET("/ready", healthHandler.Ready)

	v1 := router.Group("/api/v1")
	{
		queueHandler := handlers.NewQueueHandler(deps.Context, deps.Queue, deps.Logger)
		v1.POST("/downloads", queueHandler.AddDownload)
		v1.GET("/downloads/:id", queueHandler.GetDownload)

		queue := v1.Group("/queue")
		{
			queue.GET("", queueHandler.Status)
			queue.POST("/retry", queueHandler.RetryFailed)
			queue.POST("/clear", queueHandler.ClearCompleted)
			queue.POST("/start", queueHandler.Start)
			queue.POST("/stop", queueHandler.Stop)
			queue.DELETE("/:id", queueHandler.Cancel)
		}

		if deps.Resolver != nil {
			resolveHandler := handlers.NewResolveHandler(deps.Resolver, deps.Logger)
			v1.POST("/resolve", resolveHandler.Resolve)
		}

		if deps.Catalog != nil {
			catalogHandler := handlers.NewCatalogHandler(deps.Catalog, deps.Logger)
			anime := v1.Group("/anime/:session")
			{
				anime.GET("/episodes", catalogHandler.Episodes)
				anime.GET("/episodes/:episode/options", catalogHandler.Options)
			}
		}

		if deps.Batches != nil {
			batchHandler := handlers.NewBatchHandler(deps.Batches)
			batch := v1.Group("/batch")
			{
				batch.POST("", batchHandler.Submit)
				batch.GET("", batchHandler.List)
				batch.GET("/:id", batchHandler.Get)
				batch.DELETE("/:id", batchHandler.Cancel)
			}
		}

		if deps.History != nil {
			historyHandler := handlers.NewHistoryHandler(deps.History, deps.Logger)
			v1.GET("/history", historyHandler.List)
			v1.GET("/history/stats", historyHandler.Stats)
		}

		settingsHandler := handlers.NewSettingsHandler(deps.Queue)
		v1.GET("/settings", settingsHandler.Get)
		v1.PUT("/settings", settingsHandler.Update)

		wsHandler := handlers.NewProgressWebSocketHandler(deps.Queue, deps.Logger, deps.Heartbeat)
		v1.GET("/ws/progress", wsHandler.HandleWebSocket)

		if deps.LogsDir != "" {
			logHandler := handlers.NewLogHandler(deps.LogsDir)
			logs := v1.Group("/logs")
			{
				logs.GET("/categories", logHandler.GetCategories)
				logs.GET("/:category", logHandler.GetLogs)
				logs.GET("/:category/search", logHandler.SearchLogs)
				logs.GET("/:category/export", logHandler.ExportLogs)
			}
		}
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	return router
}
