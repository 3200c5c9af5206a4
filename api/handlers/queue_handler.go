package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourusername/pahe-extract-go/internal/app"
	"github.com/yourusername/pahe-extract-go/internal/domain"
)

// QueueHandler handles transfer queue requests
type QueueHandler struct {
	ctx      context.Context
	queueMgr *app.QueueManager
	logger   *zap.Logger
}

// NewQueueHandler creates a new queue handler. Workers started through the
// API run until ctx is cancelled or the queue is stopped.
func NewQueueHandler(ctx context.Context, queueMgr *app.QueueManager, logger *zap.Logger) *QueueHandler {
	return &QueueHandler{
		ctx:      ctx,
		queueMgr: queueMgr,
		logger:   logger,
	}
}

// AddDownloadRequest represents a request to queue a resolved link
type AddDownloadRequest struct {
	URL        string  `json:"url" binding:"required"`
	Group      string  `json:"group"`
	Episode    float64 `json:"episode"`
	Resolution int     `json:"resolution"`
	Filename   string  `json:"filename,omitempty"`
}

// AddDownload handles POST /api/v1/downloads
func (h *QueueHandler) AddDownload(c *gin.Context) {
	var req AddDownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := h.queueMgr.Enqueue(domain.EnqueueRequest{
		URL:        req.URL,
		Group:      req.Group,
		Episode:    req.Episode,
		Resolution: req.Resolution,
		Filename:   req.Filename,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"id": id})
}

// GetDownload handles GET /api/v1/downloads/:id
func (h *QueueHandler) GetDownload(c *gin.Context) {
	snap, err := h.queueMgr.Get(c.Param("id"))
	if err != nil {
		if errors.Is(err, app.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "download not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, snap)
}

// Status handles GET /api/v1/queue
func (h *QueueHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.queueMgr.Status())
}

// Cancel handles DELETE /api/v1/queue/:id
func (h *QueueHandler) Cancel(c *gin.Context) {
	id := c.Param("id")

	if !h.queueMgr.Cancel(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "download not found or already finished"})
		return
	}

	h.logger.Info("Download cancelled", zap.String("id", id))
	c.JSON(http.StatusOK, gin.H{"message": "download cancelled"})
}

// RetryFailed handles POST /api/v1/queue/retry
func (h *QueueHandler) RetryFailed(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"retried": h.queueMgr.RetryFailed()})
}

// ClearCompleted handles POST /api/v1/queue/clear
func (h *QueueHandler) ClearCompleted(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"cleared": h.queueMgr.ClearCompleted()})
}

// Start handles POST /api/v1/queue/start
func (h *QueueHandler) Start(c *gin.Context) {
	if h.queueMgr.IsRunning() {
		c.JSON(http.StatusConflict, gin.H{"error": "queue already running"})
		return
	}
	if err := h.queueMgr.Start(h.ctx, 0); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.queueMgr.Status())
}

// Stop handles POST /api/v1/queue/stop
func (h *QueueHandler) Stop(c *gin.Context) {
	if err := h.queueMgr.Stop(); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.queueMgr.Status())
}
