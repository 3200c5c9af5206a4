package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/pahe-extract-go/internal/app"
)

// BatchHandler handles batch resolve-and-queue jobs
type BatchHandler struct {
	batches *app.BatchManager
}

// NewBatchHandler creates a new batch handler
func NewBatchHandler(batches *app.BatchManager) *BatchHandler {
	return &BatchHandler{batches: batches}
}

// Submit handles POST /api/v1/batch
func (h *BatchHandler) Submit(c *gin.Context) {
	var req app.BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := h.batches.Submit(req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID})
}

// List handles GET /api/v1/batch
func (h *BatchHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, h.batches.List())
}

// Get handles GET /api/v1/batch/:id
func (h *BatchHandler) Get(c *gin.Context) {
	job, ok := h.batches.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "batch job not found"})
		return
	}
	c.JSON(http.StatusOK, job.Status())
}

// Cancel handles DELETE /api/v1/batch/:id
func (h *BatchHandler) Cancel(c *gin.Context) {
	if !h.batches.Cancel(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "batch job not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "batch job cancelled"})
}
