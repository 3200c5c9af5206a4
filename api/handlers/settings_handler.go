package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/pahe-extract-go/internal/app"
)

// SettingsHandler exposes the runtime-adjustable queue settings
type SettingsHandler struct {
	queueMgr *app.QueueManager
}

// NewSettingsHandler creates a new settings handler
func NewSettingsHandler(queueMgr *app.QueueManager) *SettingsHandler {
	return &SettingsHandler{queueMgr: queueMgr}
}

// UpdateSettingsRequest carries the settings to change; omitted fields stay as they are
type UpdateSettingsRequest struct {
	DownloadPath *string `json:"download_path"`
	MaxWorkers   *int    `json:"max_workers"`
}

// Get handles GET /api/v1/settings
func (h *SettingsHandler) Get(c *gin.Context) {
	c.JSON(http.StatusOK, h.queueMgr.Settings())
}

// Update handles PUT /api/v1/settings
func (h *SettingsHandler) Update(c *gin.Context) {
	var req UpdateSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	settings, err := h.queueMgr.UpdateSettings(req.DownloadPath, req.MaxWorkers)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, settings)
}
