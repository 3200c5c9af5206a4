package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourusername/pahe-extract-go/internal/domain"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// HistoryHandler serves persisted transfer history
type HistoryHandler struct {
	repo   domain.HistoryRepository
	logger *zap.Logger
}

// NewHistoryHandler creates a new history handler
func NewHistoryHandler(repo domain.HistoryRepository, logger *zap.Logger) *HistoryHandler {
	return &HistoryHandler{
		repo:   repo,
		logger: logger,
	}
}

// List handles GET /api/v1/history?limit=&group=
func (h *HistoryHandler) List(c *gin.Context) {
	var (
		records []*domain.HistoryRecord
		err     error
	)
	if group := c.Query("group"); group != "" {
		records, err = h.repo.FindByGroup(group)
	} else {
		records, err = h.repo.Recent(parseLimit(c.Query("limit")))
	}
	if err != nil {
		h.logger.Error("Failed to read history", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read history"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"count":   len(records),
		"records": records,
	})
}

// Stats handles GET /api/v1/history/stats
func (h *HistoryHandler) Stats(c *gin.Context) {
	stats, err := h.repo.GetStats()
	if err != nil {
		h.logger.Error("Failed to get history stats", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read history"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func parseLimit(s string) int {
	limit, err := strconv.Atoi(s)
	if err != nil || limit < 1 {
		return defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}
