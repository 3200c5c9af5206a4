package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourusername/pahe-extract-go/internal/app"
	"github.com/yourusername/pahe-extract-go/internal/domain"
)

// CatalogHandler lists a title's episodes and their download options
type CatalogHandler struct {
	catalog app.EpisodeCatalog
	logger  *zap.Logger
}

// NewCatalogHandler creates a new catalog handler
func NewCatalogHandler(catalog app.EpisodeCatalog, logger *zap.Logger) *CatalogHandler {
	return &CatalogHandler{
		catalog: catalog,
		logger:  logger,
	}
}

// Episodes handles GET /api/v1/anime/:session/episodes?page=N or ?all=true
func (h *CatalogHandler) Episodes(c *gin.Context) {
	animeSession := c.Param("session")

	if all, _ := strconv.ParseBool(c.Query("all")); all {
		episodes, err := h.catalog.AllEpisodes(c.Request.Context(), animeSession)
		if err != nil {
			h.fail(c, err, zap.String("anime", animeSession))
			return
		}
		c.JSON(http.StatusOK, gin.H{"episodes": episodes, "total": len(episodes)})
		return
	}

	page := 1
	if raw := c.Query("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid page"})
			return
		}
		page = n
	}

	result, err := h.catalog.Episodes(c.Request.Context(), animeSession, page)
	if err != nil {
		h.fail(c, err, zap.String("anime", animeSession), zap.Int("page", page))
		return
	}
	c.JSON(http.StatusOK, result)
}

// Options handles GET /api/v1/anime/:session/episodes/:episode/options
func (h *CatalogHandler) Options(c *gin.Context) {
	animeSession, episodeSession := c.Param("session"), c.Param("episode")

	options, err := h.catalog.DownloadOptions(c.Request.Context(), animeSession, episodeSession)
	if err != nil {
		h.fail(c, err, zap.String("anime", animeSession), zap.String("episode", episodeSession))
		return
	}

	body := gin.H{"options": options}
	if res, err := strconv.Atoi(c.Query("resolution")); err == nil {
		if opt, ok := domain.SelectOption(options, res); ok {
			body["selected"] = opt
		}
	}
	c.JSON(http.StatusOK, body)
}

func (h *CatalogHandler) fail(c *gin.Context, err error, fields ...zap.Field) {
	h.logger.Warn("Catalog request failed", append(fields, zap.Error(err))...)

	status := http.StatusBadGateway
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, domain.ErrCancelled) {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
