package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourusername/pahe-extract-go/internal/app"
	"github.com/yourusername/pahe-extract-go/internal/domain"
)

// ResolveHandler turns embed pages into direct links
type ResolveHandler struct {
	resolver app.LinkResolver
	logger   *zap.Logger
}

// NewResolveHandler creates a new resolve handler
func NewResolveHandler(resolver app.LinkResolver, logger *zap.Logger) *ResolveHandler {
	return &ResolveHandler{
		resolver: resolver,
		logger:   logger,
	}
}

// ResolveRequest names either one embed page or a set of quality options
// to choose from with Resolution
type ResolveRequest struct {
	EmbedURL   string                  `json:"embed_url"`
	Options    []domain.DownloadOption `json:"options" binding:"omitempty,dive"`
	Resolution int                     `json:"resolution"`
}

// Resolve handles POST /api/v1/resolve
func (h *ResolveHandler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	embedURL, resolution := req.EmbedURL, 0
	if embedURL == "" {
		opt, ok := domain.SelectOption(req.Options, req.Resolution)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "embed_url or options is required"})
			return
		}
		embedURL, resolution = opt.EmbedURL, opt.Resolution
	}

	direct, err := h.resolver.Resolve(c.Request.Context(), embedURL)
	if err != nil {
		h.logger.Warn("Resolution failed", zap.String("embed_url", embedURL), zap.Error(err))
		c.JSON(resolveStatus(err), resolveErrorBody(err))
		return
	}

	body := gin.H{"url": direct}
	if resolution > 0 {
		body["resolution"] = resolution
	}
	c.JSON(http.StatusOK, body)
}

func resolveStatus(err error) int {
	var resErr *domain.ResolutionError
	switch {
	case errors.Is(err, domain.ErrCancelled):
		return http.StatusServiceUnavailable
	case errors.As(err, &resErr):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func resolveErrorBody(err error) gin.H {
	body := gin.H{"error": err.Error()}
	var resErr *domain.ResolutionError
	if errors.As(err, &resErr) {
		body["stage"] = resErr.Stage
		body["attempts"] = resErr.Attempts
		if resErr.Cause != nil {
			body["cause"] = resErr.Cause.Error()
		}
	}
	return body
}
