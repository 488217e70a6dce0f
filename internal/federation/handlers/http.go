// Package handlers exposes the federation catalog over HTTP.
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/meshhub/meshhub/internal/common/apperr"
	"github.com/meshhub/meshhub/internal/common/logger"
	"github.com/meshhub/meshhub/internal/federation/catalog"
	"github.com/meshhub/meshhub/internal/federation/models"
)

// HTTPHandler handles federation API requests.
type HTTPHandler struct {
	catalog *catalog.Catalog
	logger  *logger.Logger
}

// NewHTTPHandler creates a federation HTTP handler.
func NewHTTPHandler(cat *catalog.Catalog, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{catalog: cat, logger: log}
}

// RegisterRoutes registers federation routes on the API group.
func (h *HTTPHandler) RegisterRoutes(api *gin.RouterGroup) {
	api.POST("/federation/hubs", h.registerHub)
	api.GET("/federation/hubs", h.listHubs)
	api.GET("/federation/hubs/:slug", h.getHub)
	api.DELETE("/federation/hubs/:slug", h.deleteHub)
	api.POST("/federation/heartbeat", h.ingestHeartbeat)
}

type registerHubRequest struct {
	Slug          string   `json:"slug" binding:"required"`
	Name          string   `json:"name"`
	HubURL        string   `json:"hub_url" binding:"required"`
	MeshNamespace string   `json:"mesh_namespace" binding:"required"`
	Tags          []string `json:"tags"`
}

func (h *HTTPHandler) registerHub(c *gin.Context) {
	var req registerHubRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Validationf("invalid request body: %v", err))
		return
	}

	hub := &models.Hub{
		Slug:          req.Slug,
		Name:          req.Name,
		HubURL:        req.HubURL,
		MeshNamespace: req.MeshNamespace,
		Tags:          req.Tags,
	}
	if err := h.catalog.Register(c.Request.Context(), hub); err != nil {
		h.logger.WithError(err).Error("Failed to register federation hub", zap.String("slug", req.Slug))
		respondError(c, err)
		return
	}

	stored, err := h.catalog.Get(c.Request.Context(), hub.Slug)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, stored)
}

func (h *HTTPHandler) listHubs(c *gin.Context) {
	hubs, err := h.catalog.List(c.Request.Context(), models.Status(c.Query("status")))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"hubs": hubs})
}

func (h *HTTPHandler) getHub(c *gin.Context) {
	hub, err := h.catalog.Get(c.Request.Context(), c.Param("slug"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, hub)
}

func (h *HTTPHandler) deleteHub(c *gin.Context) {
	if err := h.catalog.Delete(c.Request.Context(), c.Param("slug")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type heartbeatRequest struct {
	ProjectSlug   string        `json:"project_slug" binding:"required"`
	MeshNamespace string        `json:"mesh_namespace" binding:"required"`
	HubURL        string        `json:"hub_url"`
	Status        models.Status `json:"status"`
	Timestamp     time.Time     `json:"timestamp"`
	Version       string        `json:"version"`
}

func (h *HTTPHandler) ingestHeartbeat(c *gin.Context) {
	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Validationf("invalid request body: %v", err))
		return
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now().UTC()
	}

	hb := &models.Heartbeat{
		ProjectSlug:   req.ProjectSlug,
		MeshNamespace: req.MeshNamespace,
		HubURL:        req.HubURL,
		Status:        req.Status,
		Timestamp:     req.Timestamp,
		Version:       req.Version,
	}
	if err := h.catalog.IngestHeartbeat(c.Request.Context(), hb); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": true})
}

func respondError(c *gin.Context, err error) {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		appErr = apperr.Internal("internal error", err)
	}
	c.JSON(appErr.HTTPStatus, gin.H{
		"error": gin.H{"code": appErr.Code, "message": appErr.Message},
	})
}
