// Package handlers exposes the agent registry over HTTP.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/meshhub/meshhub/internal/agent/models"
	"github.com/meshhub/meshhub/internal/agent/registry"
	"github.com/meshhub/meshhub/internal/common/apperr"
	"github.com/meshhub/meshhub/internal/common/logger"
)

// HTTPHandler handles agent API requests.
type HTTPHandler struct {
	registry *registry.Registry
	logger   *logger.Logger
}

// NewHTTPHandler creates an agent HTTP handler.
func NewHTTPHandler(reg *registry.Registry, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{registry: reg, logger: log}
}

// RegisterRoutes registers agent routes on the API group.
func (h *HTTPHandler) RegisterRoutes(api *gin.RouterGroup) {
	api.POST("/agents", h.registerAgent)
	api.GET("/agents", h.listAgents)
	api.GET("/agents/:id", h.getAgent)
	api.PUT("/agents/:id", h.updateAgent)
	api.DELETE("/agents/:id", h.deleteAgent)
}

type agentRequest struct {
	ProjectID    string          `json:"project_id"`
	Name         string          `json:"name" binding:"required"`
	Type         models.Type     `json:"type" binding:"required"`
	Risk         models.Risk     `json:"risk" binding:"required"`
	Image        string          `json:"image" binding:"required"`
	InputSchema  json.RawMessage `json:"input_schema"`
	OutputSchema json.RawMessage `json:"output_schema"`
	Capabilities []string        `json:"capabilities"`
}

func (h *HTTPHandler) registerAgent(c *gin.Context) {
	var req agentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Validationf("invalid request body: %v", err))
		return
	}

	a := &models.Agent{
		ProjectID:    req.ProjectID,
		Name:         req.Name,
		Type:         req.Type,
		Risk:         req.Risk,
		Image:        req.Image,
		InputSchema:  req.InputSchema,
		OutputSchema: req.OutputSchema,
		Capabilities: req.Capabilities,
	}
	if err := h.registry.Register(c.Request.Context(), a); err != nil {
		h.logger.WithError(err).Error("Failed to register agent", zap.String("name", req.Name))
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

func (h *HTTPHandler) listAgents(c *gin.Context) {
	agents, err := h.registry.List(c.Request.Context(), c.Query("project_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

func (h *HTTPHandler) getAgent(c *gin.Context) {
	a, err := h.registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *HTTPHandler) updateAgent(c *gin.Context) {
	var req agentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Validationf("invalid request body: %v", err))
		return
	}

	a := &models.Agent{
		ID:           c.Param("id"),
		ProjectID:    req.ProjectID,
		Name:         req.Name,
		Type:         req.Type,
		Risk:         req.Risk,
		Image:        req.Image,
		InputSchema:  req.InputSchema,
		OutputSchema: req.OutputSchema,
		Capabilities: req.Capabilities,
	}
	if err := h.registry.Update(c.Request.Context(), a); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *HTTPHandler) deleteAgent(c *gin.Context) {
	if err := h.registry.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
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
