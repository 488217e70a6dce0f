// Package handlers exposes project CRUD and lifecycle over HTTP.
package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/meshhub/meshhub/internal/common/apperr"
	"github.com/meshhub/meshhub/internal/common/logger"
	"github.com/meshhub/meshhub/internal/project/orchestrator"
)

// HTTPHandler handles project API requests.
type HTTPHandler struct {
	orch   *orchestrator.Orchestrator
	logger *logger.Logger
}

// NewHTTPHandler creates a project HTTP handler.
func NewHTTPHandler(orch *orchestrator.Orchestrator, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{orch: orch, logger: log}
}

// RegisterRoutes registers project routes on the API group.
func (h *HTTPHandler) RegisterRoutes(api *gin.RouterGroup) {
	api.POST("/projects", h.createProject)
	api.GET("/projects", h.listProjects)
	api.GET("/projects/:id", h.getProject)
	api.POST("/projects/:id/start", h.startProject)
	api.POST("/projects/:id/stop", h.stopProject)
	api.POST("/projects/:id/restart", h.restartProject)
	api.DELETE("/projects/:id", h.deleteProject)
}

type createProjectRequest struct {
	Name  string `json:"name" binding:"required"`
	Path  string `json:"path" binding:"required"`
	Ports *struct {
		Backend  int `json:"backend"`
		Frontend int `json:"frontend"`
		DB       int `json:"db"`
		Cache    int `json:"cache"`
	} `json:"ports"`
}

func (h *HTTPHandler) createProject(c *gin.Context) {
	var req createProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Validationf("invalid request body: %v", err))
		return
	}

	create := orchestrator.CreateRequest{Name: req.Name, Path: req.Path}
	if req.Ports != nil {
		create.BackendPort = req.Ports.Backend
		create.FrontendPort = req.Ports.Frontend
		create.DBPort = req.Ports.DB
		create.CachePort = req.Ports.Cache
	}

	p, err := h.orch.Create(c.Request.Context(), create)
	if err != nil {
		h.logger.WithError(err).Error("Failed to create project", zap.String("name", req.Name))
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (h *HTTPHandler) listProjects(c *gin.Context) {
	projects, err := h.orch.List(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to list projects")
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

func (h *HTTPHandler) getProject(c *gin.Context) {
	p, err := h.orch.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *HTTPHandler) startProject(c *gin.Context) {
	err := h.orch.Start(c.Request.Context(), c.Param("id"), requestKey(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

func (h *HTTPHandler) stopProject(c *gin.Context) {
	err := h.orch.Stop(c.Request.Context(), c.Param("id"), requestKey(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

func (h *HTTPHandler) restartProject(c *gin.Context) {
	err := h.orch.Restart(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

func (h *HTTPHandler) deleteProject(c *gin.Context) {
	deleteFiles, _ := strconv.ParseBool(c.DefaultQuery("deleteFiles", "false"))
	err := h.orch.Delete(c.Request.Context(), c.Param("id"), deleteFiles)
	if err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// requestKey extracts the caller-supplied idempotency key, if any.
func requestKey(c *gin.Context) string {
	return c.GetHeader("Idempotency-Key")
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
