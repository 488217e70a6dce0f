// Package handlers exposes workflows, runs, and approvals over HTTP.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/meshhub/meshhub/internal/common/apperr"
	"github.com/meshhub/meshhub/internal/common/logger"
	"github.com/meshhub/meshhub/internal/workflow/engine"
	"github.com/meshhub/meshhub/internal/workflow/models"
	"github.com/meshhub/meshhub/internal/workflow/repository"
	"github.com/meshhub/meshhub/internal/workflow/service"
)

// HTTPHandler handles workflow API requests.
type HTTPHandler struct {
	svc    *service.Service
	engine *engine.Engine
	repo   *repository.Repository
	logger *logger.Logger
}

// NewHTTPHandler creates a workflow HTTP handler.
func NewHTTPHandler(svc *service.Service, eng *engine.Engine, repo *repository.Repository, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{svc: svc, engine: eng, repo: repo, logger: log}
}

// RegisterRoutes registers workflow routes on the API group.
func (h *HTTPHandler) RegisterRoutes(api *gin.RouterGroup) {
	api.POST("/workflows", h.createWorkflow)
	api.GET("/workflows", h.listWorkflows)
	api.GET("/workflows/:id", h.getWorkflow)
	api.PUT("/workflows/:id", h.updateWorkflow)
	api.DELETE("/workflows/:id", h.deleteWorkflow)
	api.POST("/workflows/:id/activate", h.activateWorkflow)
	api.POST("/workflows/:id/disable", h.disableWorkflow)
	api.POST("/workflows/:id/trigger", h.triggerRun)
	api.GET("/workflows/:id/runs", h.listRuns)
	api.GET("/workflows/runs", h.listRunsByTrigger)

	api.GET("/runs/:id", h.getRun)
	api.POST("/runs/:id/cancel", h.cancelRun)

	api.GET("/approvals", h.listApprovals)
	api.POST("/approvals/:id/decide", h.decideApproval)
}

type workflowRequest struct {
	ProjectID     string             `json:"project_id"`
	Name          string             `json:"name" binding:"required"`
	Trigger       models.TriggerType `json:"trigger" binding:"required"`
	TriggerConfig json.RawMessage    `json:"trigger_config"`
	Nodes         []models.Node      `json:"nodes" binding:"required"`
}

func (h *HTTPHandler) createWorkflow(c *gin.Context) {
	var req workflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Validationf("invalid request body: %v", err))
		return
	}

	w := &models.Workflow{
		ProjectID:     req.ProjectID,
		Name:          req.Name,
		Trigger:       req.Trigger,
		TriggerConfig: req.TriggerConfig,
		Nodes:         req.Nodes,
	}
	if err := h.svc.Create(c.Request.Context(), w); err != nil {
		h.logger.WithError(err).Error("Failed to create workflow", zap.String("name", req.Name))
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, w)
}

func (h *HTTPHandler) listWorkflows(c *gin.Context) {
	workflows, err := h.svc.List(c.Request.Context(), c.Query("project_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflows": workflows})
}

func (h *HTTPHandler) getWorkflow(c *gin.Context) {
	w, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (h *HTTPHandler) updateWorkflow(c *gin.Context) {
	var req workflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Validationf("invalid request body: %v", err))
		return
	}

	w := &models.Workflow{
		ID:            c.Param("id"),
		ProjectID:     req.ProjectID,
		Name:          req.Name,
		Trigger:       req.Trigger,
		TriggerConfig: req.TriggerConfig,
		Nodes:         req.Nodes,
	}
	if err := h.svc.Update(c.Request.Context(), w); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (h *HTTPHandler) deleteWorkflow(c *gin.Context) {
	if err := h.svc.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *HTTPHandler) activateWorkflow(c *gin.Context) {
	w, err := h.svc.Activate(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (h *HTTPHandler) disableWorkflow(c *gin.Context) {
	w, err := h.svc.Disable(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

type triggerRequest struct {
	TriggerContext json.RawMessage `json:"trigger_context"`
	CorrelationID  string          `json:"correlation_id"`
}

func (h *HTTPHandler) triggerRun(c *gin.Context) {
	var req triggerRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, apperr.Validationf("invalid request body: %v", err))
			return
		}
	}

	run, err := h.engine.TriggerRun(c.Request.Context(), c.Param("id"), req.TriggerContext, req.CorrelationID)
	if err != nil {
		h.logger.WithError(err).Error("Failed to trigger run", zap.String("workflow_id", c.Param("id")))
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, run)
}

func (h *HTTPHandler) listRuns(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(c, apperr.Validation("invalid limit"))
			return
		}
		limit = n
	}
	runs, err := h.repo.ListRuns(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

// listRunsByTrigger lists runs across workflows; ?trigger=<source> narrows
// to runs started by that webhook source.
func (h *HTTPHandler) listRunsByTrigger(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(c, apperr.Validation("invalid limit"))
			return
		}
		limit = n
	}
	runs, err := h.repo.ListRunsByTrigger(c.Request.Context(), c.Query("trigger"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (h *HTTPHandler) getRun(c *gin.Context) {
	ctx := c.Request.Context()
	run, err := h.repo.GetRun(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	nodeRuns, err := h.repo.ListNodeRuns(ctx, run.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run, "node_runs": nodeRuns})
}

func (h *HTTPHandler) cancelRun(c *gin.Context) {
	if err := h.engine.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

func (h *HTTPHandler) listApprovals(c *gin.Context) {
	approvals, err := h.repo.ListApprovals(c.Request.Context(),
		c.Query("run_id"), models.ApprovalStatus(c.Query("status")))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"approvals": approvals})
}

type decisionRequest struct {
	Decision string `json:"decision" binding:"required"`
	Approver string `json:"approver"`
}

func (h *HTTPHandler) decideApproval(c *gin.Context) {
	var req decisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Validationf("invalid request body: %v", err))
		return
	}
	var approve bool
	switch req.Decision {
	case "approve":
		approve = true
	case "reject":
		approve = false
	default:
		respondError(c, apperr.Validationf("decision must be \"approve\" or \"reject\", got %q", req.Decision))
		return
	}

	a, err := h.engine.DecideApproval(c.Request.Context(), c.Param("id"), approve, req.Approver)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
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
