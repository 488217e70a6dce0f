// Package handlers exposes the event service over HTTP.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/meshhub/meshhub/internal/common/apperr"
	"github.com/meshhub/meshhub/internal/common/logger"
	"github.com/meshhub/meshhub/internal/events/repository"
	"github.com/meshhub/meshhub/internal/events/service"
)

// HTTPHandler handles event API requests.
type HTTPHandler struct {
	svc     *service.Service
	hubSlug string
	logger  *logger.Logger
}

// NewHTTPHandler creates an event HTTP handler.
func NewHTTPHandler(svc *service.Service, hubSlug string, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{svc: svc, hubSlug: hubSlug, logger: log}
}

// RegisterRoutes registers event routes on the API group.
func (h *HTTPHandler) RegisterRoutes(api *gin.RouterGroup) {
	api.POST("/events", h.publishEvent)
	api.GET("/events", h.queryEvents)
}

type publishEventRequest struct {
	Subject       string          `json:"subject" binding:"required"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationID string          `json:"correlation_id"`
}

type eventResponse struct {
	ID            string          `json:"id"`
	Subject       string          `json:"subject"`
	Origin        string          `json:"origin"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

func (h *HTTPHandler) publishEvent(c *gin.Context) {
	var req publishEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Validationf("invalid request body: %v", err))
		return
	}

	ev, err := h.svc.Publish(c.Request.Context(), req.Subject, h.hubSlug, req.Payload, req.CorrelationID)
	if err != nil {
		h.logger.WithError(err).Error("Failed to publish event", zap.String("subject", req.Subject))
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, eventResponse{
		ID:            ev.ID,
		Subject:       ev.Subject,
		Origin:        ev.Origin,
		CorrelationID: ev.CorrelationID,
		Timestamp:     ev.Timestamp,
		Payload:       ev.Payload,
	})
}

func (h *HTTPHandler) queryEvents(c *gin.Context) {
	f := repository.Filter{
		SubjectPattern: c.Query("subject"),
		CorrelationID:  c.Query("correlation_id"),
		Origin:         c.Query("origin"),
		AfterID:        c.Query("after_id"),
	}

	var err error
	if f.SinceUS, err = parseTimeParam(c.Query("since")); err != nil {
		respondError(c, apperr.Validationf("invalid since: %v", err))
		return
	}
	if f.UntilUS, err = parseTimeParam(c.Query("until")); err != nil {
		respondError(c, apperr.Validationf("invalid until: %v", err))
		return
	}
	if ts := c.Query("after_ts"); ts != "" {
		if f.AfterTimestampUS, err = strconv.ParseInt(ts, 10, 64); err != nil {
			respondError(c, apperr.Validationf("invalid after_ts: %v", err))
			return
		}
	}
	if limit := c.Query("limit"); limit != "" {
		if f.Limit, err = strconv.Atoi(limit); err != nil || f.Limit < 0 {
			respondError(c, apperr.Validation("invalid limit"))
			return
		}
	}

	stored, err := h.svc.Query(c.Request.Context(), f)
	if err != nil {
		h.logger.WithError(err).Error("Failed to query events")
		respondError(c, err)
		return
	}

	events := make([]eventResponse, 0, len(stored))
	for _, se := range stored {
		ev := se.ToBusEvent()
		events = append(events, eventResponse{
			ID:            ev.ID,
			Subject:       ev.Subject,
			Origin:        ev.Origin,
			CorrelationID: ev.CorrelationID,
			Timestamp:     ev.Timestamp,
			Payload:       ev.Payload,
		})
	}

	resp := gin.H{"events": events}
	if len(stored) > 0 {
		last := stored[len(stored)-1]
		resp["next_after_id"] = last.ID
		resp["next_after_ts"] = last.TimestampUS
	}
	c.JSON(http.StatusOK, resp)
}

// parseTimeParam accepts RFC3339 or unix microseconds.
func parseTimeParam(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	if us, err := strconv.ParseInt(v, 10, 64); err == nil {
		return us, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return 0, err
	}
	return t.UnixMicro(), nil
}
