// Package handlers accepts inbound webhooks from external alert sources and
// republishes their payloads on the bus, where they feed workflow triggers.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/meshhub/meshhub/internal/common/apperr"
	"github.com/meshhub/meshhub/internal/common/ident"
	"github.com/meshhub/meshhub/internal/common/logger"
	"github.com/meshhub/meshhub/internal/events"
	eventsvc "github.com/meshhub/meshhub/internal/events/service"
)

// maxWebhookBody bounds inbound payloads. Alertmanager batches stay well
// under this.
const maxWebhookBody = 1 << 20

var sourcePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// HTTPHandler handles the webhook inbox.
type HTTPHandler struct {
	events  *eventsvc.Service
	hubSlug string
	logger  *logger.Logger
}

// NewHTTPHandler creates a webhook handler.
func NewHTTPHandler(eventService *eventsvc.Service, hubSlug string, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{events: eventService, hubSlug: hubSlug, logger: log}
}

// RegisterRoutes registers the inbox route on the API group.
func (h *HTTPHandler) RegisterRoutes(api *gin.RouterGroup) {
	api.POST("/webhooks/:source", h.ingest)
}

// ingest republishes the webhook body on hub.<slug>.webhook.<source>. The
// correlation id comes from the X-Correlation-ID header or is minted here so
// downstream workflow runs stay traceable to this delivery.
func (h *HTTPHandler) ingest(c *gin.Context) {
	source := c.Param("source")
	if !sourcePattern.MatchString(source) {
		respondError(c, apperr.Validationf("invalid webhook source %q", source))
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil {
		respondError(c, apperr.Validationf("failed to read body: %v", err))
		return
	}
	if len(body) > maxWebhookBody {
		respondError(c, apperr.Validation("webhook body too large"))
		return
	}
	if len(body) == 0 {
		body = []byte(`{}`)
	}
	if !json.Valid(body) {
		respondError(c, apperr.Validation("webhook body must be JSON"))
		return
	}

	correlationID := c.GetHeader("X-Correlation-ID")
	if correlationID == "" {
		correlationID = ident.New()
	}

	subject := events.SubjectWebhook(h.hubSlug, source)
	ev, err := h.events.Publish(c.Request.Context(), subject, h.hubSlug, body, correlationID)
	if err != nil {
		h.logger.WithError(err).Error("Failed to publish webhook event", zap.String("source", source))
		respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"event_id":       ev.ID,
		"subject":        ev.Subject,
		"correlation_id": ev.CorrelationID,
	})
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
