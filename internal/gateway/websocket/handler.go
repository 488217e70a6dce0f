package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/meshhub/meshhub/internal/common/ident"
	"github.com/meshhub/meshhub/internal/common/logger"
	"github.com/meshhub/meshhub/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The hub sits behind the same-origin dashboard and API-key auth.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler upgrades HTTP requests to event stream subscriptions.
type Handler struct {
	hub    *Hub
	logger *logger.Logger
}

// NewHandler creates a WebSocket handler.
func NewHandler(hub *Hub, log *logger.Logger) *Handler {
	return &Handler{hub: hub, logger: log}
}

// RegisterRoutes registers the stream route on the API group.
func (h *Handler) RegisterRoutes(api *gin.RouterGroup) {
	api.GET("/events/stream", h.stream)
}

// stream upgrades the connection and pushes events matching the subject
// pattern from the query string. No pattern subscribes to everything.
func (h *Handler) stream(c *gin.Context) {
	pattern := c.Query("subject")
	if pattern == "" {
		pattern = events.SubjectAll
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	client := NewClient(ident.New(), pattern, conn, h.hub, h.logger)
	h.hub.Register(client)
	h.logger.Info("Event stream opened",
		zap.String("client_id", client.ID),
		zap.String("pattern", pattern))

	go client.WritePump()
	go client.ReadPump()
}
