// Package websocket streams bus events to WebSocket clients. Each client
// subscribes with a subject pattern; slow clients drop their oldest queued
// events rather than stalling the fan-out.
package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meshhub/meshhub/internal/common/logger"
	"github.com/meshhub/meshhub/internal/events"
	"github.com/meshhub/meshhub/internal/events/bus"
	eventsvc "github.com/meshhub/meshhub/internal/events/service"
)

// defaultSendBuffer bounds the per-client queue of pending events.
const defaultSendBuffer = 64

// Hub fans bus events out to connected WebSocket clients.
type Hub struct {
	events  *eventsvc.Service
	hubSlug string
	logger  *logger.Logger

	register   chan *Client
	unregister chan *Client

	// sendBuffer is the per-client queue size; overridable before Run.
	sendBuffer int

	mu      sync.RWMutex
	clients map[*Client]bool

	busSub bus.Subscription
	done   chan struct{}
}

// NewHub creates a WebSocket hub.
func NewHub(eventService *eventsvc.Service, hubSlug string, log *logger.Logger) *Hub {
	return &Hub{
		events:     eventService,
		hubSlug:    hubSlug,
		logger:     log.WithFields(zap.String("component", "ws_hub")),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		sendBuffer: defaultSendBuffer,
		clients:    make(map[*Client]bool),
		done:       make(chan struct{}),
	}
}

// Run subscribes to the bus and processes client registration until ctx is
// cancelled.
func (h *Hub) Run(ctx context.Context) error {
	sub, err := h.events.Subscribe(events.SubjectAll, h.dispatch)
	if err != nil {
		return err
	}
	h.busSub = sub
	h.logger.Info("WebSocket hub started")

	go func() {
		defer close(h.done)
		defer h.logger.Info("WebSocket hub stopped")
		for {
			select {
			case <-ctx.Done():
				_ = h.busSub.Unsubscribe()
				h.closeAllClients()
				return
			case client := <-h.register:
				h.mu.Lock()
				h.clients[client] = true
				h.mu.Unlock()
				h.logger.Debug("Client registered",
					zap.String("client_id", client.ID),
					zap.String("pattern", client.Pattern))
			case client := <-h.unregister:
				h.removeClient(client)
			}
		}
	}()
	return nil
}

// Wait blocks until Run's loop has exited.
func (h *Hub) Wait() {
	<-h.done
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

// streamEnvelope is the wire shape pushed to clients.
type streamEnvelope struct {
	ID            string          `json:"id"`
	Subject       string          `json:"subject"`
	Origin        string          `json:"origin"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// dispatch delivers one bus event to every client whose pattern matches.
// A client whose queue is full loses its oldest queued event; the first drop
// of a burst is announced on subscriber.lag.
func (h *Hub) dispatch(_ context.Context, ev *bus.Event) error {
	data, err := json.Marshal(streamEnvelope{
		ID:            ev.ID,
		Subject:       ev.Subject,
		Origin:        ev.Origin,
		CorrelationID: ev.CorrelationID,
		Timestamp:     ev.Timestamp,
		Payload:       ev.Payload,
	})
	if err != nil {
		h.logger.Error("Failed to marshal stream event", zap.Error(err))
		return err
	}

	h.mu.RLock()
	var lagged []*Client
	for client := range h.clients {
		if !bus.MatchSubject(client.Pattern, ev.Subject) {
			continue
		}
		if client.enqueue(data) && client.markLagged() {
			lagged = append(lagged, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range lagged {
		h.announceLag(client, ev.Subject)
	}
	return nil
}

// announceLag publishes a subscriber.lag event for a newly lagging client.
// The lag subject itself never matches again recursively unless the client
// subscribed to it.
func (h *Hub) announceLag(client *Client, subject string) {
	payload, _ := json.Marshal(map[string]interface{}{
		"client_id": client.ID,
		"pattern":   client.Pattern,
		"subject":   subject,
		"dropped":   client.Dropped(),
	})
	if _, err := h.events.Publish(context.Background(), events.SubjectSubscriberLag, h.hubSlug, payload, ""); err != nil {
		h.logger.WithError(err).Warn("Failed to publish subscriber lag event")
	}
	h.logger.Warn("Slow WebSocket subscriber dropping events",
		zap.String("client_id", client.ID),
		zap.Int64("dropped", client.Dropped()))
}
