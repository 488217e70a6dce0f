package websocket

import (
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/meshhub/meshhub/internal/common/logger"
)

const (
	// writeWait bounds a single write to the peer.
	writeWait = 10 * time.Second

	// pongWait bounds the gap between pongs from the peer.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4 * 1024
)

// Client is one WebSocket subscriber with a subject-pattern filter.
type Client struct {
	ID      string
	Pattern string

	conn   *websocket.Conn
	hub    *Hub
	send   chan []byte
	logger *logger.Logger

	dropped atomic.Int64
	lagged  atomic.Bool
}

// NewClient creates a client for an upgraded connection.
func NewClient(id, pattern string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:      id,
		Pattern: pattern,
		conn:    conn,
		hub:     hub,
		send:    make(chan []byte, hub.sendBuffer),
		logger:  log.WithFields(zap.String("client_id", id)),
	}
}

// enqueue queues an event for delivery. When the queue is full the oldest
// queued event is discarded to make room; returns whether a drop happened.
func (c *Client) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		c.lagged.Store(false)
		return false
	default:
	}

	// Queue full: evict the oldest entry, then retry once.
	select {
	case <-c.send:
		c.dropped.Add(1)
	default:
	}
	select {
	case c.send <- data:
	default:
		c.dropped.Add(1)
	}
	return true
}

// markLagged flips the client into the lagging state; returns true only on
// the transition so each burst is announced once.
func (c *Client) markLagged() bool {
	return c.lagged.CompareAndSwap(false, true)
}

// Dropped returns the total number of discarded events.
func (c *Client) Dropped() int64 {
	return c.dropped.Load()
}

// ReadPump consumes control frames until the peer disconnects. Inbound data
// frames are ignored; the stream is one-way.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}
	}
}

// WritePump pushes queued events and keepalive pings to the peer.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
