// Package bus provides event bus abstractions for the Hub.
package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/meshhub/meshhub/internal/common/ident"
)

// Event represents a message on the event bus.
type Event struct {
	ID            string          `json:"id"`
	Subject       string          `json:"subject"`
	Origin        string          `json:"origin"` // Hub slug or component that produced the event
	CorrelationID string          `json:"correlation_id,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
}

// NewEvent creates a new event with a time-ordered ID and current timestamp.
func NewEvent(subject, origin string, payload json.RawMessage) *Event {
	return &Event{
		ID:        ident.New(),
		Subject:   subject,
		Origin:    origin,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// EventHandler is a function that handles an event
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus interface for event bus operations
type EventBus interface {
	// Publish sends an event to a subject
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// QueueSubscribe creates a queue subscription for load balancing
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)

	// Close closes the connection
	Close()

	// IsConnected returns connection status
	IsConnected() bool
}
