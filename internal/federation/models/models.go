// Package models defines federation catalog rows and heartbeat messages.
package models

import "time"

// Status is a federated hub's derived presence state.
type Status string

// Presence states. ONLINE and DEGRADED come from heartbeats; OFFLINE is set
// by the staleness sweeper or reported directly.
const (
	StatusOnline   Status = "ONLINE"
	StatusDegraded Status = "DEGRADED"
	StatusOffline  Status = "OFFLINE"
)

// ValidStatus reports whether s is a known presence state.
func ValidStatus(s Status) bool {
	switch s {
	case StatusOnline, StatusDegraded, StatusOffline:
		return true
	}
	return false
}

// Hub is one registered child hub in the federation catalog.
type Hub struct {
	Slug          string     `json:"slug"`
	Name          string     `json:"name"`
	HubURL        string     `json:"hub_url"`
	MeshNamespace string     `json:"mesh_namespace"`
	Tags          []string   `json:"tags,omitempty"`
	Status        Status     `json:"status"`
	LastHeartbeat *time.Time `json:"last_heartbeat_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Heartbeat is the payload carried on hub.presence.<slug> subjects.
type Heartbeat struct {
	ProjectSlug   string    `json:"project_slug"`
	MeshNamespace string    `json:"mesh_namespace"`
	HubURL        string    `json:"hub_url,omitempty"`
	Status        Status    `json:"status,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Version       string    `json:"version,omitempty"`
}
