// Package models defines the project aggregate and its status machine.
package models

import (
	"regexp"
	"strings"
	"time"
)

// Status is a project lifecycle state.
type Status string

// Project lifecycle states.
const (
	StatusStopped  Status = "STOPPED"
	StatusStarting Status = "STARTING"
	StatusRunning  Status = "RUNNING"
	StatusStopping Status = "STOPPING"
	StatusError    Status = "ERROR"
)

// Project is a managed per-project application stack.
type Project struct {
	ID           string     `json:"id" db:"id"`
	Slug         string     `json:"slug" db:"slug"`
	Name         string     `json:"name" db:"name"`
	Path         string     `json:"path" db:"path"`
	Status       Status     `json:"status" db:"status"`
	BackendPort  int        `json:"backend_port" db:"backend_port"`
	FrontendPort int        `json:"frontend_port" db:"frontend_port"`
	DBPort       int        `json:"db_port" db:"db_port"`
	CachePort    int        `json:"cache_port" db:"cache_port"`
	StackRef     string     `json:"-" db:"stack_ref"`
	StackStarted *time.Time `json:"stack_started_at,omitempty" db:"stack_started_at"`
	LastError    string     `json:"last_error,omitempty" db:"last_error"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

// Ports returns the four assigned ports in a fixed order.
func (p *Project) Ports() []int {
	return []int{p.BackendPort, p.FrontendPort, p.DBPort, p.CachePort}
}

// Active reports whether the project currently holds its ports.
func (p *Project) Active() bool {
	return p.Status != StatusStopped
}

// validTransitions is the project status machine. ERROR is reachable from
// every non-terminal state; ERROR leaves only through Stop.
var validTransitions = map[Status][]Status{
	StatusStopped:  {StatusStarting},
	StatusStarting: {StatusRunning, StatusStopped, StatusError},
	StatusRunning:  {StatusStopping, StatusError},
	StatusStopping: {StatusStopped, StatusError},
	StatusError:    {StatusStopped},
}

// CanTransition reports whether from → to is a legal status change.
func CanTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

var slugSanitizer = regexp.MustCompile(`[^a-z0-9-]+`)

// Slugify derives a bus-subject-safe slug from a project name.
func Slugify(name string) string {
	slug := strings.ToLower(strings.TrimSpace(name))
	slug = strings.ReplaceAll(slug, " ", "-")
	slug = slugSanitizer.ReplaceAllString(slug, "")
	slug = strings.Trim(slug, "-")
	return slug
}
