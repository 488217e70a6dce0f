// Package models defines registered agents: one-shot containerized programs
// with typed input and output schemas.
package models

import (
	"encoding/json"
	"time"
)

// Type classifies what an agent does.
type Type string

// Agent types.
const (
	TypeAnalysis Type = "ANALYSIS"
	TypeAction   Type = "ACTION"
	TypeNotifier Type = "NOTIFIER"
)

// Risk determines whether a human gate is required before execution.
type Risk string

// Risk levels.
const (
	RiskAuto             Risk = "AUTO"
	RiskApprovalRequired Risk = "APPROVAL_REQUIRED"
	RiskHumanOnly        Risk = "HUMAN_ONLY"
)

// ValidType reports whether t is a known agent type.
func ValidType(t Type) bool {
	switch t {
	case TypeAnalysis, TypeAction, TypeNotifier:
		return true
	}
	return false
}

// ValidRisk reports whether r is a known risk level.
func ValidRisk(r Risk) bool {
	switch r {
	case RiskAuto, RiskApprovalRequired, RiskHumanOnly:
		return true
	}
	return false
}

// Agent is a registered containerized agent.
type Agent struct {
	ID           string          `json:"id" db:"id"`
	ProjectID    string          `json:"project_id,omitempty" db:"project_id"` // empty means hub-scoped
	Name         string          `json:"name" db:"name"`
	Type         Type            `json:"type" db:"type"`
	Risk         Risk            `json:"risk" db:"risk"`
	Image        string          `json:"image" db:"image"`
	InputSchema  json.RawMessage `json:"input_schema" db:"input_schema"`
	OutputSchema json.RawMessage `json:"output_schema" db:"output_schema"`
	Capabilities []string        `json:"capabilities" db:"-"`
	Deleted      bool            `json:"-" db:"deleted"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}
