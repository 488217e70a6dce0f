// Package models defines workflows, runs, node runs, and approvals.
package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// WorkflowStatus is a workflow definition state.
type WorkflowStatus string

// Workflow definition states. ACTIVE workflows are immutable; a new version
// is a new workflow.
const (
	WorkflowDraft    WorkflowStatus = "DRAFT"
	WorkflowActive   WorkflowStatus = "ACTIVE"
	WorkflowDisabled WorkflowStatus = "DISABLED"
)

// TriggerType selects how a workflow is started.
type TriggerType string

// Trigger types.
const (
	TriggerManual   TriggerType = "MANUAL"
	TriggerEvent    TriggerType = "EVENT"
	TriggerWebhook  TriggerType = "WEBHOOK"
	TriggerSchedule TriggerType = "SCHEDULE"
)

// ValidTrigger reports whether t is a known trigger type.
func ValidTrigger(t TriggerType) bool {
	switch t {
	case TriggerManual, TriggerEvent, TriggerWebhook, TriggerSchedule:
		return true
	}
	return false
}

// RetryPolicy bounds node re-execution. MaxAttempts of 0 or 1 means no retry.
type RetryPolicy struct {
	MaxAttempts int `json:"max_attempts"`
}

// Node is one agent invocation within a workflow DAG.
type Node struct {
	ID               string          `json:"id"`
	AgentID          string          `json:"agent_id"`
	DependsOn        []string        `json:"depends_on,omitempty"`
	StaticInput      json.RawMessage `json:"static_input,omitempty"` // template; $nodes refs resolved at dispatch
	ApprovalRequired bool            `json:"approval_required,omitempty"`
	Retry            RetryPolicy     `json:"retry,omitempty"`
}

// Workflow is a DAG of agent invocations.
type Workflow struct {
	ID            string          `json:"id"`
	ProjectID     string          `json:"project_id,omitempty"`
	Name          string          `json:"name"`
	Trigger       TriggerType     `json:"trigger"`
	TriggerConfig json.RawMessage `json:"trigger_config,omitempty"` // e.g. subject pattern for EVENT/WEBHOOK
	Status        WorkflowStatus  `json:"status"`
	Nodes         []Node          `json:"nodes"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Validate checks the DAG: node ids unique, dependencies resolvable, and no
// cycles (Kahn's algorithm).
func (w *Workflow) Validate() error {
	if len(w.Nodes) == 0 {
		return fmt.Errorf("workflow has no nodes")
	}

	byID := make(map[string]*Node, len(w.Nodes))
	for i := range w.Nodes {
		n := &w.Nodes[i]
		if n.ID == "" {
			return fmt.Errorf("node at index %d has no id", i)
		}
		if n.AgentID == "" {
			return fmt.Errorf("node %q has no agent", n.ID)
		}
		if _, dup := byID[n.ID]; dup {
			return fmt.Errorf("duplicate node id %q", n.ID)
		}
		byID[n.ID] = n
	}

	indegree := make(map[string]int, len(w.Nodes))
	for _, n := range w.Nodes {
		indegree[n.ID] = 0
	}
	for _, n := range w.Nodes {
		for _, dep := range n.DependsOn {
			if dep == n.ID {
				return fmt.Errorf("node %q depends on itself", n.ID)
			}
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("node %q depends on unknown node %q", n.ID, dep)
			}
			indegree[n.ID]++
		}
	}

	queue := make([]string, 0, len(w.Nodes))
	for id, d := range indegree {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, n := range w.Nodes {
			for _, dep := range n.DependsOn {
				if dep != id {
					continue
				}
				indegree[n.ID]--
				if indegree[n.ID] == 0 {
					queue = append(queue, n.ID)
				}
			}
		}
	}
	if visited != len(w.Nodes) {
		return fmt.Errorf("workflow graph contains a cycle")
	}
	return nil
}

// Successors returns node ids that depend on the given node, ascending.
func (w *Workflow) Successors(nodeID string) []string {
	var out []string
	for _, n := range w.Nodes {
		for _, dep := range n.DependsOn {
			if dep == nodeID {
				out = append(out, n.ID)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// Node returns the node with the given id, or nil.
func (w *Workflow) Node(id string) *Node {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i]
		}
	}
	return nil
}

// RunStatus is a workflow run state.
type RunStatus string

// Run states.
const (
	RunPending   RunStatus = "PENDING"
	RunRunning   RunStatus = "RUNNING"
	RunSucceeded RunStatus = "SUCCEEDED"
	RunFailed    RunStatus = "FAILED"
	RunCancelled RunStatus = "CANCELLED"
)

// Terminal reports whether the run state is final.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunCancelled
}

// Run is one execution of a workflow.
type Run struct {
	ID             string          `json:"id"`
	WorkflowID     string          `json:"workflow_id"`
	Status         RunStatus       `json:"status"`
	TriggerContext json.RawMessage `json:"trigger_context,omitempty"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	Error          string          `json:"error,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
}

// NodeRunStatus is a node run state.
type NodeRunStatus string

// Node run states.
const (
	NodePending         NodeRunStatus = "PENDING"
	NodeReady           NodeRunStatus = "READY"
	NodeWaitingApproval NodeRunStatus = "WAITING_APPROVAL"
	NodeRunning         NodeRunStatus = "RUNNING"
	NodeSucceeded       NodeRunStatus = "SUCCEEDED"
	NodeFailed          NodeRunStatus = "FAILED"
	NodeCancelled       NodeRunStatus = "CANCELLED"
	NodeSkipped         NodeRunStatus = "SKIPPED"
)

// Node failure reasons.
const (
	ReasonInputUnresolved  = "INPUT_UNRESOLVED"
	ReasonInvalidInput     = "INVALID_INPUT"
	ReasonInvalidOutput    = "INVALID_OUTPUT"
	ReasonAgentFailed      = "AGENT_FAILED"
	ReasonApprovalRejected = "APPROVAL_REJECTED"
)

// NodeRun is one node's execution within a run.
type NodeRun struct {
	ID             string          `json:"id"`
	RunID          string          `json:"run_id"`
	NodeID         string          `json:"node_id"`
	AgentID        string          `json:"agent_id"`
	Status         NodeRunStatus   `json:"status"`
	Attempt        int             `json:"attempt"`
	InputSnapshot  json.RawMessage `json:"input_snapshot,omitempty"`
	OutputSnapshot json.RawMessage `json:"output_snapshot,omitempty"`
	FailureReason  string          `json:"failure_reason,omitempty"`
	LogsRef        string          `json:"logs_ref,omitempty"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
}

// ApprovalStatus is an approval gate state.
type ApprovalStatus string

// Approval states.
const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
)

// Approval is a pending human decision gating a node run.
type Approval struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	NodeRunID string         `json:"node_run_id"`
	Status    ApprovalStatus `json:"status"`
	Approver  string         `json:"approver,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	DecidedAt *time.Time     `json:"decided_at,omitempty"`
}
