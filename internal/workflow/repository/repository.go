// Package repository persists workflows, runs, node runs, and approvals.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/meshhub/meshhub/internal/common/apperr"
	"github.com/meshhub/meshhub/internal/common/ident"
	"github.com/meshhub/meshhub/internal/db"
	"github.com/meshhub/meshhub/internal/workflow/models"
)

// Repository stores workflow definitions and execution state.
type Repository struct {
	pool *db.Pool
}

// New creates a workflow repository and ensures its schema exists.
func New(ctx context.Context, pool *db.Pool) (*Repository, error) {
	r := &Repository{pool: pool}
	if err := r.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize workflow schema: %w", err)
	}
	return r, nil
}

func (r *Repository) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS workflows (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		trigger_type TEXT NOT NULL,
		trigger_config TEXT,
		status TEXT NOT NULL,
		nodes TEXT NOT NULL,
		created_us INTEGER NOT NULL,
		updated_us INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_workflows_project ON workflows(project_id);
	CREATE INDEX IF NOT EXISTS idx_workflows_trigger ON workflows(trigger_type, status);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		status TEXT NOT NULL,
		trigger_context TEXT,
		correlation_id TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		started_us INTEGER NOT NULL,
		finished_us INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_runs_workflow ON runs(workflow_id, started_us DESC);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);

	CREATE TABLE IF NOT EXISTS node_runs (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		node_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		status TEXT NOT NULL,
		attempt INTEGER NOT NULL DEFAULT 0,
		input_snapshot TEXT,
		output_snapshot TEXT,
		failure_reason TEXT NOT NULL DEFAULT '',
		logs_ref TEXT NOT NULL DEFAULT '',
		started_us INTEGER,
		finished_us INTEGER,
		UNIQUE (run_id, node_id)
	);
	CREATE INDEX IF NOT EXISTS idx_node_runs_agent ON node_runs(agent_id);

	CREATE TABLE IF NOT EXISTS approvals (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		node_run_id TEXT NOT NULL,
		status TEXT NOT NULL,
		approver TEXT NOT NULL DEFAULT '',
		created_us INTEGER NOT NULL,
		decided_us INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_approvals_run ON approvals(run_id);
	`
	_, err := r.pool.Writer().ExecContext(ctx, schema)
	return err
}

// --- workflows ---

// CreateWorkflow stores a new workflow definition in DRAFT.
func (r *Repository) CreateWorkflow(ctx context.Context, w *models.Workflow) error {
	if w.ID == "" {
		w.ID = ident.New()
	}
	if w.Status == "" {
		w.Status = models.WorkflowDraft
	}
	now := time.Now().UTC()
	w.CreatedAt = now
	w.UpdatedAt = now

	nodes, err := json.Marshal(w.Nodes)
	if err != nil {
		return fmt.Errorf("failed to encode workflow nodes: %w", err)
	}

	query := r.pool.Writer().Rebind(`
		INSERT INTO workflows (id, project_id, name, trigger_type, trigger_config, status, nodes, created_us, updated_us)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = r.pool.Writer().ExecContext(ctx, query,
		w.ID, w.ProjectID, w.Name, w.Trigger, nullableJSON(w.TriggerConfig), w.Status,
		string(nodes), now.UnixMicro(), now.UnixMicro())
	if err != nil {
		return fmt.Errorf("failed to insert workflow: %w", err)
	}
	return nil
}

// GetWorkflow returns a workflow by id.
func (r *Repository) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	query := r.pool.Reader().Rebind(`
		SELECT id, project_id, name, trigger_type, trigger_config, status, nodes, created_us, updated_us
		FROM workflows WHERE id = ?`)
	w, err := scanWorkflow(r.pool.Reader().QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("workflow", id)
	}
	return w, err
}

// ListWorkflows returns workflows, optionally filtered by project and trigger.
func (r *Repository) ListWorkflows(ctx context.Context, projectID string, trigger models.TriggerType) ([]*models.Workflow, error) {
	query := `
		SELECT id, project_id, name, trigger_type, trigger_config, status, nodes, created_us, updated_us
		FROM workflows WHERE 1=1`
	args := []interface{}{}
	if projectID != "" {
		query += ` AND project_id = ?`
		args = append(args, projectID)
	}
	if trigger != "" {
		query += ` AND trigger_type = ?`
		args = append(args, trigger)
	}
	query += ` ORDER BY created_us, id`

	rows, err := r.pool.Reader().QueryContext(ctx, r.pool.Reader().Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	var out []*models.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// ListActiveTriggered returns ACTIVE workflows with the given trigger type,
// used by the trigger consumer.
func (r *Repository) ListActiveTriggered(ctx context.Context, trigger models.TriggerType) ([]*models.Workflow, error) {
	query := r.pool.Reader().Rebind(`
		SELECT id, project_id, name, trigger_type, trigger_config, status, nodes, created_us, updated_us
		FROM workflows WHERE trigger_type = ? AND status = ?
		ORDER BY created_us, id`)
	rows, err := r.pool.Reader().QueryContext(ctx, query, trigger, models.WorkflowActive)
	if err != nil {
		return nil, fmt.Errorf("failed to list triggered workflows: %w", err)
	}
	defer rows.Close()

	var out []*models.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// UpdateWorkflow rewrites a workflow definition. Only DRAFT workflows accept
// structural changes; status moves are handled by SetWorkflowStatus.
func (r *Repository) UpdateWorkflow(ctx context.Context, w *models.Workflow) error {
	cur, err := r.GetWorkflow(ctx, w.ID)
	if err != nil {
		return err
	}
	if cur.Status != models.WorkflowDraft {
		return apperr.Conflictf("workflow is %s; only DRAFT workflows can be edited", cur.Status)
	}

	nodes, err := json.Marshal(w.Nodes)
	if err != nil {
		return fmt.Errorf("failed to encode workflow nodes: %w", err)
	}
	query := r.pool.Writer().Rebind(`
		UPDATE workflows SET name = ?, trigger_type = ?, trigger_config = ?, nodes = ?, updated_us = ?
		WHERE id = ? AND status = ?`)
	res, err := r.pool.Writer().ExecContext(ctx, query,
		w.Name, w.Trigger, nullableJSON(w.TriggerConfig), string(nodes),
		time.Now().UTC().UnixMicro(), w.ID, models.WorkflowDraft)
	if err != nil {
		return fmt.Errorf("failed to update workflow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Conflict("workflow changed state during edit")
	}
	return nil
}

// SetWorkflowStatus moves a workflow between DRAFT, ACTIVE, and DISABLED.
func (r *Repository) SetWorkflowStatus(ctx context.Context, id string, status models.WorkflowStatus) error {
	query := r.pool.Writer().Rebind(`UPDATE workflows SET status = ?, updated_us = ? WHERE id = ?`)
	res, err := r.pool.Writer().ExecContext(ctx, query, status, time.Now().UTC().UnixMicro(), id)
	if err != nil {
		return fmt.Errorf("failed to set workflow status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("workflow", id)
	}
	return nil
}

// DeleteWorkflow removes a workflow definition. Historical runs remain.
func (r *Repository) DeleteWorkflow(ctx context.Context, id string) error {
	active, err := r.hasActiveRun(ctx, id)
	if err != nil {
		return err
	}
	if active {
		return apperr.Conflict("workflow has an active run")
	}
	query := r.pool.Writer().Rebind(`DELETE FROM workflows WHERE id = ?`)
	res, err := r.pool.Writer().ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("workflow", id)
	}
	return nil
}

func (r *Repository) hasActiveRun(ctx context.Context, workflowID string) (bool, error) {
	query := r.pool.Reader().Rebind(`
		SELECT COUNT(1) FROM runs WHERE workflow_id = ? AND status IN (?, ?)`)
	var n int
	err := r.pool.Reader().QueryRowContext(ctx, query, workflowID, models.RunPending, models.RunRunning).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to count active runs: %w", err)
	}
	return n > 0, nil
}

// --- runs ---

// CreateRun stores a new run with its node runs in PENDING.
func (r *Repository) CreateRun(ctx context.Context, run *models.Run, nodeRuns []*models.NodeRun) error {
	if run.ID == "" {
		run.ID = ident.New()
	}
	run.StartedAt = time.Now().UTC()
	if run.Status == "" {
		run.Status = models.RunPending
	}

	tx, err := r.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin run insert: %w", err)
	}
	defer tx.Rollback()

	query := tx.Rebind(`
		INSERT INTO runs (id, workflow_id, status, trigger_context, correlation_id, error, started_us)
		VALUES (?, ?, ?, ?, ?, '', ?)`)
	if _, err := tx.ExecContext(ctx, query,
		run.ID, run.WorkflowID, run.Status, nullableJSON(run.TriggerContext),
		run.CorrelationID, run.StartedAt.UnixMicro()); err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	nodeQuery := tx.Rebind(`
		INSERT INTO node_runs (id, run_id, node_id, agent_id, status, attempt)
		VALUES (?, ?, ?, ?, ?, 0)`)
	for _, nr := range nodeRuns {
		if nr.ID == "" {
			nr.ID = ident.New()
		}
		nr.RunID = run.ID
		if nr.Status == "" {
			nr.Status = models.NodePending
		}
		if _, err := tx.ExecContext(ctx, nodeQuery, nr.ID, nr.RunID, nr.NodeID, nr.AgentID, nr.Status); err != nil {
			return fmt.Errorf("failed to insert node run %s: %w", nr.NodeID, err)
		}
	}
	return tx.Commit()
}

// GetRun returns a run by id.
func (r *Repository) GetRun(ctx context.Context, id string) (*models.Run, error) {
	query := r.pool.Reader().Rebind(`
		SELECT id, workflow_id, status, trigger_context, correlation_id, error, started_us, finished_us
		FROM runs WHERE id = ?`)
	run, err := scanRun(r.pool.Reader().QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("run", id)
	}
	return run, err
}

// ListRuns returns runs for a workflow, newest first.
func (r *Repository) ListRuns(ctx context.Context, workflowID string, limit int) ([]*models.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	query := r.pool.Reader().Rebind(`
		SELECT id, workflow_id, status, trigger_context, correlation_id, error, started_us, finished_us
		FROM runs WHERE workflow_id = ?
		ORDER BY started_us DESC, id DESC LIMIT ?`)
	rows, err := r.pool.Reader().QueryContext(ctx, query, workflowID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// ListRunsByTrigger returns recent runs across all workflows, newest first.
// A non-empty source narrows the listing to runs of WEBHOOK workflows whose
// trigger_config names that source.
func (r *Repository) ListRunsByTrigger(ctx context.Context, source string, limit int) ([]*models.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT r.id, r.workflow_id, r.status, r.trigger_context, r.correlation_id, r.error, r.started_us, r.finished_us
		FROM runs r`
	var args []interface{}
	if source != "" {
		query += `
		JOIN workflows w ON w.id = r.workflow_id
		WHERE w.trigger_type = ? AND w.trigger_config LIKE ?`
		args = append(args, models.TriggerWebhook, `%"source":"`+source+`"%`)
	}
	query += `
		ORDER BY r.started_us DESC, r.id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.pool.Reader().QueryContext(ctx, r.pool.Reader().Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs by trigger: %w", err)
	}
	defer rows.Close()

	var out []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// ListActiveRuns returns PENDING and RUNNING runs across all workflows.
func (r *Repository) ListActiveRuns(ctx context.Context) ([]*models.Run, error) {
	query := r.pool.Reader().Rebind(`
		SELECT id, workflow_id, status, trigger_context, correlation_id, error, started_us, finished_us
		FROM runs WHERE status IN (?, ?)
		ORDER BY started_us, id`)
	rows, err := r.pool.Reader().QueryContext(ctx, query, models.RunPending, models.RunRunning)
	if err != nil {
		return nil, fmt.Errorf("failed to list active runs: %w", err)
	}
	defer rows.Close()

	var out []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// SetRunStatus moves a run to a new state. Terminal states also record the
// finish time; errText is kept only for FAILED runs.
func (r *Repository) SetRunStatus(ctx context.Context, id string, status models.RunStatus, errText string) error {
	var (
		query string
		args  []interface{}
	)
	if status.Terminal() {
		query = `UPDATE runs SET status = ?, error = ?, finished_us = ? WHERE id = ?`
		args = []interface{}{status, errText, time.Now().UTC().UnixMicro(), id}
	} else {
		query = `UPDATE runs SET status = ?, error = ? WHERE id = ?`
		args = []interface{}{status, errText, id}
	}
	res, err := r.pool.Writer().ExecContext(ctx, r.pool.Writer().Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to set run status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("run", id)
	}
	return nil
}

// --- node runs ---

// ListNodeRuns returns all node runs for a run in node-id order.
func (r *Repository) ListNodeRuns(ctx context.Context, runID string) ([]*models.NodeRun, error) {
	query := r.pool.Reader().Rebind(`
		SELECT id, run_id, node_id, agent_id, status, attempt, input_snapshot, output_snapshot,
			failure_reason, logs_ref, started_us, finished_us
		FROM node_runs WHERE run_id = ? ORDER BY node_id`)
	rows, err := r.pool.Reader().QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list node runs: %w", err)
	}
	defer rows.Close()

	var out []*models.NodeRun
	for rows.Next() {
		nr, err := scanNodeRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, nr)
	}
	return out, rows.Err()
}

// GetNodeRun returns a node run by id.
func (r *Repository) GetNodeRun(ctx context.Context, id string) (*models.NodeRun, error) {
	query := r.pool.Reader().Rebind(`
		SELECT id, run_id, node_id, agent_id, status, attempt, input_snapshot, output_snapshot,
			failure_reason, logs_ref, started_us, finished_us
		FROM node_runs WHERE id = ?`)
	nr, err := scanNodeRun(r.pool.Reader().QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("node run", id)
	}
	return nr, err
}

// UpdateNodeRun rewrites a node run's mutable execution fields.
func (r *Repository) UpdateNodeRun(ctx context.Context, nr *models.NodeRun) error {
	var startedUS, finishedUS interface{}
	if nr.StartedAt != nil {
		startedUS = nr.StartedAt.UnixMicro()
	}
	if nr.FinishedAt != nil {
		finishedUS = nr.FinishedAt.UnixMicro()
	}
	query := r.pool.Writer().Rebind(`
		UPDATE node_runs SET status = ?, attempt = ?, input_snapshot = ?, output_snapshot = ?,
			failure_reason = ?, logs_ref = ?, started_us = ?, finished_us = ?
		WHERE id = ?`)
	res, err := r.pool.Writer().ExecContext(ctx, query,
		nr.Status, nr.Attempt, nullableJSON(nr.InputSnapshot), nullableJSON(nr.OutputSnapshot),
		nr.FailureReason, nr.LogsRef, startedUS, finishedUS, nr.ID)
	if err != nil {
		return fmt.Errorf("failed to update node run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("node run", nr.ID)
	}
	return nil
}

// --- approvals ---

// CreateApproval stores a pending approval gate.
func (r *Repository) CreateApproval(ctx context.Context, a *models.Approval) error {
	if a.ID == "" {
		a.ID = ident.New()
	}
	a.Status = models.ApprovalPending
	a.CreatedAt = time.Now().UTC()

	query := r.pool.Writer().Rebind(`
		INSERT INTO approvals (id, run_id, node_run_id, status, approver, created_us)
		VALUES (?, ?, ?, ?, '', ?)`)
	_, err := r.pool.Writer().ExecContext(ctx, query,
		a.ID, a.RunID, a.NodeRunID, a.Status, a.CreatedAt.UnixMicro())
	if err != nil {
		return fmt.Errorf("failed to insert approval: %w", err)
	}
	return nil
}

// GetApproval returns an approval by id.
func (r *Repository) GetApproval(ctx context.Context, id string) (*models.Approval, error) {
	query := r.pool.Reader().Rebind(`
		SELECT id, run_id, node_run_id, status, approver, created_us, decided_us
		FROM approvals WHERE id = ?`)
	a, err := scanApproval(r.pool.Reader().QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("approval", id)
	}
	return a, err
}

// ListApprovals returns approvals, optionally scoped to a run or a status.
func (r *Repository) ListApprovals(ctx context.Context, runID string, status models.ApprovalStatus) ([]*models.Approval, error) {
	query := `
		SELECT id, run_id, node_run_id, status, approver, created_us, decided_us
		FROM approvals WHERE 1=1`
	args := []interface{}{}
	if runID != "" {
		query += ` AND run_id = ?`
		args = append(args, runID)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_us, id`

	rows, err := r.pool.Reader().QueryContext(ctx, r.pool.Reader().Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list approvals: %w", err)
	}
	defer rows.Close()

	var out []*models.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DecideApproval records a decision on a PENDING approval. A second decision
// on the same approval is a conflict.
func (r *Repository) DecideApproval(ctx context.Context, id string, status models.ApprovalStatus, approver string) (*models.Approval, error) {
	query := r.pool.Writer().Rebind(`
		UPDATE approvals SET status = ?, approver = ?, decided_us = ?
		WHERE id = ? AND status = ?`)
	res, err := r.pool.Writer().ExecContext(ctx, query,
		status, approver, time.Now().UTC().UnixMicro(), id, models.ApprovalPending)
	if err != nil {
		return nil, fmt.Errorf("failed to decide approval: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		cur, err := r.GetApproval(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, apperr.Conflictf("approval already decided: %s", cur.Status)
	}
	return r.GetApproval(ctx, id)
}

// --- agent reference checks (registry.RunRefChecker) ---

// AgentReferenced reports whether any node run ever used the agent.
func (r *Repository) AgentReferenced(ctx context.Context, agentID string) (bool, error) {
	query := r.pool.Reader().Rebind(`SELECT COUNT(1) FROM node_runs WHERE agent_id = ?`)
	var n int
	if err := r.pool.Reader().QueryRowContext(ctx, query, agentID).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to count agent references: %w", err)
	}
	if n > 0 {
		return true, nil
	}
	// Workflow definitions referencing the agent also pin type and risk.
	like := `%"agent_id":"` + agentID + `"%`
	query = r.pool.Reader().Rebind(`SELECT COUNT(1) FROM workflows WHERE nodes LIKE ?`)
	if err := r.pool.Reader().QueryRowContext(ctx, query, like).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to count workflow references: %w", err)
	}
	return n > 0, nil
}

// AgentReferencedByActiveRun reports whether a PENDING or RUNNING run has a
// node run for the agent.
func (r *Repository) AgentReferencedByActiveRun(ctx context.Context, agentID string) (bool, error) {
	query := r.pool.Reader().Rebind(`
		SELECT COUNT(1) FROM node_runs nr
		JOIN runs ru ON ru.id = nr.run_id
		WHERE nr.agent_id = ? AND ru.status IN (?, ?)`)
	var n int
	err := r.pool.Reader().QueryRowContext(ctx, query, agentID, models.RunPending, models.RunRunning).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to count active agent references: %w", err)
	}
	return n > 0, nil
}

// --- scanning ---

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWorkflow(row rowScanner) (*models.Workflow, error) {
	var (
		w             models.Workflow
		triggerConfig sql.NullString
		nodes         string
		createdUS     int64
		updatedUS     int64
	)
	err := row.Scan(&w.ID, &w.ProjectID, &w.Name, &w.Trigger, &triggerConfig, &w.Status,
		&nodes, &createdUS, &updatedUS)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan workflow: %w", err)
	}
	if triggerConfig.Valid && triggerConfig.String != "" {
		w.TriggerConfig = json.RawMessage(triggerConfig.String)
	}
	if err := json.Unmarshal([]byte(nodes), &w.Nodes); err != nil {
		return nil, fmt.Errorf("failed to decode workflow nodes: %w", err)
	}
	w.CreatedAt = time.UnixMicro(createdUS).UTC()
	w.UpdatedAt = time.UnixMicro(updatedUS).UTC()
	return &w, nil
}

func scanRun(row rowScanner) (*models.Run, error) {
	var (
		run            models.Run
		triggerContext sql.NullString
		startedUS      int64
		finishedUS     sql.NullInt64
	)
	err := row.Scan(&run.ID, &run.WorkflowID, &run.Status, &triggerContext,
		&run.CorrelationID, &run.Error, &startedUS, &finishedUS)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	if triggerContext.Valid && triggerContext.String != "" {
		run.TriggerContext = json.RawMessage(triggerContext.String)
	}
	run.StartedAt = time.UnixMicro(startedUS).UTC()
	if finishedUS.Valid {
		t := time.UnixMicro(finishedUS.Int64).UTC()
		run.FinishedAt = &t
	}
	return &run, nil
}

func scanNodeRun(row rowScanner) (*models.NodeRun, error) {
	var (
		nr         models.NodeRun
		input      sql.NullString
		output     sql.NullString
		startedUS  sql.NullInt64
		finishedUS sql.NullInt64
	)
	err := row.Scan(&nr.ID, &nr.RunID, &nr.NodeID, &nr.AgentID, &nr.Status, &nr.Attempt,
		&input, &output, &nr.FailureReason, &nr.LogsRef, &startedUS, &finishedUS)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan node run: %w", err)
	}
	if input.Valid && input.String != "" {
		nr.InputSnapshot = json.RawMessage(input.String)
	}
	if output.Valid && output.String != "" {
		nr.OutputSnapshot = json.RawMessage(output.String)
	}
	if startedUS.Valid {
		t := time.UnixMicro(startedUS.Int64).UTC()
		nr.StartedAt = &t
	}
	if finishedUS.Valid {
		t := time.UnixMicro(finishedUS.Int64).UTC()
		nr.FinishedAt = &t
	}
	return &nr, nil
}

func scanApproval(row rowScanner) (*models.Approval, error) {
	var (
		a         models.Approval
		createdUS int64
		decidedUS sql.NullInt64
	)
	err := row.Scan(&a.ID, &a.RunID, &a.NodeRunID, &a.Status, &a.Approver, &createdUS, &decidedUS)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan approval: %w", err)
	}
	a.CreatedAt = time.UnixMicro(createdUS).UTC()
	if decidedUS.Valid {
		t := time.UnixMicro(decidedUS.Int64).UTC()
		a.DecidedAt = &t
	}
	return &a, nil
}

// nullableJSON returns nil for empty raw messages so the column stores NULL.
func nullableJSON(raw json.RawMessage) interface{} {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return nil
	}
	return s
}
