// Package engine executes workflow runs: it schedules DAG nodes onto a
// bounded worker pool, gates risky nodes behind approvals, retries failed
// agent executions with exponential backoff, and fails fast on the first
// unrecoverable node failure.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	agentmodels "github.com/meshhub/meshhub/internal/agent/models"
	"github.com/meshhub/meshhub/internal/agent/registry"
	"github.com/meshhub/meshhub/internal/common/apperr"
	"github.com/meshhub/meshhub/internal/common/config"
	"github.com/meshhub/meshhub/internal/common/logger"
	"github.com/meshhub/meshhub/internal/driver"
	"github.com/meshhub/meshhub/internal/events"
	eventsvc "github.com/meshhub/meshhub/internal/events/service"
	"github.com/meshhub/meshhub/internal/workflow/models"
	"github.com/meshhub/meshhub/internal/workflow/repository"
)

// Engine runs workflow DAGs against the container driver.
type Engine struct {
	repo    *repository.Repository
	agents  *registry.Registry
	drv     driver.Driver
	events  *eventsvc.Service
	cfg     config.WorkflowConfig
	hubSlug string
	logger  *logger.Logger

	// tokens bounds concurrent node executions across all runs. Approval
	// waits do not hold a token.
	tokens *semaphore.Weighted

	mu     sync.Mutex
	active map[string]*runState

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// runState is the in-memory side of an active run.
type runState struct {
	cancel    context.CancelFunc
	cancelled bool

	// waiters maps approval id to the channel its node blocks on.
	waiters map[string]chan models.ApprovalStatus
}

// New creates a workflow engine.
func New(repo *repository.Repository, agents *registry.Registry, drv driver.Driver,
	eventService *eventsvc.Service, cfg config.WorkflowConfig, hubSlug string, log *logger.Logger) *Engine {
	tokens := cfg.WorkerTokens
	if tokens <= 0 {
		tokens = 4
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Engine{
		repo:    repo,
		agents:  agents,
		drv:     drv,
		events:  eventService,
		cfg:     cfg,
		hubSlug: hubSlug,
		logger:  log,
		tokens:  semaphore.NewWeighted(int64(tokens)),
		active:  make(map[string]*runState),
		baseCtx: baseCtx,
		cancel:  cancel,
	}
}

// Close cancels every active run and waits for their schedulers to exit.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

// Wait blocks until all run schedulers finish. Test hook.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// TriggerRun creates a run for an ACTIVE workflow and starts executing it.
// The run is persisted with all node runs PENDING before the scheduler is
// launched, so a crash between the two leaves a recoverable row.
func (e *Engine) TriggerRun(ctx context.Context, workflowID string, triggerContext json.RawMessage, correlationID string) (*models.Run, error) {
	wf, err := e.repo.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.Status != models.WorkflowActive {
		return nil, apperr.Conflictf("workflow is %s; only ACTIVE workflows can be triggered", wf.Status)
	}
	if err := wf.Validate(); err != nil {
		return nil, apperr.Validationf("workflow graph: %v", err)
	}

	nodeRuns := make([]*models.NodeRun, 0, len(wf.Nodes))
	for _, n := range wf.Nodes {
		a, err := e.agents.Get(ctx, n.AgentID)
		if err != nil {
			return nil, apperr.Wrap(err, fmt.Sprintf("node %q", n.ID))
		}
		if a.Deleted {
			return nil, apperr.Conflictf("node %q references deleted agent %q", n.ID, a.Name)
		}
		if a.Risk == agentmodels.RiskHumanOnly {
			return nil, apperr.Validationf("node %q references HUMAN_ONLY agent %q, which cannot be scheduled", n.ID, a.Name)
		}
		nodeRuns = append(nodeRuns, &models.NodeRun{
			NodeID:  n.ID,
			AgentID: n.AgentID,
			Status:  models.NodePending,
		})
	}

	run := &models.Run{
		WorkflowID:     wf.ID,
		Status:         models.RunPending,
		TriggerContext: triggerContext,
		CorrelationID:  correlationID,
	}
	if err := e.repo.CreateRun(ctx, run, nodeRuns); err != nil {
		return nil, err
	}
	e.publishRunEvent(run, "pending")

	runCtx, cancelRun := context.WithCancel(e.baseCtx)
	state := &runState{
		cancel:  cancelRun,
		waiters: make(map[string]chan models.ApprovalStatus),
	}
	e.mu.Lock()
	e.active[run.ID] = state
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancelRun()
		defer func() {
			e.mu.Lock()
			delete(e.active, run.ID)
			e.mu.Unlock()
		}()
		e.execute(runCtx, wf, run, nodeRuns, state)
	}()
	return run, nil
}

// Cancel stops an active run. In-flight agent containers are terminated via
// their execution context; pending approvals are auto-rejected.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	run, err := e.repo.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return apperr.Conflictf("run is already %s", run.Status)
	}

	e.mu.Lock()
	state, ok := e.active[runID]
	if ok {
		state.cancelled = true
		state.cancel()
	}
	e.mu.Unlock()
	if !ok {
		// No scheduler owns this run (e.g. created just before a restart).
		return e.finalizeOrphanedRun(ctx, run)
	}
	return nil
}

// DecideApproval records a decision and unblocks the waiting node.
func (e *Engine) DecideApproval(ctx context.Context, approvalID string, approve bool, approver string) (*models.Approval, error) {
	status := models.ApprovalRejected
	if approve {
		status = models.ApprovalApproved
	}
	a, err := e.repo.DecideApproval(ctx, approvalID, status, approver)
	if err != nil {
		return nil, err
	}
	e.publishApprovalEvent(a, "decided")

	e.mu.Lock()
	state, ok := e.active[a.RunID]
	var waiter chan models.ApprovalStatus
	if ok {
		waiter = state.waiters[approvalID]
		delete(state.waiters, approvalID)
	}
	e.mu.Unlock()

	if waiter != nil {
		waiter <- a.Status
	}
	return a, nil
}

// Recover finalizes runs that were active when the hub last stopped. Their
// containers are gone; the runs cannot be resumed.
func (e *Engine) Recover(ctx context.Context) error {
	runs, err := e.repo.ListActiveRuns(ctx)
	if err != nil {
		return err
	}
	for _, run := range runs {
		if err := e.finalizeOrphanedRun(ctx, run); err != nil {
			return err
		}
		e.logger.WithRun(run.ID).Warn("Finalized run interrupted by hub restart")
	}
	return nil
}

// finalizeOrphanedRun cancels a run that has no live scheduler.
func (e *Engine) finalizeOrphanedRun(ctx context.Context, run *models.Run) error {
	nodeRuns, err := e.repo.ListNodeRuns(ctx, run.ID)
	if err != nil {
		return err
	}
	for _, nr := range nodeRuns {
		switch nr.Status {
		case models.NodePending, models.NodeReady:
			nr.Status = models.NodeSkipped
		case models.NodeRunning, models.NodeWaitingApproval:
			nr.Status = models.NodeCancelled
			now := time.Now().UTC()
			nr.FinishedAt = &now
		default:
			continue
		}
		if err := e.repo.UpdateNodeRun(ctx, nr); err != nil {
			return err
		}
	}
	if err := e.rejectPendingApprovals(ctx, run.ID); err != nil {
		return err
	}
	if err := e.repo.SetRunStatus(ctx, run.ID, models.RunCancelled, ""); err != nil {
		return err
	}
	run.Status = models.RunCancelled
	e.publishRunEvent(run, "cancelled")
	return nil
}

// nodeResult is what a node goroutine reports back to the scheduler.
type nodeResult struct {
	nodeID string
	status models.NodeRunStatus
	output json.RawMessage
}

// execute is the per-run scheduler. It dispatches READY nodes in ascending
// node-id order and fails fast: the first FAILED node cancels in-flight
// nodes and skips everything not yet started.
func (e *Engine) execute(runCtx context.Context, wf *models.Workflow, run *models.Run, nodeRuns []*models.NodeRun, state *runState) {
	ctx := context.Background() // persistence outlives runCtx cancellation
	log := e.logger.WithRun(run.ID)

	if err := e.repo.SetRunStatus(ctx, run.ID, models.RunRunning, ""); err != nil {
		log.WithError(err).Error("Failed to mark run running")
		return
	}
	run.Status = models.RunRunning
	e.publishRunEvent(run, "running")

	byNodeID := make(map[string]*models.NodeRun, len(nodeRuns))
	status := make(map[string]models.NodeRunStatus, len(nodeRuns))
	outputs := make(map[string]json.RawMessage)
	for _, nr := range nodeRuns {
		byNodeID[nr.NodeID] = nr
		status[nr.NodeID] = models.NodePending
	}

	results := make(chan nodeResult)
	inFlight := 0
	failed := false

	for {
		if !failed && !state.cancelled {
			for _, nodeID := range e.readyNodes(wf, status) {
				node := wf.Node(nodeID)
				nr := byNodeID[nodeID]
				status[nodeID] = models.NodeReady
				nr.Status = models.NodeReady
				if err := e.repo.UpdateNodeRun(ctx, nr); err != nil {
					log.WithError(err).Error("Failed to mark node ready", zap.String("node_id", nodeID))
				}
				e.publishNodeEvent(run, nr, "ready")
				inFlight++
				e.wg.Add(1)
				go func() {
					defer e.wg.Done()
					results <- e.runNode(runCtx, ctx, run, node, nr, snapshotOutputs(outputs))
				}()
			}
		}

		if inFlight == 0 {
			break
		}

		res := <-results
		inFlight--
		status[res.nodeID] = res.status

		switch res.status {
		case models.NodeSucceeded:
			outputs[res.nodeID] = res.output
		case models.NodeFailed:
			failed = true
			e.mu.Lock()
			state.cancel() // terminate in-flight siblings
			e.mu.Unlock()
		case models.NodeCancelled:
			// cancellation already propagated via runCtx
		}
	}

	// Nodes never dispatched are skipped, both on failure and cancellation,
	// and on success when an upstream dependency was skipped.
	for nodeID, st := range status {
		if st != models.NodePending && st != models.NodeReady {
			continue
		}
		nr := byNodeID[nodeID]
		nr.Status = models.NodeSkipped
		if err := e.repo.UpdateNodeRun(ctx, nr); err != nil {
			log.WithError(err).Error("Failed to mark node skipped", zap.String("node_id", nodeID))
		}
		e.publishNodeEvent(run, nr, "skipped")
		status[nodeID] = models.NodeSkipped
	}

	final, errText := finalRunStatus(status, state.cancelled)
	if err := e.rejectPendingApprovals(ctx, run.ID); err != nil {
		log.WithError(err).Error("Failed to reject pending approvals")
	}
	if err := e.repo.SetRunStatus(ctx, run.ID, final, errText); err != nil {
		log.WithError(err).Error("Failed to finalize run")
		return
	}
	run.Status = final
	run.Error = errText
	e.publishRunEvent(run, runPhase(final))
	log.Info("Run finished", zap.String("status", string(final)))
}

// readyNodes returns PENDING nodes whose dependencies all SUCCEEDED, in
// ascending node-id order.
func (e *Engine) readyNodes(wf *models.Workflow, status map[string]models.NodeRunStatus) []string {
	var ready []string
	for _, n := range wf.Nodes {
		if status[n.ID] != models.NodePending {
			continue
		}
		ok := true
		for _, dep := range n.DependsOn {
			if status[dep] != models.NodeSucceeded {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, n.ID)
		}
	}
	sort.Strings(ready)
	return ready
}

// finalRunStatus derives the run outcome from node outcomes. A run FAILED
// requires at least one FAILED node; cancellation without failure is
// CANCELLED; otherwise SUCCEEDED.
func finalRunStatus(status map[string]models.NodeRunStatus, cancelled bool) (models.RunStatus, string) {
	for nodeID, st := range status {
		if st == models.NodeFailed {
			return models.RunFailed, fmt.Sprintf("node %s failed", nodeID)
		}
	}
	if cancelled {
		return models.RunCancelled, ""
	}
	for _, st := range status {
		if st == models.NodeCancelled {
			return models.RunCancelled, ""
		}
	}
	return models.RunSucceeded, ""
}

func runPhase(s models.RunStatus) string {
	switch s {
	case models.RunSucceeded:
		return "succeeded"
	case models.RunFailed:
		return "failed"
	case models.RunCancelled:
		return "cancelled"
	}
	return "running"
}

// runNode executes one node: materialize input, validate, wait for approval
// if required, then run the agent with retries.
func (e *Engine) runNode(runCtx, ctx context.Context, run *models.Run, node *models.Node, nr *models.NodeRun, outputs map[string]json.RawMessage) nodeResult {
	log := e.logger.WithRun(run.ID).WithFields(zap.String("node_id", node.ID))

	input, err := materializeInput(node.StaticInput, outputs, run.TriggerContext)
	if err != nil {
		return e.failNode(ctx, run, nr, models.ReasonInputUnresolved, err.Error())
	}
	nr.InputSnapshot = input

	if err := e.agents.ValidateInput(ctx, node.AgentID, input); err != nil {
		return e.failNode(ctx, run, nr, models.ReasonInvalidInput, err.Error())
	}

	agent, err := e.agents.Get(ctx, node.AgentID)
	if err != nil {
		return e.failNode(ctx, run, nr, models.ReasonAgentFailed, err.Error())
	}

	if node.ApprovalRequired || agent.Risk == agentmodels.RiskApprovalRequired {
		decision, res := e.awaitApproval(runCtx, ctx, run, nr)
		if res != nil {
			return *res
		}
		if decision == models.ApprovalRejected {
			return e.failNode(ctx, run, nr, models.ReasonApprovalRejected, "approval rejected")
		}
	}

	if err := e.tokens.Acquire(runCtx, 1); err != nil {
		return e.cancelNode(ctx, run, nr)
	}
	defer e.tokens.Release(1)

	maxAttempts := node.Retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr string
	lastReason := models.ReasonAgentFailed
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		nr.Status = models.NodeRunning
		nr.Attempt = attempt
		now := time.Now().UTC()
		if nr.StartedAt == nil {
			nr.StartedAt = &now
		}
		if err := e.repo.UpdateNodeRun(ctx, nr); err != nil {
			log.WithError(err).Error("Failed to mark node running")
		}
		e.publishNodeEvent(run, nr, "running")

		output, logsRef, runErr := e.runAgentOnce(runCtx, agent, input)
		if logsRef != "" {
			nr.LogsRef = logsRef
		}
		lastReason = models.ReasonAgentFailed
		if runErr == nil {
			// Schema-invalid output counts as a failed attempt and is
			// retried like a nonzero exit.
			if verr := e.agents.ValidateOutput(ctx, node.AgentID, output); verr != nil {
				runErr = verr
				lastReason = models.ReasonInvalidOutput
			} else {
				nr.Status = models.NodeSucceeded
				nr.OutputSnapshot = output
				finished := time.Now().UTC()
				nr.FinishedAt = &finished
				if err := e.repo.UpdateNodeRun(ctx, nr); err != nil {
					log.WithError(err).Error("Failed to persist node success")
				}
				e.publishNodeEvent(run, nr, "succeeded")
				return nodeResult{nodeID: nr.NodeID, status: models.NodeSucceeded, output: output}
			}
		}

		if runCtx.Err() != nil {
			return e.cancelNode(ctx, run, nr)
		}
		lastErr = runErr.Error()
		log.Warn("Agent attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts),
			zap.Error(runErr))

		if attempt < maxAttempts {
			select {
			case <-time.After(e.backoff(attempt)):
			case <-runCtx.Done():
				return e.cancelNode(ctx, run, nr)
			}
		}
	}
	return e.failNode(ctx, run, nr, lastReason, lastErr)
}

// runAgentOnce performs one bounded agent execution.
func (e *Engine) runAgentOnce(runCtx context.Context, agent *agentmodels.Agent, input json.RawMessage) (json.RawMessage, string, error) {
	attemptCtx := runCtx
	if e.cfg.AgentTimeoutSecs > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(runCtx, time.Duration(e.cfg.AgentTimeoutSecs)*time.Second)
		defer cancel()
	}

	res, err := e.drv.RunAgent(attemptCtx, agent.Image, input, driver.ResourceLimits{
		Timeout: time.Duration(e.cfg.AgentTimeoutSecs) * time.Second,
	})
	if err != nil {
		return nil, "", err
	}
	if res.ExitCode != 0 {
		return nil, res.LogsRef, fmt.Errorf("agent exited with code %d", res.ExitCode)
	}
	return json.RawMessage(res.Stdout), res.LogsRef, nil
}

// backoff returns the delay before the next attempt: base doubled per
// completed attempt, capped.
func (e *Engine) backoff(attempt int) time.Duration {
	base := time.Duration(e.cfg.RetryBaseMillis) * time.Millisecond
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	ceiling := time.Duration(e.cfg.RetryCapMillis) * time.Millisecond
	if ceiling <= 0 {
		ceiling = 30 * time.Second
	}
	d := base << (attempt - 1)
	if d > ceiling || d <= 0 {
		d = ceiling
	}
	return d
}

// awaitApproval parks the node until a decision arrives or the run is
// cancelled. Returns a non-nil result when the wait ended without a decision.
func (e *Engine) awaitApproval(runCtx, ctx context.Context, run *models.Run, nr *models.NodeRun) (models.ApprovalStatus, *nodeResult) {
	approval := &models.Approval{RunID: run.ID, NodeRunID: nr.ID}
	if err := e.repo.CreateApproval(ctx, approval); err != nil {
		res := e.failNode(ctx, run, nr, models.ReasonAgentFailed, err.Error())
		return "", &res
	}

	waiter := make(chan models.ApprovalStatus, 1)
	e.mu.Lock()
	state := e.active[run.ID]
	if state != nil {
		state.waiters[approval.ID] = waiter
	}
	e.mu.Unlock()

	nr.Status = models.NodeWaitingApproval
	if err := e.repo.UpdateNodeRun(ctx, nr); err != nil {
		e.logger.WithRun(run.ID).WithError(err).Error("Failed to mark node waiting for approval")
	}
	e.publishNodeEvent(run, nr, "waiting_approval")
	e.publishApprovalEvent(approval, "requested")

	select {
	case decision := <-waiter:
		return decision, nil
	case <-runCtx.Done():
		e.mu.Lock()
		if state != nil {
			delete(state.waiters, approval.ID)
		}
		e.mu.Unlock()
		res := e.cancelNode(ctx, run, nr)
		return "", &res
	}
}

// rejectPendingApprovals closes out approval rows left open by cancellation.
func (e *Engine) rejectPendingApprovals(ctx context.Context, runID string) error {
	pending, err := e.repo.ListApprovals(ctx, runID, models.ApprovalPending)
	if err != nil {
		return err
	}
	for _, a := range pending {
		decided, err := e.repo.DecideApproval(ctx, a.ID, models.ApprovalRejected, "system")
		if err != nil {
			if apperr.IsConflict(err) {
				continue
			}
			return err
		}
		e.publishApprovalEvent(decided, "decided")
	}
	return nil
}

func (e *Engine) failNode(ctx context.Context, run *models.Run, nr *models.NodeRun, reason, message string) nodeResult {
	nr.Status = models.NodeFailed
	nr.FailureReason = reason
	now := time.Now().UTC()
	nr.FinishedAt = &now
	if err := e.repo.UpdateNodeRun(ctx, nr); err != nil {
		e.logger.WithRun(run.ID).WithError(err).Error("Failed to persist node failure")
	}
	e.logger.WithRun(run.ID).Warn("Node failed",
		zap.String("node_id", nr.NodeID),
		zap.String("reason", reason),
		zap.String("detail", message))
	e.publishNodeEvent(run, nr, "failed")
	return nodeResult{nodeID: nr.NodeID, status: models.NodeFailed}
}

func (e *Engine) cancelNode(ctx context.Context, run *models.Run, nr *models.NodeRun) nodeResult {
	nr.Status = models.NodeCancelled
	now := time.Now().UTC()
	nr.FinishedAt = &now
	if err := e.repo.UpdateNodeRun(ctx, nr); err != nil {
		e.logger.WithRun(run.ID).WithError(err).Error("Failed to persist node cancellation")
	}
	e.publishNodeEvent(run, nr, "cancelled")
	return nodeResult{nodeID: nr.NodeID, status: models.NodeCancelled}
}

func (e *Engine) publishRunEvent(run *models.Run, phase string) {
	payload, _ := json.Marshal(map[string]string{
		"run_id":      run.ID,
		"workflow_id": run.WorkflowID,
		"status":      string(run.Status),
		"error":       run.Error,
	})
	subject := events.SubjectWorkflowRun(e.hubSlug, run.ID, phase)
	if _, err := e.events.Publish(context.Background(), subject, e.hubSlug, payload, run.CorrelationID); err != nil {
		e.logger.WithRun(run.ID).WithError(err).Error("Failed to publish run event")
	}
}

func (e *Engine) publishNodeEvent(run *models.Run, nr *models.NodeRun, phase string) {
	payload, _ := json.Marshal(map[string]interface{}{
		"run_id":         run.ID,
		"node_run_id":    nr.ID,
		"node_id":        nr.NodeID,
		"agent_id":       nr.AgentID,
		"status":         string(nr.Status),
		"attempt":        nr.Attempt,
		"failure_reason": nr.FailureReason,
	})
	subject := events.SubjectWorkflowNode(e.hubSlug, run.ID, nr.NodeID, phase)
	if _, err := e.events.Publish(context.Background(), subject, e.hubSlug, payload, run.CorrelationID); err != nil {
		e.logger.WithRun(run.ID).WithError(err).Error("Failed to publish node event")
	}
}

func (e *Engine) publishApprovalEvent(a *models.Approval, phase string) {
	payload, _ := json.Marshal(map[string]string{
		"approval_id": a.ID,
		"run_id":      a.RunID,
		"node_run_id": a.NodeRunID,
		"status":      string(a.Status),
		"approver":    a.Approver,
	})
	subject := events.SubjectApproval(e.hubSlug, phase)
	if _, err := e.events.Publish(context.Background(), subject, e.hubSlug, payload, ""); err != nil {
		e.logger.WithError(err).Error("Failed to publish approval event")
	}
}

func snapshotOutputs(outputs map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(outputs))
	for k, v := range outputs {
		out[k] = v
	}
	return out
}
