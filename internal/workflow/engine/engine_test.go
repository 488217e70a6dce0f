package engine

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	agentmodels "github.com/meshhub/meshhub/internal/agent/models"
	"github.com/meshhub/meshhub/internal/agent/registry"
	"github.com/meshhub/meshhub/internal/common/apperr"
	"github.com/meshhub/meshhub/internal/common/config"
	"github.com/meshhub/meshhub/internal/common/logger"
	"github.com/meshhub/meshhub/internal/db"
	"github.com/meshhub/meshhub/internal/driver/fake"
	"github.com/meshhub/meshhub/internal/events/bus"
	eventrepo "github.com/meshhub/meshhub/internal/events/repository"
	eventsvc "github.com/meshhub/meshhub/internal/events/service"
	"github.com/meshhub/meshhub/internal/workflow/models"
	"github.com/meshhub/meshhub/internal/workflow/repository"
)

type fixture struct {
	repo   *repository.Repository
	agents *registry.Registry
	drv    *fake.Driver
	events *eventsvc.Service
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	pool, err := db.OpenSQLitePool(filepath.Join(t.TempDir(), "workflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	repo, err := repository.New(ctx, pool)
	require.NoError(t, err)

	agents, err := registry.New(ctx, pool)
	require.NoError(t, err)
	agents.SetRunRefChecker(repo)

	log, err := logger.New(logger.Config{Level: "error", Format: "text"})
	require.NoError(t, err)

	evRepo, err := eventrepo.New(ctx, pool)
	require.NoError(t, err)
	memBus := bus.NewMemoryEventBus(log)
	t.Cleanup(memBus.Close)

	events := eventsvc.New(evRepo, memBus, log)

	drv := fake.New()
	cfg := config.WorkflowConfig{
		WorkerTokens:     2,
		RetryBaseMillis:  10,
		RetryCapMillis:   50,
		AgentTimeoutSecs: 5,
	}
	eng := New(repo, agents, drv, events, cfg, "core", log)
	t.Cleanup(eng.Close)

	return &fixture{repo: repo, agents: agents, drv: drv, events: events, engine: eng}
}

// registerAgent registers an agent whose output must be {"x": <number>}.
func (f *fixture) registerAgent(t *testing.T, name string, risk agentmodels.Risk) *agentmodels.Agent {
	t.Helper()
	a := &agentmodels.Agent{
		Name:         name,
		Type:         agentmodels.TypeAnalysis,
		Risk:         risk,
		Image:        "meshhub/agent-" + name + ":latest",
		InputSchema:  json.RawMessage(`{"type":"object"}`),
		OutputSchema: json.RawMessage(`{"type":"object","properties":{"x":{"type":"number"}},"required":["x"]}`),
	}
	require.NoError(t, f.agents.Register(context.Background(), a))
	f.drv.ScriptAgent(a.Image, fake.AgentBehavior{Stdout: []byte(`{"x":1}`)})
	return a
}

// activeWorkflow stores a workflow already in ACTIVE.
func (f *fixture) activeWorkflow(t *testing.T, nodes ...models.Node) *models.Workflow {
	t.Helper()
	w := &models.Workflow{
		Name:    "wf-" + t.Name(),
		Trigger: models.TriggerManual,
		Status:  models.WorkflowActive,
		Nodes:   nodes,
	}
	require.NoError(t, f.repo.CreateWorkflow(context.Background(), w))
	return w
}

func (f *fixture) waitForRun(t *testing.T, runID string, want models.RunStatus) *models.Run {
	t.Helper()
	var run *models.Run
	require.Eventually(t, func() bool {
		var err error
		run, err = f.repo.GetRun(context.Background(), runID)
		return err == nil && run.Status == want
	}, 5*time.Second, 10*time.Millisecond, "run did not reach %s", want)
	return run
}

func (f *fixture) nodeRun(t *testing.T, runID, nodeID string) *models.NodeRun {
	t.Helper()
	nodeRuns, err := f.repo.ListNodeRuns(context.Background(), runID)
	require.NoError(t, err)
	for _, nr := range nodeRuns {
		if nr.NodeID == nodeID {
			return nr
		}
	}
	t.Fatalf("node run %s not found in run %s", nodeID, runID)
	return nil
}

func TestLinearChainResolvesUpstreamOutput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a1 := f.registerAgent(t, "producer", agentmodels.RiskAuto)
	a2 := f.registerAgent(t, "consumer", agentmodels.RiskAuto)
	f.drv.ScriptAgent(a1.Image, fake.AgentBehavior{Stdout: []byte(`{"x":41}`)})

	w := f.activeWorkflow(t,
		models.Node{ID: "n1", AgentID: a1.ID},
		models.Node{ID: "n2", AgentID: a2.ID, DependsOn: []string{"n1"},
			StaticInput: json.RawMessage(`{"value":"$nodes.n1.output.x"}`)},
	)

	run, err := f.engine.TriggerRun(ctx, w.ID, nil, "")
	require.NoError(t, err)

	f.waitForRun(t, run.ID, models.RunSucceeded)

	n2 := f.nodeRun(t, run.ID, "n2")
	assert.Equal(t, models.NodeSucceeded, n2.Status)
	assert.JSONEq(t, `{"value":41}`, string(n2.InputSnapshot))

	n1 := f.nodeRun(t, run.ID, "n1")
	assert.JSONEq(t, `{"x":41}`, string(n1.OutputSnapshot))
}

func TestRetryExhaustionFailsNode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.registerAgent(t, "flaky", agentmodels.RiskAuto)
	f.drv.ScriptAgent(a.Image, fake.AgentBehavior{ExitCode: 1})

	w := f.activeWorkflow(t, models.Node{
		ID: "n1", AgentID: a.ID, Retry: models.RetryPolicy{MaxAttempts: 3},
	})

	run, err := f.engine.TriggerRun(ctx, w.ID, nil, "")
	require.NoError(t, err)
	f.waitForRun(t, run.ID, models.RunFailed)

	nr := f.nodeRun(t, run.ID, "n1")
	assert.Equal(t, models.NodeFailed, nr.Status)
	assert.Equal(t, models.ReasonAgentFailed, nr.FailureReason)
	assert.Equal(t, 3, nr.Attempt)
	assert.Len(t, f.drv.RunCalls(), 3)
}

func TestRetrySucceedsAfterTransientFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.registerAgent(t, "recovers", agentmodels.RiskAuto)
	// The first attempt holds for 200ms and fails; the test flips the script
	// during that window so the retry succeeds.
	f.drv.ScriptAgent(a.Image, fake.AgentBehavior{ExitCode: 1, Delay: 200 * time.Millisecond})

	w := f.activeWorkflow(t, models.Node{
		ID: "n1", AgentID: a.ID, Retry: models.RetryPolicy{MaxAttempts: 5},
	})

	run, err := f.engine.TriggerRun(ctx, w.ID, nil, "")
	require.NoError(t, err)

	// Flip the scripted outcome after the first attempt lands.
	require.Eventually(t, func() bool {
		return len(f.drv.RunCalls()) >= 1
	}, 2*time.Second, 5*time.Millisecond)
	f.drv.ScriptAgent(a.Image, fake.AgentBehavior{Stdout: []byte(`{"x":7}`)})

	f.waitForRun(t, run.ID, models.RunSucceeded)
	nr := f.nodeRun(t, run.ID, "n1")
	assert.Equal(t, models.NodeSucceeded, nr.Status)
	assert.GreaterOrEqual(t, nr.Attempt, 2)
}

func TestApprovalGateApprove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.registerAgent(t, "gated", agentmodels.RiskApprovalRequired)
	w := f.activeWorkflow(t, models.Node{ID: "n1", AgentID: a.ID})

	run, err := f.engine.TriggerRun(ctx, w.ID, nil, "")
	require.NoError(t, err)

	var pending []*models.Approval
	require.Eventually(t, func() bool {
		pending, _ = f.repo.ListApprovals(ctx, run.ID, models.ApprovalPending)
		return len(pending) == 1
	}, 2*time.Second, 10*time.Millisecond)

	nr := f.nodeRun(t, run.ID, "n1")
	assert.Equal(t, models.NodeWaitingApproval, nr.Status)

	decided, err := f.engine.DecideApproval(ctx, pending[0].ID, true, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalApproved, decided.Status)
	assert.Equal(t, "alice", decided.Approver)

	f.waitForRun(t, run.ID, models.RunSucceeded)
}

func TestApprovalGateRejectFailsRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	gated := f.registerAgent(t, "gated", agentmodels.RiskApprovalRequired)
	auto := f.registerAgent(t, "after", agentmodels.RiskAuto)
	w := f.activeWorkflow(t,
		models.Node{ID: "n1", AgentID: gated.ID},
		models.Node{ID: "n2", AgentID: auto.ID, DependsOn: []string{"n1"}},
	)

	run, err := f.engine.TriggerRun(ctx, w.ID, nil, "")
	require.NoError(t, err)

	var pending []*models.Approval
	require.Eventually(t, func() bool {
		pending, _ = f.repo.ListApprovals(ctx, run.ID, models.ApprovalPending)
		return len(pending) == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, err = f.engine.DecideApproval(ctx, pending[0].ID, false, "bob")
	require.NoError(t, err)

	f.waitForRun(t, run.ID, models.RunFailed)

	n1 := f.nodeRun(t, run.ID, "n1")
	assert.Equal(t, models.NodeFailed, n1.Status)
	assert.Equal(t, models.ReasonApprovalRejected, n1.FailureReason)

	n2 := f.nodeRun(t, run.ID, "n2")
	assert.Equal(t, models.NodeSkipped, n2.Status)
}

func TestApprovalDoubleDecisionConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.registerAgent(t, "gated", agentmodels.RiskApprovalRequired)
	w := f.activeWorkflow(t, models.Node{ID: "n1", AgentID: a.ID})

	run, err := f.engine.TriggerRun(ctx, w.ID, nil, "")
	require.NoError(t, err)

	var pending []*models.Approval
	require.Eventually(t, func() bool {
		pending, _ = f.repo.ListApprovals(ctx, run.ID, models.ApprovalPending)
		return len(pending) == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, err = f.engine.DecideApproval(ctx, pending[0].ID, true, "alice")
	require.NoError(t, err)

	_, err = f.engine.DecideApproval(ctx, pending[0].ID, false, "mallory")
	require.Error(t, err)
	assert.True(t, apperr.IsConflict(err))

	f.waitForRun(t, run.ID, models.RunSucceeded)
}

func TestCancelMidRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	slow := f.registerAgent(t, "slow", agentmodels.RiskAuto)
	after := f.registerAgent(t, "after", agentmodels.RiskAuto)
	f.drv.ScriptAgent(slow.Image, fake.AgentBehavior{Stdout: []byte(`{"x":1}`), Delay: 2 * time.Second})

	w := f.activeWorkflow(t,
		models.Node{ID: "n1", AgentID: slow.ID},
		models.Node{ID: "n2", AgentID: after.ID, DependsOn: []string{"n1"}},
	)

	run, err := f.engine.TriggerRun(ctx, w.ID, nil, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.nodeRun(t, run.ID, "n1").Status == models.NodeRunning
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.engine.Cancel(ctx, run.ID))
	f.waitForRun(t, run.ID, models.RunCancelled)

	assert.Equal(t, models.NodeCancelled, f.nodeRun(t, run.ID, "n1").Status)
	assert.Equal(t, models.NodeSkipped, f.nodeRun(t, run.ID, "n2").Status)
}

func TestCancelTerminalRunConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.registerAgent(t, "quick", agentmodels.RiskAuto)
	w := f.activeWorkflow(t, models.Node{ID: "n1", AgentID: a.ID})

	run, err := f.engine.TriggerRun(ctx, w.ID, nil, "")
	require.NoError(t, err)
	f.waitForRun(t, run.ID, models.RunSucceeded)

	err = f.engine.Cancel(ctx, run.ID)
	require.Error(t, err)
	assert.True(t, apperr.IsConflict(err))
}

func TestFailFastCancelsSiblingsAndSkipsDownstream(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	failing := f.registerAgent(t, "failing", agentmodels.RiskAuto)
	slow := f.registerAgent(t, "slow", agentmodels.RiskAuto)
	after := f.registerAgent(t, "after", agentmodels.RiskAuto)
	f.drv.ScriptAgent(failing.Image, fake.AgentBehavior{ExitCode: 1})
	f.drv.ScriptAgent(slow.Image, fake.AgentBehavior{Stdout: []byte(`{"x":1}`), Delay: 2 * time.Second})

	w := f.activeWorkflow(t,
		models.Node{ID: "a", AgentID: failing.ID},
		models.Node{ID: "b", AgentID: slow.ID},
		models.Node{ID: "c", AgentID: after.ID, DependsOn: []string{"b"}},
	)

	run, err := f.engine.TriggerRun(ctx, w.ID, nil, "")
	require.NoError(t, err)
	f.waitForRun(t, run.ID, models.RunFailed)

	assert.Equal(t, models.NodeFailed, f.nodeRun(t, run.ID, "a").Status)
	assert.Equal(t, models.NodeCancelled, f.nodeRun(t, run.ID, "b").Status)
	assert.Equal(t, models.NodeSkipped, f.nodeRun(t, run.ID, "c").Status)
}

func TestUnresolvedReferenceFailsNode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a1 := f.registerAgent(t, "producer", agentmodels.RiskAuto)
	a2 := f.registerAgent(t, "consumer", agentmodels.RiskAuto)

	w := f.activeWorkflow(t,
		models.Node{ID: "n1", AgentID: a1.ID},
		models.Node{ID: "n2", AgentID: a2.ID, DependsOn: []string{"n1"},
			StaticInput: json.RawMessage(`{"value":"$nodes.n1.output.missing"}`)},
	)

	run, err := f.engine.TriggerRun(ctx, w.ID, nil, "")
	require.NoError(t, err)
	f.waitForRun(t, run.ID, models.RunFailed)

	nr := f.nodeRun(t, run.ID, "n2")
	assert.Equal(t, models.NodeFailed, nr.Status)
	assert.Equal(t, models.ReasonInputUnresolved, nr.FailureReason)
}

func TestInvalidInputFailsNodeWithoutDispatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := &agentmodels.Agent{
		Name:        "strict",
		Type:        agentmodels.TypeAnalysis,
		Risk:        agentmodels.RiskAuto,
		Image:       "meshhub/agent-strict:latest",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"n":{"type":"number"}},"required":["n"]}`),
	}
	require.NoError(t, f.agents.Register(ctx, a))

	w := f.activeWorkflow(t, models.Node{
		ID: "n1", AgentID: a.ID,
		StaticInput: json.RawMessage(`{"n":"not a number"}`),
	})

	run, err := f.engine.TriggerRun(ctx, w.ID, nil, "")
	require.NoError(t, err)
	f.waitForRun(t, run.ID, models.RunFailed)

	nr := f.nodeRun(t, run.ID, "n1")
	assert.Equal(t, models.ReasonInvalidInput, nr.FailureReason)
	assert.Empty(t, f.drv.RunCalls())
}

func TestInvalidOutputRetriesThenFailsNode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.registerAgent(t, "liar", agentmodels.RiskAuto)
	f.drv.ScriptAgent(a.Image, fake.AgentBehavior{Stdout: []byte(`{"wrong":"shape"}`)})

	w := f.activeWorkflow(t, models.Node{
		ID: "n1", AgentID: a.ID, Retry: models.RetryPolicy{MaxAttempts: 3},
	})

	run, err := f.engine.TriggerRun(ctx, w.ID, nil, "")
	require.NoError(t, err)
	f.waitForRun(t, run.ID, models.RunFailed)

	// Schema-invalid output is retried like a nonzero exit before failing.
	nr := f.nodeRun(t, run.ID, "n1")
	assert.Equal(t, models.NodeFailed, nr.Status)
	assert.Equal(t, models.ReasonInvalidOutput, nr.FailureReason)
	assert.Equal(t, 3, nr.Attempt)
	assert.Len(t, f.drv.RunCalls(), 3)
}

func TestInvalidOutputRecoversOnRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.registerAgent(t, "settles", agentmodels.RiskAuto)
	f.drv.ScriptAgent(a.Image, fake.AgentBehavior{
		Stdout: []byte(`{"wrong":"shape"}`), Delay: 200 * time.Millisecond,
	})

	w := f.activeWorkflow(t, models.Node{
		ID: "n1", AgentID: a.ID, Retry: models.RetryPolicy{MaxAttempts: 5},
	})

	run, err := f.engine.TriggerRun(ctx, w.ID, nil, "")
	require.NoError(t, err)

	// Flip the scripted output to a valid shape during the first attempt.
	require.Eventually(t, func() bool {
		return len(f.drv.RunCalls()) >= 1
	}, 2*time.Second, 5*time.Millisecond)
	f.drv.ScriptAgent(a.Image, fake.AgentBehavior{Stdout: []byte(`{"x":9}`)})

	f.waitForRun(t, run.ID, models.RunSucceeded)
	nr := f.nodeRun(t, run.ID, "n1")
	assert.Equal(t, models.NodeSucceeded, nr.Status)
	assert.GreaterOrEqual(t, nr.Attempt, 2)
}

func TestNodeEventsAnnounceEveryTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a1 := f.registerAgent(t, "first", agentmodels.RiskAuto)
	a2 := f.registerAgent(t, "second", agentmodels.RiskAuto)
	w := f.activeWorkflow(t,
		models.Node{ID: "n1", AgentID: a1.ID},
		models.Node{ID: "n2", AgentID: a2.ID, DependsOn: []string{"n1"}},
	)

	run, err := f.engine.TriggerRun(ctx, w.ID, nil, "")
	require.NoError(t, err)
	f.waitForRun(t, run.ID, models.RunSucceeded)

	stored, err := f.events.Query(ctx, eventrepo.Filter{
		SubjectPattern: "hub.core.workflow." + run.ID + ".node.>",
	})
	require.NoError(t, err)

	var subjects []string
	for _, ev := range stored {
		subjects = append(subjects, ev.Subject)
	}
	prefix := "hub.core.workflow." + run.ID + ".node."
	assert.Equal(t, []string{
		prefix + "n1.ready",
		prefix + "n1.running",
		prefix + "n1.succeeded",
		prefix + "n2.ready",
		prefix + "n2.running",
		prefix + "n2.succeeded",
	}, subjects)
}

func TestTriggerRejectsCycle(t *testing.T) {
	f := newFixture(t)
	a := f.registerAgent(t, "x", agentmodels.RiskAuto)

	w := f.activeWorkflow(t,
		models.Node{ID: "n1", AgentID: a.ID, DependsOn: []string{"n2"}},
		models.Node{ID: "n2", AgentID: a.ID, DependsOn: []string{"n1"}},
	)

	_, err := f.engine.TriggerRun(context.Background(), w.ID, nil, "")
	require.Error(t, err)
	assert.True(t, apperr.IsValidation(err))
}

func TestTriggerRejectsHumanOnlyAgent(t *testing.T) {
	f := newFixture(t)
	a := f.registerAgent(t, "manual", agentmodels.RiskHumanOnly)

	w := f.activeWorkflow(t, models.Node{ID: "n1", AgentID: a.ID})

	_, err := f.engine.TriggerRun(context.Background(), w.ID, nil, "")
	require.Error(t, err)
	assert.True(t, apperr.IsValidation(err))
}

func TestTriggerRejectsInactiveWorkflow(t *testing.T) {
	f := newFixture(t)
	a := f.registerAgent(t, "x", agentmodels.RiskAuto)

	w := &models.Workflow{
		Name:    "draft",
		Trigger: models.TriggerManual,
		Status:  models.WorkflowDraft,
		Nodes:   []models.Node{{ID: "n1", AgentID: a.ID}},
	}
	require.NoError(t, f.repo.CreateWorkflow(context.Background(), w))

	_, err := f.engine.TriggerRun(context.Background(), w.ID, nil, "")
	require.Error(t, err)
	assert.True(t, apperr.IsConflict(err))
}

func TestTriggerContextReference(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.registerAgent(t, "ctxreader", agentmodels.RiskAuto)
	w := f.activeWorkflow(t, models.Node{
		ID: "n1", AgentID: a.ID,
		StaticInput: json.RawMessage(`{"who":"$trigger.alert.name"}`),
	})

	run, err := f.engine.TriggerRun(ctx, w.ID, json.RawMessage(`{"alert":{"name":"disk-full"}}`), "")
	require.NoError(t, err)
	f.waitForRun(t, run.ID, models.RunSucceeded)

	nr := f.nodeRun(t, run.ID, "n1")
	assert.JSONEq(t, `{"who":"disk-full"}`, string(nr.InputSnapshot))
}

func TestRunEventsCarryCorrelationID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.registerAgent(t, "traced", agentmodels.RiskAuto)
	w := f.activeWorkflow(t, models.Node{ID: "n1", AgentID: a.ID})

	run, err := f.engine.TriggerRun(ctx, w.ID, nil, "corr-42")
	require.NoError(t, err)
	f.waitForRun(t, run.ID, models.RunSucceeded)

	stored, err := f.events.Query(ctx, eventrepo.Filter{CorrelationID: "corr-42"})
	require.NoError(t, err)
	require.NotEmpty(t, stored)
	for _, ev := range stored {
		assert.Equal(t, "corr-42", ev.CorrelationID)
	}
}

func TestRecoverFinalizesOrphanedRuns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.registerAgent(t, "x", agentmodels.RiskAuto)
	w := f.activeWorkflow(t, models.Node{ID: "n1", AgentID: a.ID})

	// A run persisted without a live scheduler, as after a crash.
	run := &models.Run{WorkflowID: w.ID, Status: models.RunRunning}
	nodeRuns := []*models.NodeRun{{NodeID: "n1", AgentID: a.ID, Status: models.NodePending}}
	require.NoError(t, f.repo.CreateRun(ctx, run, nodeRuns))

	require.NoError(t, f.engine.Recover(ctx))

	got, err := f.repo.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCancelled, got.Status)
	assert.Equal(t, models.NodeSkipped, f.nodeRun(t, run.ID, "n1").Status)
}
