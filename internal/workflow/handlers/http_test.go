package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	agentmodels "github.com/meshhub/meshhub/internal/agent/models"
	"github.com/meshhub/meshhub/internal/agent/registry"
	"github.com/meshhub/meshhub/internal/common/config"
	"github.com/meshhub/meshhub/internal/common/logger"
	"github.com/meshhub/meshhub/internal/db"
	"github.com/meshhub/meshhub/internal/driver/fake"
	"github.com/meshhub/meshhub/internal/events/bus"
	eventrepo "github.com/meshhub/meshhub/internal/events/repository"
	eventsvc "github.com/meshhub/meshhub/internal/events/service"
	"github.com/meshhub/meshhub/internal/workflow/engine"
	"github.com/meshhub/meshhub/internal/workflow/models"
	"github.com/meshhub/meshhub/internal/workflow/repository"
	"github.com/meshhub/meshhub/internal/workflow/service"
)

type fixture struct {
	router *gin.Engine
	repo   *repository.Repository
	engine *engine.Engine
	agent  *agentmodels.Agent
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	pool, err := db.OpenSQLitePool(filepath.Join(t.TempDir(), "handlers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	log, err := logger.New(logger.Config{Level: "error", Format: "text"})
	require.NoError(t, err)

	repo, err := repository.New(ctx, pool)
	require.NoError(t, err)
	agents, err := registry.New(ctx, pool)
	require.NoError(t, err)
	agents.SetRunRefChecker(repo)

	evRepo, err := eventrepo.New(ctx, pool)
	require.NoError(t, err)
	memBus := bus.NewMemoryEventBus(log)
	t.Cleanup(memBus.Close)
	events := eventsvc.New(evRepo, memBus, log)

	drv := fake.New()
	eng := engine.New(repo, agents, drv, events, config.WorkflowConfig{WorkerTokens: 2}, "core", log)
	t.Cleanup(eng.Close)

	svc := service.New(repo, agents, eng, memBus, "core", log)

	a := &agentmodels.Agent{
		Name:         "gated",
		Type:         agentmodels.TypeAnalysis,
		Risk:         agentmodels.RiskApprovalRequired,
		Image:        "meshhub/agent-gated:latest",
		InputSchema:  json.RawMessage(`{"type":"object"}`),
		OutputSchema: json.RawMessage(`{"type":"object"}`),
	}
	require.NoError(t, agents.Register(ctx, a))
	drv.ScriptAgent(a.Image, fake.AgentBehavior{Stdout: []byte(`{}`)})

	router := gin.New()
	api := router.Group("/api/v1")
	NewHTTPHandler(svc, eng, repo, log).RegisterRoutes(api)

	return &fixture{router: router, repo: repo, engine: eng, agent: a}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

// startGatedRun triggers a run that parks in WAITING_APPROVAL and returns the
// pending approval.
func (f *fixture) startGatedRun(t *testing.T) (*models.Run, *models.Approval) {
	t.Helper()
	ctx := context.Background()

	w := &models.Workflow{
		Name:    "wf-" + t.Name(),
		Trigger: models.TriggerManual,
		Status:  models.WorkflowActive,
		Nodes:   []models.Node{{ID: "n1", AgentID: f.agent.ID}},
	}
	require.NoError(t, f.repo.CreateWorkflow(ctx, w))

	run, err := f.engine.TriggerRun(ctx, w.ID, nil, "")
	require.NoError(t, err)

	var pending []*models.Approval
	require.Eventually(t, func() bool {
		pending, _ = f.repo.ListApprovals(ctx, run.ID, models.ApprovalPending)
		return len(pending) == 1
	}, 2*time.Second, 10*time.Millisecond)
	return run, pending[0]
}

func TestDecideApprovalEndpoint(t *testing.T) {
	f := newFixture(t)

	run, approval := f.startGatedRun(t)

	rec := f.do(t, http.MethodPost, "/api/v1/approvals/"+approval.ID+"/decide",
		`{"decision":"approve","approver":"alice"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var decided models.Approval
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decided))
	assert.Equal(t, models.ApprovalApproved, decided.Status)
	assert.Equal(t, "alice", decided.Approver)

	require.Eventually(t, func() bool {
		got, err := f.repo.GetRun(context.Background(), run.ID)
		return err == nil && got.Status == models.RunSucceeded
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDecideApprovalRejectsBadDecision(t *testing.T) {
	f := newFixture(t)

	_, approval := f.startGatedRun(t)

	rec := f.do(t, http.MethodPost, "/api/v1/approvals/"+approval.ID+"/decide",
		`{"decision":"maybe","approver":"alice"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/approvals/"+approval.ID+"/decide",
		`{"approver":"alice"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListRunsByTriggerSource(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	hooked := &models.Workflow{
		Name:          "on-alert",
		Trigger:       models.TriggerWebhook,
		TriggerConfig: json.RawMessage(`{"source":"alertmanager"}`),
		Status:        models.WorkflowActive,
		Nodes:         []models.Node{{ID: "n1", AgentID: f.agent.ID}},
	}
	require.NoError(t, f.repo.CreateWorkflow(ctx, hooked))
	manual := &models.Workflow{
		Name:    "by-hand",
		Trigger: models.TriggerManual,
		Status:  models.WorkflowActive,
		Nodes:   []models.Node{{ID: "n1", AgentID: f.agent.ID}},
	}
	require.NoError(t, f.repo.CreateWorkflow(ctx, manual))

	hookedRun := &models.Run{WorkflowID: hooked.ID, Status: models.RunSucceeded}
	require.NoError(t, f.repo.CreateRun(ctx, hookedRun, []*models.NodeRun{
		{NodeID: "n1", AgentID: f.agent.ID, Status: models.NodeSucceeded},
	}))
	manualRun := &models.Run{WorkflowID: manual.ID, Status: models.RunSucceeded}
	require.NoError(t, f.repo.CreateRun(ctx, manualRun, []*models.NodeRun{
		{NodeID: "n1", AgentID: f.agent.ID, Status: models.NodeSucceeded},
	}))

	rec := f.do(t, http.MethodGet, "/api/v1/workflows/runs?trigger=alertmanager", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Runs []*models.Run `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Runs, 1)
	assert.Equal(t, hookedRun.ID, resp.Runs[0].ID)

	// No trigger filter lists runs across workflows.
	rec = f.do(t, http.MethodGet, "/api/v1/workflows/runs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Runs, 2)
}
