package registry

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshhub/meshhub/internal/agent/models"
	"github.com/meshhub/meshhub/internal/common/apperr"
	"github.com/meshhub/meshhub/internal/db"
)

type stubRefs struct {
	referenced bool
	active     bool
}

func (s *stubRefs) AgentReferenced(ctx context.Context, agentID string) (bool, error) {
	return s.referenced, nil
}

func (s *stubRefs) AgentReferencedByActiveRun(ctx context.Context, agentID string) (bool, error) {
	return s.active, nil
}

func newTestRegistry(t *testing.T) (*Registry, *stubRefs) {
	t.Helper()
	pool, err := db.OpenSQLitePool(filepath.Join(t.TempDir(), "agents.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	r, err := New(context.Background(), pool)
	require.NoError(t, err)
	refs := &stubRefs{}
	r.SetRunRefChecker(refs)
	return r, refs
}

func testAgent(name string) *models.Agent {
	return &models.Agent{
		Name:         name,
		Type:         models.TypeAnalysis,
		Risk:         models.RiskAuto,
		Image:        "meshhub/agent-" + name + ":latest",
		InputSchema:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`),
		OutputSchema: json.RawMessage(`{"type":"object","properties":{"x":{"type":"number"}},"required":["x"]}`),
		Capabilities: []string{"search"},
	}
}

func TestRegisterAndGet(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	a := testAgent("scanner")
	require.NoError(t, r.Register(ctx, a))
	require.NotEmpty(t, a.ID)

	got, err := r.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "scanner", got.Name)
	assert.Equal(t, models.TypeAnalysis, got.Type)
	assert.Equal(t, []string{"search"}, got.Capabilities)
}

func TestRegisterRejectsBadSchema(t *testing.T) {
	r, _ := newTestRegistry(t)
	a := testAgent("bad")
	a.InputSchema = json.RawMessage(`{"type": 42}`)

	err := r.Register(context.Background(), a)
	require.Error(t, err)
	assert.True(t, apperr.IsValidation(err))
}

func TestRegisterRejectsBadEnums(t *testing.T) {
	r, _ := newTestRegistry(t)

	a := testAgent("x")
	a.Type = "WIZARD"
	err := r.Register(context.Background(), a)
	require.Error(t, err)
	assert.True(t, apperr.IsValidation(err))

	b := testAgent("y")
	b.Risk = "YOLO"
	err = r.Register(context.Background(), b)
	require.Error(t, err)
	assert.True(t, apperr.IsValidation(err))
}

func TestRegisterRejectsDuplicateNameInScope(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, testAgent("dup")))
	err := r.Register(ctx, testAgent("dup"))
	require.Error(t, err)
	assert.True(t, apperr.IsConflict(err))

	// Same name under a different project scope is fine.
	scoped := testAgent("dup")
	scoped.ProjectID = "p1"
	require.NoError(t, r.Register(ctx, scoped))
}

func TestValidateInputAndOutput(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	a := testAgent("validator")
	require.NoError(t, r.Register(ctx, a))

	require.NoError(t, r.ValidateInput(ctx, a.ID, json.RawMessage(`{"query":"hello"}`)))

	err := r.ValidateInput(ctx, a.ID, json.RawMessage(`{"query":7}`))
	require.Error(t, err)
	assert.True(t, apperr.IsValidation(err))

	require.NoError(t, r.ValidateOutput(ctx, a.ID, json.RawMessage(`{"x":1}`)))

	err = r.ValidateOutput(ctx, a.ID, json.RawMessage(`{}`))
	require.Error(t, err)
	assert.True(t, apperr.IsValidation(err))
}

func TestTypeAndRiskImmutableOnceReferenced(t *testing.T) {
	r, refs := newTestRegistry(t)
	ctx := context.Background()

	a := testAgent("frozen")
	require.NoError(t, r.Register(ctx, a))

	// Unreferenced: changing risk is allowed.
	a.Risk = models.RiskApprovalRequired
	require.NoError(t, r.Update(ctx, a))

	refs.referenced = true
	a.Type = models.TypeAction
	err := r.Update(ctx, a)
	require.Error(t, err)
	assert.True(t, apperr.IsConflict(err))

	// Other fields stay mutable.
	a.Type = models.TypeAnalysis
	a.Image = "meshhub/agent-frozen:v2"
	require.NoError(t, r.Update(ctx, a))
}

func TestDeleteBlockedByActiveRun(t *testing.T) {
	r, refs := newTestRegistry(t)
	ctx := context.Background()

	a := testAgent("busy")
	require.NoError(t, r.Register(ctx, a))

	refs.active = true
	err := r.Delete(ctx, a.ID)
	require.Error(t, err)
	assert.True(t, apperr.IsConflict(err))

	refs.active = false
	require.NoError(t, r.Delete(ctx, a.ID))

	agents, err := r.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, agents)

	// Soft-deleted agents still resolve by id for historical runs.
	got, err := r.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.Deleted)
}
