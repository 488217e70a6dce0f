// Package registry stores registered agents and enforces their schema and
// immutability rules.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/meshhub/meshhub/internal/agent/models"
	"github.com/meshhub/meshhub/internal/common/apperr"
	"github.com/meshhub/meshhub/internal/common/ident"
	"github.com/meshhub/meshhub/internal/db"
)

// RunRefChecker reports whether any workflow run references an agent. Wired
// from the workflow repository to keep this package free of a workflow
// dependency.
type RunRefChecker interface {
	AgentReferenced(ctx context.Context, agentID string) (bool, error)
	AgentReferencedByActiveRun(ctx context.Context, agentID string) (bool, error)
}

// Registry owns agent rows and their compiled schemas.
type Registry struct {
	pool *db.Pool
	refs RunRefChecker

	// compiled caches schemas by agent id; invalidated on update.
	compiled   map[string]compiledPair
	compiledMu sync.Mutex
}

type compiledPair struct {
	input  *jsonschema.Schema
	output *jsonschema.Schema
}

// New creates the agent registry and ensures its schema exists.
func New(ctx context.Context, pool *db.Pool) (*Registry, error) {
	r := &Registry{
		pool:     pool,
		compiled: make(map[string]compiledPair),
	}
	if err := r.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize agents schema: %w", err)
	}
	return r, nil
}

// SetRunRefChecker wires the workflow-side reference check. Must be called
// before Update or Delete are used.
func (r *Registry) SetRunRefChecker(refs RunRefChecker) {
	r.refs = refs
}

func (r *Registry) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		risk TEXT NOT NULL,
		image TEXT NOT NULL,
		input_schema TEXT,
		output_schema TEXT,
		capabilities TEXT NOT NULL DEFAULT '[]',
		deleted INTEGER NOT NULL DEFAULT 0,
		created_us INTEGER NOT NULL,
		updated_us INTEGER NOT NULL,
		UNIQUE (project_id, name)
	);
	`
	_, err := r.pool.Writer().ExecContext(ctx, schema)
	return err
}

// Register validates and stores a new agent. Both schemas must compile.
func (r *Registry) Register(ctx context.Context, a *models.Agent) error {
	if a.Name == "" {
		return apperr.Validation("agent name is required")
	}
	if a.Image == "" {
		return apperr.Validation("agent image is required")
	}
	if !models.ValidType(a.Type) {
		return apperr.Validationf("unknown agent type %q", a.Type)
	}
	if !models.ValidRisk(a.Risk) {
		return apperr.Validationf("unknown agent risk %q", a.Risk)
	}

	input, err := compileSchema(a.InputSchema)
	if err != nil {
		return apperr.Validationf("input_schema: %v", err)
	}
	output, err := compileSchema(a.OutputSchema)
	if err != nil {
		return apperr.Validationf("output_schema: %v", err)
	}

	if a.ID == "" {
		a.ID = ident.New()
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	caps, err := json.Marshal(a.Capabilities)
	if err != nil {
		return apperr.Validationf("capabilities: %v", err)
	}

	query := r.pool.Writer().Rebind(`
		INSERT INTO agents (id, project_id, name, type, risk, image, input_schema, output_schema,
			capabilities, deleted, created_us, updated_us)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`)
	_, err = r.pool.Writer().ExecContext(ctx, query,
		a.ID, a.ProjectID, a.Name, a.Type, a.Risk, a.Image,
		string(a.InputSchema), string(a.OutputSchema), string(caps),
		now.UnixMicro(), now.UnixMicro())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") ||
			strings.Contains(err.Error(), "duplicate key value") {
			return apperr.Conflictf("agent %q already registered in this scope", a.Name)
		}
		return fmt.Errorf("failed to insert agent: %w", err)
	}

	r.compiledMu.Lock()
	r.compiled[a.ID] = compiledPair{input: input, output: output}
	r.compiledMu.Unlock()
	return nil
}

// Get returns an agent by id. Soft-deleted agents resolve for existing run
// references but are flagged.
func (r *Registry) Get(ctx context.Context, id string) (*models.Agent, error) {
	query := r.pool.Reader().Rebind(`
		SELECT id, project_id, name, type, risk, image, input_schema, output_schema,
			capabilities, deleted, created_us, updated_us
		FROM agents WHERE id = ?`)
	a, err := scanAgent(r.pool.Reader().QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("agent", id)
	}
	return a, err
}

// List returns non-deleted agents, optionally scoped to a project.
func (r *Registry) List(ctx context.Context, projectID string) ([]*models.Agent, error) {
	query := `
		SELECT id, project_id, name, type, risk, image, input_schema, output_schema,
			capabilities, deleted, created_us, updated_us
		FROM agents WHERE deleted = 0`
	args := []interface{}{}
	if projectID != "" {
		query += ` AND project_id = ?`
		args = append(args, projectID)
	}
	query += ` ORDER BY created_us, id`

	rows, err := r.pool.Reader().QueryContext(ctx, r.pool.Reader().Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var out []*models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Update modifies a registered agent. Type and risk are immutable once any
// workflow run references the agent.
func (r *Registry) Update(ctx context.Context, a *models.Agent) error {
	cur, err := r.Get(ctx, a.ID)
	if err != nil {
		return err
	}
	if cur.Deleted {
		return apperr.Conflictf("agent %q is deleted", a.ID)
	}
	if !models.ValidType(a.Type) {
		return apperr.Validationf("unknown agent type %q", a.Type)
	}
	if !models.ValidRisk(a.Risk) {
		return apperr.Validationf("unknown agent risk %q", a.Risk)
	}

	if a.Type != cur.Type || a.Risk != cur.Risk {
		referenced, err := r.refs.AgentReferenced(ctx, a.ID)
		if err != nil {
			return err
		}
		if referenced {
			return apperr.Conflict("type and risk are immutable once the agent has been run")
		}
	}

	input, err := compileSchema(a.InputSchema)
	if err != nil {
		return apperr.Validationf("input_schema: %v", err)
	}
	output, err := compileSchema(a.OutputSchema)
	if err != nil {
		return apperr.Validationf("output_schema: %v", err)
	}

	caps, err := json.Marshal(a.Capabilities)
	if err != nil {
		return apperr.Validationf("capabilities: %v", err)
	}

	query := r.pool.Writer().Rebind(`
		UPDATE agents SET name = ?, type = ?, risk = ?, image = ?, input_schema = ?,
			output_schema = ?, capabilities = ?, updated_us = ?
		WHERE id = ? AND deleted = 0`)
	_, err = r.pool.Writer().ExecContext(ctx, query,
		a.Name, a.Type, a.Risk, a.Image,
		string(a.InputSchema), string(a.OutputSchema), string(caps),
		time.Now().UTC().UnixMicro(), a.ID)
	if err != nil {
		return fmt.Errorf("failed to update agent: %w", err)
	}

	r.compiledMu.Lock()
	r.compiled[a.ID] = compiledPair{input: input, output: output}
	r.compiledMu.Unlock()
	return nil
}

// Delete soft-deletes an agent. Rejected while any active run references it.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	active, err := r.refs.AgentReferencedByActiveRun(ctx, id)
	if err != nil {
		return err
	}
	if active {
		return apperr.Conflict("agent is referenced by an active workflow run")
	}

	query := r.pool.Writer().Rebind(`UPDATE agents SET deleted = 1, updated_us = ? WHERE id = ?`)
	_, err = r.pool.Writer().ExecContext(ctx, query, time.Now().UTC().UnixMicro(), id)
	if err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}

	r.compiledMu.Lock()
	delete(r.compiled, id)
	r.compiledMu.Unlock()
	return nil
}

// ValidateInput checks a document against the agent's input schema.
func (r *Registry) ValidateInput(ctx context.Context, agentID string, doc json.RawMessage) error {
	pair, err := r.schemas(ctx, agentID)
	if err != nil {
		return err
	}
	if err := validateDocument(pair.input, doc); err != nil {
		return apperr.Validationf("input does not match agent schema: %v", err)
	}
	return nil
}

// ValidateOutput checks a document against the agent's output schema.
func (r *Registry) ValidateOutput(ctx context.Context, agentID string, doc json.RawMessage) error {
	pair, err := r.schemas(ctx, agentID)
	if err != nil {
		return err
	}
	if err := validateDocument(pair.output, doc); err != nil {
		return apperr.Validationf("output does not match agent schema: %v", err)
	}
	return nil
}

// schemas returns the compiled schema pair for an agent, compiling and
// caching on first use.
func (r *Registry) schemas(ctx context.Context, agentID string) (compiledPair, error) {
	r.compiledMu.Lock()
	pair, ok := r.compiled[agentID]
	r.compiledMu.Unlock()
	if ok {
		return pair, nil
	}

	a, err := r.Get(ctx, agentID)
	if err != nil {
		return compiledPair{}, err
	}
	input, err := compileSchema(a.InputSchema)
	if err != nil {
		return compiledPair{}, apperr.Validationf("stored input_schema no longer compiles: %v", err)
	}
	output, err := compileSchema(a.OutputSchema)
	if err != nil {
		return compiledPair{}, apperr.Validationf("stored output_schema no longer compiles: %v", err)
	}

	pair = compiledPair{input: input, output: output}
	r.compiledMu.Lock()
	r.compiled[agentID] = pair
	r.compiledMu.Unlock()
	return pair, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAgent(row rowScanner) (*models.Agent, error) {
	var (
		a            models.Agent
		inputSchema  sql.NullString
		outputSchema sql.NullString
		caps         string
		createdUS    int64
		updatedUS    int64
	)
	err := row.Scan(&a.ID, &a.ProjectID, &a.Name, &a.Type, &a.Risk, &a.Image,
		&inputSchema, &outputSchema, &caps, &a.Deleted, &createdUS, &updatedUS)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan agent: %w", err)
	}
	if inputSchema.Valid && inputSchema.String != "" {
		a.InputSchema = json.RawMessage(inputSchema.String)
	}
	if outputSchema.Valid && outputSchema.String != "" {
		a.OutputSchema = json.RawMessage(outputSchema.String)
	}
	if caps != "" {
		if err := json.Unmarshal([]byte(caps), &a.Capabilities); err != nil {
			return nil, fmt.Errorf("failed to decode capabilities: %w", err)
		}
	}
	a.CreatedAt = time.UnixMicro(createdUS).UTC()
	a.UpdatedAt = time.UnixMicro(updatedUS).UTC()
	return &a, nil
}
