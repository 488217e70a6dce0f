// Package repository persists project rows and lifecycle idempotency keys.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/meshhub/meshhub/internal/common/apperr"
	"github.com/meshhub/meshhub/internal/db"
	"github.com/meshhub/meshhub/internal/project/models"
)

// Repository stores projects in the relational store.
type Repository struct {
	pool *db.Pool
}

// New creates a project repository and ensures its schema exists.
func New(ctx context.Context, pool *db.Pool) (*Repository, error) {
	r := &Repository{pool: pool}
	if err := r.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize projects schema: %w", err)
	}
	return r, nil
}

func (r *Repository) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		slug TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		path TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'STOPPED',
		backend_port INTEGER NOT NULL,
		frontend_port INTEGER NOT NULL,
		db_port INTEGER NOT NULL,
		cache_port INTEGER NOT NULL,
		stack_ref TEXT NOT NULL DEFAULT '',
		stack_started_us INTEGER,
		last_error TEXT NOT NULL DEFAULT '',
		created_us INTEGER NOT NULL,
		updated_us INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_projects_backend_port
		ON projects(backend_port) WHERE status != 'STOPPED';
	CREATE UNIQUE INDEX IF NOT EXISTS idx_projects_frontend_port
		ON projects(frontend_port) WHERE status != 'STOPPED';
	CREATE UNIQUE INDEX IF NOT EXISTS idx_projects_db_port
		ON projects(db_port) WHERE status != 'STOPPED';
	CREATE UNIQUE INDEX IF NOT EXISTS idx_projects_cache_port
		ON projects(cache_port) WHERE status != 'STOPPED';

	CREATE TABLE IF NOT EXISTS idempotency_keys (
		request_key TEXT PRIMARY KEY,
		operation TEXT NOT NULL,
		applied_us INTEGER NOT NULL
	);
	`
	_, err := r.pool.Writer().ExecContext(ctx, schema)
	return err
}

const projectColumns = `id, slug, name, path, status, backend_port, frontend_port, db_port, cache_port,
	stack_ref, stack_started_us, last_error, created_us, updated_us`

// Create inserts a new project row in STOPPED state.
func (r *Repository) Create(ctx context.Context, p *models.Project) error {
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	p.Status = models.StatusStopped

	query := r.pool.Writer().Rebind(`
		INSERT INTO projects (id, slug, name, path, status, backend_port, frontend_port, db_port, cache_port,
			stack_ref, last_error, created_us, updated_us)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', ?, ?)`)
	_, err := r.pool.Writer().ExecContext(ctx, query,
		p.ID, p.Slug, p.Name, p.Path, p.Status,
		p.BackendPort, p.FrontendPort, p.DBPort, p.CachePort,
		now.UnixMicro(), now.UnixMicro())
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Conflictf("project slug %q already exists", p.Slug)
		}
		return fmt.Errorf("failed to insert project: %w", err)
	}
	return nil
}

// Get returns a project by id.
func (r *Repository) Get(ctx context.Context, id string) (*models.Project, error) {
	query := r.pool.Reader().Rebind(
		fmt.Sprintf(`SELECT %s FROM projects WHERE id = ?`, projectColumns))
	return r.scanOne(r.pool.Reader().QueryRowContext(ctx, query, id), id)
}

// GetBySlug returns a project by slug.
func (r *Repository) GetBySlug(ctx context.Context, slug string) (*models.Project, error) {
	query := r.pool.Reader().Rebind(
		fmt.Sprintf(`SELECT %s FROM projects WHERE slug = ?`, projectColumns))
	return r.scanOne(r.pool.Reader().QueryRowContext(ctx, query, slug), slug)
}

// List returns all projects ordered by creation time.
func (r *Repository) List(ctx context.Context) ([]*models.Project, error) {
	query := fmt.Sprintf(`SELECT %s FROM projects ORDER BY created_us, id`, projectColumns)
	rows, err := r.pool.Reader().QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var out []*models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListActive returns projects whose status is not STOPPED.
func (r *Repository) ListActive(ctx context.Context) ([]*models.Project, error) {
	query := fmt.Sprintf(`SELECT %s FROM projects WHERE status != 'STOPPED' ORDER BY created_us, id`, projectColumns)
	rows, err := r.pool.Reader().QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list active projects: %w", err)
	}
	defer rows.Close()

	var out []*models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Transition moves a project from one status to another, guarded by the
// current status so concurrent writers cannot race past the state machine.
// Returns CONFLICT when the row is no longer in the expected status.
func (r *Repository) Transition(ctx context.Context, id string, from, to models.Status, lastError string) error {
	if !models.CanTransition(from, to) {
		return apperr.Conflictf("invalid transition %s -> %s", from, to)
	}

	query := r.pool.Writer().Rebind(`
		UPDATE projects SET status = ?, last_error = ?, updated_us = ?
		WHERE id = ? AND status = ?`)
	res, err := r.pool.Writer().ExecContext(ctx, query,
		to, lastError, time.Now().UTC().UnixMicro(), id, from)
	if err != nil {
		return fmt.Errorf("failed to transition project: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		cur, getErr := r.Get(ctx, id)
		if getErr != nil {
			return getErr
		}
		return apperr.Conflictf("project is %s, expected %s", cur.Status, from)
	}
	return nil
}

// SetStackHandle records the driver handle after a successful start.
func (r *Repository) SetStackHandle(ctx context.Context, id, ref string, startedAt time.Time) error {
	query := r.pool.Writer().Rebind(`
		UPDATE projects SET stack_ref = ?, stack_started_us = ?, updated_us = ? WHERE id = ?`)
	_, err := r.pool.Writer().ExecContext(ctx, query,
		ref, startedAt.UnixMicro(), time.Now().UTC().UnixMicro(), id)
	if err != nil {
		return fmt.Errorf("failed to set stack handle: %w", err)
	}
	return nil
}

// ClearStackHandle removes the driver handle on stop or failure.
func (r *Repository) ClearStackHandle(ctx context.Context, id string) error {
	query := r.pool.Writer().Rebind(`
		UPDATE projects SET stack_ref = '', stack_started_us = NULL, updated_us = ? WHERE id = ?`)
	_, err := r.pool.Writer().ExecContext(ctx, query, time.Now().UTC().UnixMicro(), id)
	if err != nil {
		return fmt.Errorf("failed to clear stack handle: %w", err)
	}
	return nil
}

// SetPorts reassigns the project's ports (restart with new allocation).
func (r *Repository) SetPorts(ctx context.Context, id string, backend, frontend, dbPort, cache int) error {
	query := r.pool.Writer().Rebind(`
		UPDATE projects SET backend_port = ?, frontend_port = ?, db_port = ?, cache_port = ?, updated_us = ?
		WHERE id = ?`)
	_, err := r.pool.Writer().ExecContext(ctx, query,
		backend, frontend, dbPort, cache, time.Now().UTC().UnixMicro(), id)
	if err != nil {
		return fmt.Errorf("failed to set ports: %w", err)
	}
	return nil
}

// Delete removes a project row.
func (r *Repository) Delete(ctx context.Context, id string) error {
	query := r.pool.Writer().Rebind(`DELETE FROM projects WHERE id = ?`)
	res, err := r.pool.Writer().ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("project", id)
	}
	return nil
}

// PortAssigned reports whether any other project row (any status except
// STOPPED, or any row at all when includeStopped) already uses the port in
// the given column.
func (r *Repository) PortAssigned(ctx context.Context, column string, port int, excludeID string) (bool, error) {
	switch column {
	case "backend_port", "frontend_port", "db_port", "cache_port":
	default:
		return false, fmt.Errorf("invalid port column %q", column)
	}
	query := r.pool.Reader().Rebind(fmt.Sprintf(
		`SELECT COUNT(*) FROM projects WHERE %s = ? AND id != ?`, column))
	var n int
	if err := r.pool.Reader().QueryRowContext(ctx, query, port, excludeID).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check port assignment: %w", err)
	}
	return n > 0, nil
}

// IsOperationApplied reports whether a lifecycle request key has already
// been processed.
func (r *Repository) IsOperationApplied(ctx context.Context, requestKey string) (bool, error) {
	if requestKey == "" {
		return false, nil
	}
	query := r.pool.Reader().Rebind(`SELECT COUNT(*) FROM idempotency_keys WHERE request_key = ?`)
	var n int
	if err := r.pool.Reader().QueryRowContext(ctx, query, requestKey).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check idempotency key: %w", err)
	}
	return n > 0, nil
}

// MarkOperationApplied records a lifecycle request key. Duplicate keys are
// not an error.
func (r *Repository) MarkOperationApplied(ctx context.Context, requestKey, operation string) error {
	if requestKey == "" {
		return nil
	}
	query := r.pool.Writer().Rebind(`
		INSERT INTO idempotency_keys (request_key, operation, applied_us) VALUES (?, ?, ?)
		ON CONFLICT (request_key) DO NOTHING`)
	_, err := r.pool.Writer().ExecContext(ctx, query, requestKey, operation, time.Now().UTC().UnixMicro())
	if err != nil {
		return fmt.Errorf("failed to record idempotency key: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *Repository) scanOne(row *sql.Row, id string) (*models.Project, error) {
	p, err := scanProject(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("project", id)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func scanProject(row rowScanner) (*models.Project, error) {
	var (
		p         models.Project
		stackUS   sql.NullInt64
		createdUS int64
		updatedUS int64
	)
	err := row.Scan(&p.ID, &p.Slug, &p.Name, &p.Path, &p.Status,
		&p.BackendPort, &p.FrontendPort, &p.DBPort, &p.CachePort,
		&p.StackRef, &stackUS, &p.LastError, &createdUS, &updatedUS)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan project: %w", err)
	}
	if stackUS.Valid {
		t := time.UnixMicro(stackUS.Int64).UTC()
		p.StackStarted = &t
	}
	p.CreatedAt = time.UnixMicro(createdUS).UTC()
	p.UpdatedAt = time.UnixMicro(updatedUS).UTC()
	return &p, nil
}

// isUniqueViolation matches unique constraint errors from both SQLite and
// Postgres without importing driver-specific error types here.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}
