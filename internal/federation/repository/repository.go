// Package repository persists the federation catalog.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/meshhub/meshhub/internal/common/apperr"
	"github.com/meshhub/meshhub/internal/db"
	"github.com/meshhub/meshhub/internal/federation/models"
)

// Repository stores federated hub rows.
type Repository struct {
	pool *db.Pool
}

// New creates a federation repository and ensures its schema exists.
func New(ctx context.Context, pool *db.Pool) (*Repository, error) {
	r := &Repository{pool: pool}
	if err := r.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize federation schema: %w", err)
	}
	return r, nil
}

func (r *Repository) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS federation_hubs (
		slug TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		hub_url TEXT NOT NULL,
		mesh_namespace TEXT NOT NULL,
		tags TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL,
		last_heartbeat_us INTEGER,
		created_us INTEGER NOT NULL,
		updated_us INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_federation_status ON federation_hubs(status);
	`
	_, err := r.pool.Writer().ExecContext(ctx, schema)
	return err
}

// Upsert registers a hub or refreshes its registration. A new row starts
// OFFLINE until a heartbeat arrives.
func (r *Repository) Upsert(ctx context.Context, h *models.Hub) error {
	now := time.Now().UTC()
	tags, err := json.Marshal(h.Tags)
	if err != nil {
		return apperr.Validationf("tags: %v", err)
	}

	query := r.pool.Writer().Rebind(`
		INSERT INTO federation_hubs (slug, name, hub_url, mesh_namespace, tags, status, created_us, updated_us)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (slug) DO UPDATE SET
			name = excluded.name,
			hub_url = excluded.hub_url,
			mesh_namespace = excluded.mesh_namespace,
			tags = excluded.tags,
			updated_us = excluded.updated_us`)
	_, err = r.pool.Writer().ExecContext(ctx, query,
		h.Slug, h.Name, h.HubURL, h.MeshNamespace, string(tags), models.StatusOffline,
		now.UnixMicro(), now.UnixMicro())
	if err != nil {
		return fmt.Errorf("failed to upsert federation hub: %w", err)
	}
	return nil
}

// Get returns a hub by slug.
func (r *Repository) Get(ctx context.Context, slug string) (*models.Hub, error) {
	query := r.pool.Reader().Rebind(`
		SELECT slug, name, hub_url, mesh_namespace, tags, status, last_heartbeat_us, created_us, updated_us
		FROM federation_hubs WHERE slug = ?`)
	h, err := scanHub(r.pool.Reader().QueryRowContext(ctx, query, slug))
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("federation hub", slug)
	}
	return h, err
}

// List returns hubs, optionally filtered by status.
func (r *Repository) List(ctx context.Context, status models.Status) ([]*models.Hub, error) {
	query := `
		SELECT slug, name, hub_url, mesh_namespace, tags, status, last_heartbeat_us, created_us, updated_us
		FROM federation_hubs`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY slug`

	rows, err := r.pool.Reader().QueryContext(ctx, r.pool.Reader().Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list federation hubs: %w", err)
	}
	defer rows.Close()

	var out []*models.Hub
	for rows.Next() {
		h, err := scanHub(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// RecordHeartbeat stores a heartbeat only if it is strictly newer than the
// stored one. Returns whether the row changed.
func (r *Repository) RecordHeartbeat(ctx context.Context, slug string, status models.Status, at time.Time) (bool, error) {
	query := r.pool.Writer().Rebind(`
		UPDATE federation_hubs SET status = ?, last_heartbeat_us = ?, updated_us = ?
		WHERE slug = ? AND (last_heartbeat_us IS NULL OR last_heartbeat_us < ?)`)
	res, err := r.pool.Writer().ExecContext(ctx, query,
		status, at.UnixMicro(), time.Now().UTC().UnixMicro(), slug, at.UnixMicro())
	if err != nil {
		return false, fmt.Errorf("failed to record heartbeat: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkStale flips hubs whose last heartbeat is older than the cutoff to
// OFFLINE and returns their slugs.
func (r *Repository) MarkStale(ctx context.Context, cutoff time.Time) ([]string, error) {
	selectQuery := r.pool.Reader().Rebind(`
		SELECT slug FROM federation_hubs
		WHERE status != ? AND last_heartbeat_us IS NOT NULL AND last_heartbeat_us < ?
		ORDER BY slug`)
	rows, err := r.pool.Reader().QueryContext(ctx, selectQuery, models.StatusOffline, cutoff.UnixMicro())
	if err != nil {
		return nil, fmt.Errorf("failed to find stale hubs: %w", err)
	}
	defer rows.Close()

	var slugs []string
	for rows.Next() {
		var slug string
		if err := rows.Scan(&slug); err != nil {
			return nil, fmt.Errorf("failed to scan stale hub: %w", err)
		}
		slugs = append(slugs, slug)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := time.Now().UTC().UnixMicro()
	update := r.pool.Writer().Rebind(`
		UPDATE federation_hubs SET status = ?, updated_us = ?
		WHERE slug = ? AND status != ?`)
	var flipped []string
	for _, slug := range slugs {
		res, err := r.pool.Writer().ExecContext(ctx, update, models.StatusOffline, now, slug, models.StatusOffline)
		if err != nil {
			return flipped, fmt.Errorf("failed to mark hub offline: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			flipped = append(flipped, slug)
		}
	}
	return flipped, nil
}

// Delete removes a hub from the catalog.
func (r *Repository) Delete(ctx context.Context, slug string) error {
	query := r.pool.Writer().Rebind(`DELETE FROM federation_hubs WHERE slug = ?`)
	res, err := r.pool.Writer().ExecContext(ctx, query, slug)
	if err != nil {
		return fmt.Errorf("failed to delete federation hub: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("federation hub", slug)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanHub(row rowScanner) (*models.Hub, error) {
	var (
		h           models.Hub
		tags        string
		heartbeatUS sql.NullInt64
		createdUS   int64
		updatedUS   int64
	)
	err := row.Scan(&h.Slug, &h.Name, &h.HubURL, &h.MeshNamespace, &tags, &h.Status,
		&heartbeatUS, &createdUS, &updatedUS)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan federation hub: %w", err)
	}
	if tags != "" {
		if err := json.Unmarshal([]byte(tags), &h.Tags); err != nil {
			return nil, fmt.Errorf("failed to decode hub tags: %w", err)
		}
	}
	if heartbeatUS.Valid {
		t := time.UnixMicro(heartbeatUS.Int64).UTC()
		h.LastHeartbeat = &t
	}
	h.CreatedAt = time.UnixMicro(createdUS).UTC()
	h.UpdatedAt = time.UnixMicro(updatedUS).UTC()
	return &h, nil
}
