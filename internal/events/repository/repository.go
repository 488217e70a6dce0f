// Package repository persists bus events for durable replay and querying.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/meshhub/meshhub/internal/db"
	"github.com/meshhub/meshhub/internal/events/bus"
)

// StoredEvent is an event row in the events table.
type StoredEvent struct {
	ID            string          `db:"id"`
	Subject       string          `db:"subject"`
	Origin        string          `db:"origin"`
	CorrelationID string          `db:"correlation_id"`
	Payload       json.RawMessage `db:"payload"`
	TimestampUS   int64           `db:"timestamp_us"` // unix microseconds
	Published     bool            `db:"published"`
}

// ToBusEvent converts a stored row back to a bus event.
func (e *StoredEvent) ToBusEvent() *bus.Event {
	return &bus.Event{
		ID:            e.ID,
		Subject:       e.Subject,
		Origin:        e.Origin,
		CorrelationID: e.CorrelationID,
		Timestamp:     time.UnixMicro(e.TimestampUS).UTC(),
		Payload:       e.Payload,
	}
}

// FromBusEvent converts a bus event to its stored form.
func FromBusEvent(ev *bus.Event) *StoredEvent {
	return &StoredEvent{
		ID:            ev.ID,
		Subject:       ev.Subject,
		Origin:        ev.Origin,
		CorrelationID: ev.CorrelationID,
		Payload:       ev.Payload,
		TimestampUS:   ev.Timestamp.UnixMicro(),
	}
}

// Filter selects events for a query. SubjectPattern accepts the same
// wildcards as bus subscriptions. Cursor fields implement keyset pagination:
// results strictly after (AfterTimestampUS, AfterID).
type Filter struct {
	SubjectPattern   string
	CorrelationID    string
	Origin           string
	SinceUS          int64
	UntilUS          int64
	AfterTimestampUS int64
	AfterID          string
	Limit            int
}

const defaultQueryLimit = 100

// Repository stores events in the relational store.
type Repository struct {
	pool *db.Pool
}

// New creates an event repository and ensures its schema exists.
func New(ctx context.Context, pool *db.Pool) (*Repository, error) {
	r := &Repository{pool: pool}
	if err := r.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize events schema: %w", err)
	}
	return r, nil
}

func (r *Repository) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		subject TEXT NOT NULL,
		origin TEXT NOT NULL,
		correlation_id TEXT NOT NULL DEFAULT '',
		payload TEXT,
		timestamp_us INTEGER NOT NULL,
		published INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_events_keyset ON events(timestamp_us, id);
	CREATE INDEX IF NOT EXISTS idx_events_subject ON events(subject);
	CREATE INDEX IF NOT EXISTS idx_events_correlation ON events(correlation_id);
	CREATE INDEX IF NOT EXISTS idx_events_subject_ts ON events(subject, timestamp_us);
	CREATE INDEX IF NOT EXISTS idx_events_unpublished ON events(published) WHERE published = 0;
	`
	_, err := r.pool.Writer().ExecContext(ctx, schema)
	return err
}

// Insert persists an event. The published flag records whether the bus
// accepted it at write time.
func (r *Repository) Insert(ctx context.Context, ev *StoredEvent) error {
	query := r.pool.Writer().Rebind(`
		INSERT INTO events (id, subject, origin, correlation_id, payload, timestamp_us, published)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err := r.pool.Writer().ExecContext(ctx, query,
		ev.ID, ev.Subject, ev.Origin, ev.CorrelationID, string(ev.Payload), ev.TimestampUS, ev.Published)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// MarkPublished flags an event as delivered to the bus.
func (r *Repository) MarkPublished(ctx context.Context, id string) error {
	query := r.pool.Writer().Rebind(`UPDATE events SET published = 1 WHERE id = ?`)
	_, err := r.pool.Writer().ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to mark event published: %w", err)
	}
	return nil
}

// ListUnpublished returns events not yet delivered to the bus, oldest first.
func (r *Repository) ListUnpublished(ctx context.Context, limit int) ([]*StoredEvent, error) {
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	query := r.pool.Reader().Rebind(`
		SELECT id, subject, origin, correlation_id, payload, timestamp_us, published
		FROM events
		WHERE published = 0
		ORDER BY timestamp_us, id
		LIMIT ?`)
	return r.scanEvents(ctx, query, limit)
}

// LatestTimestampUS returns the newest stored event timestamp for a subject,
// or 0 when no event exists.
func (r *Repository) LatestTimestampUS(ctx context.Context, subject string) (int64, error) {
	query := r.pool.Reader().Rebind(`
		SELECT timestamp_us FROM events WHERE subject = ?
		ORDER BY timestamp_us DESC LIMIT 1`)
	var ts int64
	err := r.pool.Reader().QueryRowContext(ctx, query, subject).Scan(&ts)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read latest event timestamp: %w", err)
	}
	return ts, nil
}

// Query returns events matching the filter in (timestamp, id) order.
// Wildcard subject patterns are narrowed with a prefix scan in SQL and
// matched exactly in process.
func (r *Repository) Query(ctx context.Context, f Filter) ([]*StoredEvent, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	var (
		conds []string
		args  []interface{}
	)

	hasWildcard := strings.ContainsAny(f.SubjectPattern, "*>")
	switch {
	case f.SubjectPattern == "" || f.SubjectPattern == ">":
		// no subject filter
	case !hasWildcard:
		conds = append(conds, "subject = ?")
		args = append(args, f.SubjectPattern)
	default:
		if prefix := literalPrefix(f.SubjectPattern); prefix != "" {
			conds = append(conds, "subject LIKE ?")
			args = append(args, prefix+"%")
		}
	}

	if f.CorrelationID != "" {
		conds = append(conds, "correlation_id = ?")
		args = append(args, f.CorrelationID)
	}
	if f.Origin != "" {
		conds = append(conds, "origin = ?")
		args = append(args, f.Origin)
	}
	if f.SinceUS > 0 {
		conds = append(conds, "timestamp_us >= ?")
		args = append(args, f.SinceUS)
	}
	if f.UntilUS > 0 {
		conds = append(conds, "timestamp_us < ?")
		args = append(args, f.UntilUS)
	}
	if f.AfterID != "" {
		conds = append(conds, "(timestamp_us > ? OR (timestamp_us = ? AND id > ?))")
		args = append(args, f.AfterTimestampUS, f.AfterTimestampUS, f.AfterID)
	}

	query := `SELECT id, subject, origin, correlation_id, payload, timestamp_us, published FROM events`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY timestamp_us, id LIMIT ?"
	args = append(args, limit)

	evs, err := r.scanEvents(ctx, r.pool.Reader().Rebind(query), args...)
	if err != nil {
		return nil, err
	}

	if hasWildcard && f.SubjectPattern != ">" {
		filtered := evs[:0]
		for _, ev := range evs {
			if bus.MatchSubject(f.SubjectPattern, ev.Subject) {
				filtered = append(filtered, ev)
			}
		}
		evs = filtered
	}
	return evs, nil
}

func (r *Repository) scanEvents(ctx context.Context, query string, args ...interface{}) ([]*StoredEvent, error) {
	rows, err := r.pool.Reader().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []*StoredEvent
	for rows.Next() {
		var (
			ev      StoredEvent
			payload sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.Subject, &ev.Origin, &ev.CorrelationID, &payload, &ev.TimestampUS, &ev.Published); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if payload.Valid && payload.String != "" {
			ev.Payload = json.RawMessage(payload.String)
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// literalPrefix returns the wildcard-free leading part of a subject pattern,
// used to narrow the SQL scan.
func literalPrefix(pattern string) string {
	idx := strings.IndexAny(pattern, "*>")
	if idx < 0 {
		return pattern
	}
	return pattern[:idx]
}
