// Package catalog tracks federated child hubs and derives their presence
// from heartbeat freshness.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/meshhub/meshhub/internal/common/apperr"
	"github.com/meshhub/meshhub/internal/common/config"
	"github.com/meshhub/meshhub/internal/common/logger"
	"github.com/meshhub/meshhub/internal/events"
	"github.com/meshhub/meshhub/internal/events/bus"
	eventsvc "github.com/meshhub/meshhub/internal/events/service"
	"github.com/meshhub/meshhub/internal/federation/models"
	"github.com/meshhub/meshhub/internal/federation/repository"
)

// CodeNamespaceMismatch is the 409 code for a heartbeat claiming a different
// mesh namespace than the one registered.
const CodeNamespaceMismatch = "NAMESPACE_MISMATCH"

// presencePattern matches every hub's presence subject.
const presencePattern = "hub.presence.*"

// Catalog is the federation presence registry.
type Catalog struct {
	repo    *repository.Repository
	events  *eventsvc.Service
	cfg     config.FederationConfig
	hubSlug string
	logger  *logger.Logger

	// unknownHeartbeats counts heartbeats for slugs never registered.
	unknownHeartbeats atomic.Int64

	presenceSub bus.Subscription

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// New creates a federation catalog.
func New(repo *repository.Repository, eventService *eventsvc.Service,
	cfg config.FederationConfig, hubSlug string, log *logger.Logger) *Catalog {
	return &Catalog{
		repo:    repo,
		events:  eventService,
		cfg:     cfg,
		hubSlug: hubSlug,
		logger:  log,
	}
}

// Register upserts a child hub. New hubs start OFFLINE until their first
// heartbeat arrives.
func (c *Catalog) Register(ctx context.Context, h *models.Hub) error {
	if h.Slug == "" {
		return apperr.Validation("hub slug is required")
	}
	if h.HubURL == "" {
		return apperr.Validation("hub_url is required")
	}
	if h.MeshNamespace == "" {
		return apperr.Validation("mesh_namespace is required")
	}
	if h.Name == "" {
		h.Name = h.Slug
	}
	return c.repo.Upsert(ctx, h)
}

// Get returns a registered hub by slug.
func (c *Catalog) Get(ctx context.Context, slug string) (*models.Hub, error) {
	return c.repo.Get(ctx, slug)
}

// List returns registered hubs, optionally filtered by status.
func (c *Catalog) List(ctx context.Context, status models.Status) ([]*models.Hub, error) {
	if status != "" && !models.ValidStatus(status) {
		return nil, apperr.Validationf("unknown status %q", status)
	}
	return c.repo.List(ctx, status)
}

// Delete removes a hub from the catalog.
func (c *Catalog) Delete(ctx context.Context, slug string) error {
	return c.repo.Delete(ctx, slug)
}

// UnknownHeartbeats returns the count of heartbeats for unregistered slugs.
func (c *Catalog) UnknownHeartbeats() int64 {
	return c.unknownHeartbeats.Load()
}

// IngestHeartbeat validates and applies one heartbeat. Unknown slugs are
// counted but never auto-registered; a namespace mismatch is rejected.
// Ingest is order-tolerant: only timestamps strictly newer than the stored
// heartbeat change the row.
func (c *Catalog) IngestHeartbeat(ctx context.Context, hb *models.Heartbeat) error {
	if hb.ProjectSlug == "" {
		return apperr.Validation("heartbeat has no project_slug")
	}
	if hb.Timestamp.IsZero() {
		return apperr.Validation("heartbeat has no timestamp")
	}

	hub, err := c.repo.Get(ctx, hb.ProjectSlug)
	if err != nil {
		if apperr.IsNotFound(err) {
			c.unknownHeartbeats.Add(1)
			c.logger.Warn("Heartbeat from unregistered hub",
				zap.String("slug", hb.ProjectSlug),
				zap.Int64("unknown_total", c.unknownHeartbeats.Load()))
		}
		return err
	}

	if hb.MeshNamespace != hub.MeshNamespace {
		return apperr.ConflictWithCode(CodeNamespaceMismatch,
			fmt.Sprintf("heartbeat namespace %q does not match registered namespace %q",
				hb.MeshNamespace, hub.MeshNamespace))
	}

	status := hb.Status
	if status == "" {
		status = models.StatusOnline
	}
	if !models.ValidStatus(status) {
		return apperr.Validationf("unknown heartbeat status %q", hb.Status)
	}

	changed, err := c.repo.RecordHeartbeat(ctx, hb.ProjectSlug, status, hb.Timestamp.UTC())
	if err != nil {
		return err
	}
	if !changed {
		c.logger.Debug("Stale heartbeat ignored",
			zap.String("slug", hb.ProjectSlug),
			zap.Time("timestamp", hb.Timestamp))
	}
	return nil
}

// Start subscribes to presence subjects and launches the staleness sweeper.
func (c *Catalog) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}

	sub, err := c.events.Subscribe(presencePattern, c.handlePresence)
	if err != nil {
		return fmt.Errorf("failed to subscribe to presence subjects: %w", err)
	}
	c.presenceSub = sub

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.started = true

	go c.sweep(runCtx)
	return nil
}

// Stop unsubscribes and halts the sweeper.
func (c *Catalog) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return
	}
	if c.presenceSub != nil {
		_ = c.presenceSub.Unsubscribe()
	}
	c.cancel()
	<-c.done
	c.started = false
}

func (c *Catalog) handlePresence(ctx context.Context, ev *bus.Event) error {
	var hb models.Heartbeat
	if err := json.Unmarshal(ev.Payload, &hb); err != nil {
		c.logger.Warn("Malformed heartbeat payload",
			zap.String("subject", ev.Subject),
			zap.Error(err))
		return nil
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = ev.Timestamp
	}
	if err := c.IngestHeartbeat(ctx, &hb); err != nil {
		if apperr.IsNotFound(err) {
			return nil // already counted
		}
		c.logger.WithError(err).Warn("Rejected heartbeat", zap.String("subject", ev.Subject))
	}
	return nil
}

// sweep periodically marks hubs with stale heartbeats OFFLINE and announces
// each transition on the bus.
func (c *Catalog) sweep(ctx context.Context) {
	defer close(c.done)

	interval := c.cfg.StaleCheckInterval()
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepOnce(ctx)
		}
	}
}

// sweepOnce runs a single staleness pass. Exposed to tests via SweepNow.
func (c *Catalog) sweepOnce(ctx context.Context) {
	threshold := c.cfg.StaleThreshold()
	if threshold <= 0 {
		threshold = 90 * time.Second
	}
	cutoff := time.Now().UTC().Add(-threshold)

	slugs, err := c.repo.MarkStale(ctx, cutoff)
	if err != nil {
		c.logger.WithError(err).Error("Staleness sweep failed")
		return
	}
	for _, slug := range slugs {
		payload, _ := json.Marshal(map[string]string{"slug": slug, "status": string(models.StatusOffline)})
		subject := events.SubjectFederationOffline(slug)
		if _, err := c.events.Publish(ctx, subject, c.hubSlug, payload, ""); err != nil {
			c.logger.WithError(err).Error("Failed to publish offline event", zap.String("slug", slug))
			continue
		}
		c.logger.Info("Federated hub went offline", zap.String("slug", slug))
	}
}

// SweepNow runs one staleness pass immediately.
func (c *Catalog) SweepNow(ctx context.Context) {
	c.sweepOnce(ctx)
}
