package catalog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshhub/meshhub/internal/common/apperr"
	"github.com/meshhub/meshhub/internal/common/config"
	"github.com/meshhub/meshhub/internal/common/logger"
	"github.com/meshhub/meshhub/internal/db"
	"github.com/meshhub/meshhub/internal/events/bus"
	eventrepo "github.com/meshhub/meshhub/internal/events/repository"
	eventsvc "github.com/meshhub/meshhub/internal/events/service"
	"github.com/meshhub/meshhub/internal/federation/models"
	"github.com/meshhub/meshhub/internal/federation/repository"
)

type fixture struct {
	catalog *Catalog
	repo    *repository.Repository
	events  *eventsvc.Service
	bus     *bus.MemoryEventBus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	pool, err := db.OpenSQLitePool(filepath.Join(t.TempDir(), "federation.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	log, err := logger.New(logger.Config{Level: "error", Format: "text"})
	require.NoError(t, err)

	repo, err := repository.New(ctx, pool)
	require.NoError(t, err)

	evRepo, err := eventrepo.New(ctx, pool)
	require.NoError(t, err)
	memBus := bus.NewMemoryEventBus(log)
	t.Cleanup(memBus.Close)
	events := eventsvc.New(evRepo, memBus, log)

	cfg := config.FederationConfig{
		StaleThresholdSeconds:     90,
		StaleCheckIntervalSeconds: 60,
	}
	cat := New(repo, events, cfg, "core", log)
	return &fixture{catalog: cat, repo: repo, events: events, bus: memBus}
}

func (f *fixture) register(t *testing.T, slug, namespace string) *models.Hub {
	t.Helper()
	h := &models.Hub{
		Slug:          slug,
		Name:          slug,
		HubURL:        "https://" + slug + ".example.com",
		MeshNamespace: namespace,
	}
	require.NoError(t, f.catalog.Register(context.Background(), h))
	return h
}

func TestRegisterAndGet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.register(t, "lab-a", "mesh.research")

	got, err := f.catalog.Get(ctx, "lab-a")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOffline, got.Status)
	assert.Nil(t, got.LastHeartbeat)

	// Re-registering updates metadata without resetting heartbeat state.
	_, err = f.repo.RecordHeartbeat(ctx, "lab-a", models.StatusOnline, time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, f.catalog.Register(ctx, &models.Hub{
		Slug: "lab-a", Name: "Lab A", HubURL: "https://lab-a.example.com", MeshNamespace: "mesh.research",
	}))
	got, err = f.catalog.Get(ctx, "lab-a")
	require.NoError(t, err)
	assert.Equal(t, "Lab A", got.Name)
	assert.Equal(t, models.StatusOnline, got.Status)
	assert.NotNil(t, got.LastHeartbeat)
}

func TestHeartbeatMarksOnline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.register(t, "lab-a", "mesh.research")

	err := f.catalog.IngestHeartbeat(ctx, &models.Heartbeat{
		ProjectSlug:   "lab-a",
		MeshNamespace: "mesh.research",
		Timestamp:     time.Now().UTC(),
	})
	require.NoError(t, err)

	got, err := f.catalog.Get(ctx, "lab-a")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOnline, got.Status)
	require.NotNil(t, got.LastHeartbeat)
}

func TestHeartbeatNamespaceMismatch(t *testing.T) {
	f := newFixture(t)
	f.register(t, "lab-a", "mesh.research")

	err := f.catalog.IngestHeartbeat(context.Background(), &models.Heartbeat{
		ProjectSlug:   "lab-a",
		MeshNamespace: "mesh.other",
		Timestamp:     time.Now().UTC(),
	})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, CodeNamespaceMismatch))
}

func TestHeartbeatUnknownSlugCountedNotRegistered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.catalog.IngestHeartbeat(ctx, &models.Heartbeat{
		ProjectSlug:   "ghost",
		MeshNamespace: "mesh.research",
		Timestamp:     time.Now().UTC(),
	})
	require.Error(t, err)
	assert.True(t, apperr.IsNotFound(err))
	assert.Equal(t, int64(1), f.catalog.UnknownHeartbeats())

	hubs, err := f.catalog.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, hubs)
}

func TestHeartbeatOrderTolerance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.register(t, "lab-a", "mesh.research")

	newer := time.Now().UTC()
	older := newer.Add(-time.Minute)

	require.NoError(t, f.catalog.IngestHeartbeat(ctx, &models.Heartbeat{
		ProjectSlug: "lab-a", MeshNamespace: "mesh.research", Timestamp: newer,
	}))
	// A late-arriving older heartbeat, even one reporting DEGRADED, must not
	// move the row backwards.
	require.NoError(t, f.catalog.IngestHeartbeat(ctx, &models.Heartbeat{
		ProjectSlug: "lab-a", MeshNamespace: "mesh.research",
		Status: models.StatusDegraded, Timestamp: older,
	}))

	got, err := f.catalog.Get(ctx, "lab-a")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOnline, got.Status)
	assert.Equal(t, newer.UnixMicro(), got.LastHeartbeat.UnixMicro())
}

func TestHeartbeatReportsDegraded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.register(t, "lab-a", "mesh.research")
	require.NoError(t, f.catalog.IngestHeartbeat(ctx, &models.Heartbeat{
		ProjectSlug: "lab-a", MeshNamespace: "mesh.research",
		Status: models.StatusDegraded, Timestamp: time.Now().UTC(),
	}))

	got, err := f.catalog.Get(ctx, "lab-a")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDegraded, got.Status)
}

func TestSweeperMarksStaleHubsOffline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.register(t, "stale-hub", "mesh.research")
	f.register(t, "fresh-hub", "mesh.research")

	_, err := f.repo.RecordHeartbeat(ctx, "stale-hub", models.StatusOnline,
		time.Now().UTC().Add(-5*time.Minute))
	require.NoError(t, err)
	_, err = f.repo.RecordHeartbeat(ctx, "fresh-hub", models.StatusOnline, time.Now().UTC())
	require.NoError(t, err)

	f.catalog.SweepNow(ctx)

	stale, err := f.catalog.Get(ctx, "stale-hub")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOffline, stale.Status)

	fresh, err := f.catalog.Get(ctx, "fresh-hub")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOnline, fresh.Status)

	// The transition is announced once; a second sweep emits nothing new.
	stored, err := f.events.Query(ctx, eventrepo.Filter{SubjectPattern: "federation.*.offline"})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "federation.stale-hub.offline", stored[0].Subject)

	f.catalog.SweepNow(ctx)
	stored, err = f.events.Query(ctx, eventrepo.Filter{SubjectPattern: "federation.*.offline"})
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestPresenceSubjectFeedsCatalog(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.register(t, "lab-a", "mesh.research")
	require.NoError(t, f.catalog.Start(ctx))
	t.Cleanup(f.catalog.Stop)

	_, err := f.events.Publish(ctx, "hub.presence.lab-a", "lab-a",
		[]byte(`{"project_slug":"lab-a","mesh_namespace":"mesh.research","timestamp":"2026-08-24T12:00:00Z"}`), "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		h, err := f.catalog.Get(ctx, "lab-a")
		return err == nil && h.Status == models.StatusOnline
	}, 2*time.Second, 10*time.Millisecond, "presence heartbeat was not ingested")
}
