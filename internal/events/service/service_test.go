package service

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshhub/meshhub/internal/common/logger"
	"github.com/meshhub/meshhub/internal/db"
	"github.com/meshhub/meshhub/internal/events/bus"
	"github.com/meshhub/meshhub/internal/events/repository"
)

// flakyBus records published events and can be toggled offline.
type flakyBus struct {
	mu        sync.Mutex
	down      bool
	published []*bus.Event
}

func (f *flakyBus) Publish(ctx context.Context, subject string, event *bus.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return fmt.Errorf("bus unavailable")
	}
	f.published = append(f.published, event)
	return nil
}

func (f *flakyBus) Subscribe(subject string, handler bus.EventHandler) (bus.Subscription, error) {
	return nil, fmt.Errorf("not implemented")
}

func (f *flakyBus) QueueSubscribe(subject, queue string, handler bus.EventHandler) (bus.Subscription, error) {
	return nil, fmt.Errorf("not implemented")
}

func (f *flakyBus) Close() {}

func (f *flakyBus) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.down
}

func (f *flakyBus) setDown(down bool) {
	f.mu.Lock()
	f.down = down
	f.mu.Unlock()
}

func (f *flakyBus) publishedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func newTestService(t *testing.T) (*Service, *repository.Repository, *flakyBus) {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)

	pool, err := db.OpenSQLitePool(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	repo, err := repository.New(context.Background(), pool)
	require.NoError(t, err)

	fb := &flakyBus{}
	return New(repo, fb, log), repo, fb
}

func TestPublishPersistsThenPublishes(t *testing.T) {
	svc, repo, fb := newTestService(t)
	ctx := context.Background()

	ev, err := svc.Publish(ctx, "hub.core.project.started", "core", json.RawMessage(`{"project_id":"p1"}`), "corr-1")
	require.NoError(t, err)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, 1, fb.publishedCount())

	stored, err := repo.Query(ctx, repository.Filter{SubjectPattern: "hub.core.project.started"})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, ev.ID, stored[0].ID)
	assert.True(t, stored[0].Published)
	assert.Equal(t, "corr-1", stored[0].CorrelationID)
}

func TestPublishSurvivesBusOutage(t *testing.T) {
	svc, repo, fb := newTestService(t)
	ctx := context.Background()

	fb.setDown(true)
	ev, err := svc.Publish(ctx, "hub.core.project.failed", "core", nil, "")
	require.NoError(t, err, "publish must succeed even with the bus down")
	assert.Equal(t, 0, fb.publishedCount())

	pending, err := repo.ListUnpublished(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, ev.ID, pending[0].ID)

	fb.setDown(false)
	n, err := svc.republishOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, fb.publishedCount())

	pending, err = repo.ListUnpublished(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestTimestampsStrictlyIncreasePerSubject(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	var prev time.Time
	for i := 0; i < 50; i++ {
		ev, err := svc.Publish(ctx, "hub.core.workflow.r1.running", "core", nil, "")
		require.NoError(t, err)
		if i > 0 {
			assert.True(t, ev.Timestamp.After(prev),
				"timestamp %v must be after %v", ev.Timestamp, prev)
		}
		prev = ev.Timestamp
	}
}

func TestQueryKeysetPagination(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := svc.Publish(ctx, "hub.core.project.started", "core", nil, "")
		require.NoError(t, err)
	}

	page1, err := svc.Query(ctx, repository.Filter{SubjectPattern: "hub.core.>", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page1, 2)

	page2, err := svc.Query(ctx, repository.Filter{
		SubjectPattern:   "hub.core.>",
		Limit:            2,
		AfterTimestampUS: page1[1].TimestampUS,
		AfterID:          page1[1].ID,
	})
	require.NoError(t, err)
	require.Len(t, page2, 2)

	// Pages are disjoint and ordered.
	assert.NotEqual(t, page1[1].ID, page2[0].ID)
	assert.Greater(t, page2[0].TimestampUS, page1[1].TimestampUS)
}

func TestPublishRejectsEmptySubject(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Publish(context.Background(), "", "core", nil, "")
	require.Error(t, err)
}
