package websocket

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshhub/meshhub/internal/common/logger"
	"github.com/meshhub/meshhub/internal/db"
	"github.com/meshhub/meshhub/internal/events"
	"github.com/meshhub/meshhub/internal/events/bus"
	eventrepo "github.com/meshhub/meshhub/internal/events/repository"
	eventsvc "github.com/meshhub/meshhub/internal/events/service"
)

type fixture struct {
	hub    *Hub
	events *eventsvc.Service
}

func newFixture(t *testing.T, sendBuffer int) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	pool, err := db.OpenSQLitePool(filepath.Join(t.TempDir(), "ws.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	log, err := logger.New(logger.Config{Level: "error", Format: "text"})
	require.NoError(t, err)

	evRepo, err := eventrepo.New(ctx, pool)
	require.NoError(t, err)
	memBus := bus.NewMemoryEventBus(log)
	t.Cleanup(memBus.Close)
	eventService := eventsvc.New(evRepo, memBus, log)

	hub := NewHub(eventService, "core", log)
	hub.sendBuffer = sendBuffer
	require.NoError(t, hub.Run(ctx))
	t.Cleanup(func() {
		cancel()
		hub.Wait()
	})

	return &fixture{hub: hub, events: eventService}
}

// testClient builds a client without a network connection; delivery lands in
// its send queue.
func (f *fixture) testClient(t *testing.T, pattern string) *Client {
	t.Helper()
	before := f.hub.ClientCount()
	c := NewClient("client-"+pattern, pattern, nil, f.hub, logger.Default())
	f.hub.Register(c)
	require.Eventually(t, func() bool {
		return f.hub.ClientCount() == before+1
	}, time.Second, 5*time.Millisecond)
	return c
}

func receive(t *testing.T, c *Client) streamEnvelope {
	t.Helper()
	select {
	case data := <-c.send:
		var env streamEnvelope
		require.NoError(t, json.Unmarshal(data, &env))
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
		return streamEnvelope{}
	}
}

func TestDispatchFiltersBySubjectPattern(t *testing.T) {
	f := newFixture(t, 16)
	ctx := context.Background()

	projects := f.testClient(t, "hub.core.project.*")
	everything := f.testClient(t, ">")

	_, err := f.events.Publish(ctx, "hub.core.project.started", "core",
		json.RawMessage(`{"slug":"demo"}`), "corr-1")
	require.NoError(t, err)

	env := receive(t, projects)
	assert.Equal(t, "hub.core.project.started", env.Subject)
	assert.Equal(t, "corr-1", env.CorrelationID)
	assert.JSONEq(t, `{"slug":"demo"}`, string(env.Payload))

	env = receive(t, everything)
	assert.Equal(t, "hub.core.project.started", env.Subject)

	// A non-matching subject reaches only the catch-all client.
	_, err = f.events.Publish(ctx, "federation.lab.offline", "core", nil, "")
	require.NoError(t, err)

	env = receive(t, everything)
	assert.Equal(t, "federation.lab.offline", env.Subject)

	select {
	case data := <-projects.send:
		t.Fatalf("project client received unexpected event: %s", data)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSlowClientDropsOldestAndAnnouncesLag(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	slow := f.testClient(t, "load.*")

	for i := 0; i < 6; i++ {
		_, err := f.events.Publish(ctx, "load.test", "core", json.RawMessage(`{"i":1}`), "")
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return slow.Dropped() >= 1
	}, 2*time.Second, 10*time.Millisecond, "slow client never dropped")

	// The queue stays bounded at the buffer size.
	assert.LessOrEqual(t, len(slow.send), 2)

	// The lag is recorded on the bus exactly once for the burst.
	require.Eventually(t, func() bool {
		stored, err := f.events.Query(ctx, eventrepo.Filter{SubjectPattern: events.SubjectSubscriberLag})
		return err == nil && len(stored) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	stored, err := f.events.Query(ctx, eventrepo.Filter{SubjectPattern: events.SubjectSubscriberLag})
	require.NoError(t, err)
	var lag struct {
		ClientID string `json:"client_id"`
		Dropped  int64  `json:"dropped"`
	}
	require.NoError(t, json.Unmarshal(stored[0].Payload, &lag))
	assert.Equal(t, slow.ID, lag.ClientID)
	assert.GreaterOrEqual(t, lag.Dropped, int64(1))
}
