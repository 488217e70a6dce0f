package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshhub/meshhub/internal/common/logger"
	"github.com/meshhub/meshhub/internal/db"
	"github.com/meshhub/meshhub/internal/events/bus"
	eventrepo "github.com/meshhub/meshhub/internal/events/repository"
	eventsvc "github.com/meshhub/meshhub/internal/events/service"
)

func newTestRouter(t *testing.T) (*gin.Engine, *eventsvc.Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	pool, err := db.OpenSQLitePool(filepath.Join(t.TempDir(), "webhooks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	log, err := logger.New(logger.Config{Level: "error", Format: "text"})
	require.NoError(t, err)

	evRepo, err := eventrepo.New(context.Background(), pool)
	require.NoError(t, err)
	memBus := bus.NewMemoryEventBus(log)
	t.Cleanup(memBus.Close)
	events := eventsvc.New(evRepo, memBus, log)

	router := gin.New()
	api := router.Group("/api/v1")
	NewHTTPHandler(events, "core", log).RegisterRoutes(api)
	return router, events
}

func post(router *gin.Engine, path string, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestIngestPublishesWebhookEvent(t *testing.T) {
	router, events := newTestRouter(t)

	rec := post(router, "/api/v1/webhooks/alertmanager",
		`{"alerts":[{"labels":{"alertname":"DiskFull"}}]}`,
		map[string]string{"X-Correlation-ID": "corr-7"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		EventID       string `json:"event_id"`
		Subject       string `json:"subject"`
		CorrelationID string `json:"correlation_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "hub.core.webhook.alertmanager", resp.Subject)
	assert.Equal(t, "corr-7", resp.CorrelationID)

	stored, err := events.Query(context.Background(), eventrepo.Filter{
		SubjectPattern: "hub.core.webhook.alertmanager",
	})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.JSONEq(t, `{"alerts":[{"labels":{"alertname":"DiskFull"}}]}`, string(stored[0].Payload))
}

func TestIngestMintsCorrelationID(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := post(router, "/api/v1/webhooks/grafana", `{"state":"alerting"}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		CorrelationID string `json:"correlation_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.CorrelationID)
}

func TestIngestRejectsBadInput(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := post(router, "/api/v1/webhooks/Bad_Source", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(router, "/api/v1/webhooks/alertmanager", `not json`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestEmptyBodyBecomesEmptyObject(t *testing.T) {
	router, events := newTestRouter(t)

	rec := post(router, "/api/v1/webhooks/cron", "", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	stored, err := events.Query(context.Background(), eventrepo.Filter{
		SubjectPattern: "hub.core.webhook.cron",
	})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.JSONEq(t, `{}`, string(stored[0].Payload))
}
