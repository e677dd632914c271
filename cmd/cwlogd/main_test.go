package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cwlogd/internal/metrics"
	"cwlogd/internal/model"
	"cwlogd/internal/queue"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthHandler(t *testing.T) {
	q := queue.New(4)
	ev, err := model.NewTextEvent("x")
	require.NoError(t, err)
	require.NoError(t, q.Push(ev))

	rec := httptest.NewRecorder()
	healthHandler(q)(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp model.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, model.StatusOK, resp.Status)
	require.NotNil(t, resp.Health)
	assert.Equal(t, 1, resp.Health.QueueLength)
	assert.Equal(t, 25.0, resp.Health.QueuePercentFull)
}

func TestMetricsServerRoutes(t *testing.T) {
	m := metrics.New()
	m.Heartbeats.Inc()
	srv := newMetricsServer(":0", m, queue.New(1))

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "cwlogd_heartbeats_total 1"))

	rec = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRootCmdFlags(t *testing.T) {
	cmd := newRootCmd()
	f := cmd.Flags().Lookup("config")
	require.NotNil(t, f)
	assert.Equal(t, "/etc/cwlogd.toml", f.DefValue)
	assert.NotNil(t, cmd.Flags().Lookup("log-level"))
}
