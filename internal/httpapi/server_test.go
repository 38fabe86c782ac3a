package httpapi_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alfredjean/ojd/internal/core/pipeline"
	"github.com/alfredjean/ojd/internal/httpapi"
	"github.com/alfredjean/ojd/internal/storage/wal"
	"github.com/alfredjean/ojd/pkg/logger"
)

func testLogger() *logger.Logger {
	l := logger.New(logger.LoggingConfig{Level: "error"})
	l.SetOutput(io.Discard)
	return l
}

func openTestStore(t *testing.T) *wal.Store {
	t.Helper()
	st, err := wal.Open(t.TempDir(), wal.DefaultConfig("httpapi-test"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestHealthzReturnsOK(t *testing.T) {
	srv := httpapi.NewServer("", openTestStore(t), testLogger())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestStatusReportsCountsAndSchedulingStats(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.SavePipeline(pipeline.New("p1", "build", "demo", "ws1", nil, time.Now())))
	srv := httpapi.NewServer("", store, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, float64(1), payload["pipelines"])
	assert.Contains(t, payload, "scheduling")
}

func TestRecentActionsAndCleanupsReturnEmptyArraysWhenNoneRecorded(t *testing.T) {
	srv := httpapi.NewServer("", openTestStore(t), testLogger())

	for _, path := range []string{"/recent-actions", "/recent-cleanups"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		srv.Handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code, path)
		var out []json.RawMessage
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), path)
		assert.Empty(t, out, path)
	}
}

func TestMetricsServesPrometheusFormat(t *testing.T) {
	srv := httpapi.NewServer("", openTestStore(t), testLogger())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
}

func TestUnknownRouteReturns404(t *testing.T) {
	srv := httpapi.NewServer("", openTestStore(t), testLogger())

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
