package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/harvest/internal/app"
	"github.com/timmy/harvest/internal/config"
	"github.com/timmy/harvest/internal/errors"
	"github.com/timmy/harvest/internal/harvester/staging"
	"github.com/timmy/harvest/internal/lock"
	"github.com/timmy/harvest/internal/logger"
	"github.com/timmy/harvest/internal/queue"
	"github.com/timmy/harvest/internal/testutil"
)

type response struct {
	Success bool                   `json:"success"`
	Result  json.RawMessage        `json:"result"`
	Error   map[string]interface{} `json:"error"`
}

func newRouter(t *testing.T, server config.ServerConfig, ping func(context.Context) error) http.Handler {
	t.Helper()
	r, _ := newRouterWithApp(t, server, ping)
	return r
}

func newRouterWithApp(t *testing.T, server config.ServerConfig, ping func(context.Context) error) (http.Handler, *app.App) {
	t.Helper()
	cfg := &config.Config{
		Server: server,
		Queue:  config.QueueConfig{GatherQueue: "gather", FetchQueue: "fetch"},
		Harvest: config.HarvestConfig{
			StuckThreshold: 2 * time.Hour,
			StagingPath:    t.TempDir(),
			Workers:        1,
		},
	}
	a, err := app.Build(cfg, testutil.NewDB(t), queue.NewMemory(), lock.NewMemory(), nil)
	require.NoError(t, err)
	server.Mode = "test"
	log := logger.New(&logger.Config{Level: "error", Format: "json", Output: io.Discard})
	return SetupRouter(a.Actions, ping, &server, log), a
}

func call(t *testing.T, r http.Handler, method, path string, body interface{}, headers map[string]string) (int, response) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var resp response
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	}
	return w.Code, resp
}

func TestHealth(t *testing.T) {
	r := newRouter(t, config.ServerConfig{}, func(context.Context) error { return nil })
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	down := newRouter(t, config.ServerConfig{}, func(context.Context) error { return errors.New("connection refused") })
	w = httptest.NewRecorder()
	down.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestSourceActions(t *testing.T) {
	r := newRouter(t, config.ServerConfig{}, nil)

	code, resp := call(t, r, http.MethodPost, "/api/3/action/harvest_source_create", map[string]string{}, nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.False(t, resp.Success)
	assert.Equal(t, "Validation Error", resp.Error["__type"])
	assert.Contains(t, resp.Error, "URL")
	assert.Contains(t, resp.Error, "Source type")

	code, resp = call(t, r, http.MethodPost, "/api/3/action/harvest_source_create", map[string]string{
		"url":         "parks",
		"source_type": staging.Name,
		"title":       "Parks",
	}, nil)
	require.Equal(t, http.StatusOK, code)
	require.True(t, resp.Success)
	var src struct {
		ID     string `json:"id"`
		Active bool   `json:"active"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &src))
	assert.True(t, src.Active)

	code, resp = call(t, r, http.MethodGet, "/api/3/action/harvest_source_show?id="+src.ID, nil, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Success)

	code, resp = call(t, r, http.MethodGet, "/api/3/action/harvest_source_show?id=missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "Not Found Error", resp.Error["__type"])

	code, _ = call(t, r, http.MethodGet, "/api/3/action/harvesters_info_show", nil, nil)
	assert.Equal(t, http.StatusOK, code)

	code, resp = call(t, r, http.MethodPost, "/api/3/action/harvest_job_create", map[string]interface{}{
		"source_id": src.ID,
		"run":       false,
	}, nil)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Success)

	code, resp = call(t, r, http.MethodPost, "/api/3/action/harvest_job_create", map[string]interface{}{
		"source_id": src.ID,
	}, nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "Already Exists Error", resp.Error["__type"])

	// empty body runs every source
	code, resp = call(t, r, http.MethodPost, "/api/3/action/harvest_jobs_run", nil, nil)
	require.Equal(t, http.StatusOK, code)
	var sent []map[string]interface{}
	require.NoError(t, json.Unmarshal(resp.Result, &sent))
	assert.Len(t, sent, 1)

	code, _ = call(t, r, http.MethodGet, "/api/3/action/harvest_job_list?source_id="+src.ID, nil, nil)
	assert.Equal(t, http.StatusOK, code)

	code, resp = call(t, r, http.MethodPost, "/api/3/action/harvest_job_abort", map[string]string{"source_id": src.ID}, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Success)

	code, resp = call(t, r, http.MethodPost, "/api/3/action/harvest_job_abort", map[string]string{"source_id": src.ID}, nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "Invalid State Error", resp.Error["__type"])

	code, resp = call(t, r, http.MethodPost, "/api/3/action/harvest_objects_import", map[string]string{"segments": "zz"}, nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Contains(t, resp.Error, "Segments")
}

func TestMalformedBody(t *testing.T) {
	r := newRouter(t, config.ServerConfig{}, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/3/action/harvest_source_create", bytes.NewBufferString("{"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminToken(t *testing.T) {
	r := newRouter(t, config.ServerConfig{AdminToken: "s3cret"}, nil)

	code, resp := call(t, r, http.MethodPost, "/api/3/action/harvest_jobs_run", nil, nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "Authorization Error", resp.Error["__type"])

	code, _ = call(t, r, http.MethodPost, "/api/3/action/harvest_jobs_run", nil, map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusForbidden, code)

	code, resp = call(t, r, http.MethodPost, "/api/3/action/harvest_jobs_run", nil, map[string]string{"Authorization": "Bearer s3cret"})
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Success)

	// reads stay open
	code, _ = call(t, r, http.MethodGet, "/api/3/action/harvest_source_list", nil, nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestCORS(t *testing.T) {
	r := newRouter(t, config.ServerConfig{CORSOrigins: []string{"https://dash.example.org"}}, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/3/action/harvest_source_list", nil)
	req.Header.Set("Origin", "https://dash.example.org")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://dash.example.org", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/3/action/harvest_source_list", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestInternalErrorCarriesRequestID(t *testing.T) {
	r, a := newRouterWithApp(t, config.ServerConfig{}, nil)
	sqlDB, err := a.DB.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	code, resp := call(t, r, http.MethodGet, "/api/3/action/harvest_source_list", nil, map[string]string{"X-Request-ID": "req-42"})
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "Internal Error", resp.Error["__type"])
	assert.Equal(t, "req-42", resp.Error["request_id"])
}
