// Copyright 2025 James Ross
package pool

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relaydeck/meshcore/internal/config"
)

func newTestRouter() *mux.Router {
	cfg := &config.Config{WorkerTypes: map[string]config.WorkerTypeConfig{"browser": {}}}
	m := NewManager(cfg, nil, zap.NewNop())
	h := NewHTTPHandlers(m, time.Minute, zap.NewNop())
	router := mux.NewRouter()
	h.RegisterRoutes(router)
	return router
}

func TestRegisterAndHeartbeatRoundTrip(t *testing.T) {
	router := newTestRouter()

	body := strings.NewReader(`{"worker_id":"w1","type":"browser","capabilities":{"max_sessions":4}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/workers/register", body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	hbReq := httptest.NewRequest(http.MethodPost, "/api/workers/w1/heartbeat", strings.NewReader(`{"type":"browser"}`))
	hbRec := httptest.NewRecorder()
	router.ServeHTTP(hbRec, hbReq)
	assert.Equal(t, http.StatusNoContent, hbRec.Code)
}

func TestHeartbeatUnknownWorkerReturns404(t *testing.T) {
	router := newTestRouter()
	req := httptest.NewRequest(http.MethodPost, "/api/workers/ghost/heartbeat", strings.NewReader(`{"type":"browser"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListRequiresTypeQueryParam(t *testing.T) {
	router := newTestRouter()
	req := httptest.NewRequest(http.MethodGet, "/api/workers", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSummaryReturnsOK(t *testing.T) {
	router := newTestRouter()
	req := httptest.NewRequest(http.MethodGet, "/api/workers/summary", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
