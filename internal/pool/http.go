// Copyright 2025 James Ross
package pool

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/relaydeck/meshcore/internal/obs"
)

// HTTPHandlers exposes the worker registration/heartbeat/listing surface
// that supplements the Redis heartbeat-key contract, grounded on the
// teacher's internal/worker-fleet-controls/handlers.go route shape.
type HTTPHandlers struct {
	manager           *Manager
	healthTimeoutNew  time.Duration
	log               *zap.Logger
}

// NewHTTPHandlers builds handlers backed by manager. healthTimeoutNew is
// used when a request names a worker type the manager has not seen yet.
func NewHTTPHandlers(manager *Manager, healthTimeoutNew time.Duration, log *zap.Logger) *HTTPHandlers {
	return &HTTPHandlers{manager: manager, healthTimeoutNew: healthTimeoutNew, log: log}
}

// RegisterRoutes mounts the worker fleet routes onto router.
func (h *HTTPHandlers) RegisterRoutes(router *mux.Router) {
	api := router.PathPrefix("/api/workers").Subrouter()
	api.HandleFunc("/register", h.register).Methods(http.MethodPost)
	api.HandleFunc("/{id}/heartbeat", h.heartbeat).Methods(http.MethodPost)
	api.HandleFunc("", h.list).Methods(http.MethodGet)
	api.HandleFunc("/summary", h.summary).Methods(http.MethodGet)
}

type registerRequest struct {
	WorkerID     string         `json:"worker_id"`
	Type         string         `json:"type"`
	Capabilities map[string]any `json:"capabilities"`
}

func (h *HTTPHandlers) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.WorkerID == "" || req.Type == "" {
		writeError(w, http.StatusBadRequest, "worker_id and type are required")
		return
	}

	p := h.manager.For(req.Type, h.healthTimeoutNew)
	info := p.Register(req.WorkerID, req.Capabilities)
	h.log.Info("worker registered", obs.String("worker_id", info.ID), obs.String("worker_type", info.Type))
	writeJSON(w, http.StatusCreated, info)
}

func (h *HTTPHandlers) heartbeat(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		Type string `json:"type"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	p := h.manager.For(req.Type, h.healthTimeoutNew)
	if !p.Heartbeat(id) {
		writeError(w, http.StatusNotFound, "worker not registered")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandlers) list(w http.ResponseWriter, r *http.Request) {
	workerType := r.URL.Query().Get("type")
	if workerType == "" {
		writeError(w, http.StatusBadRequest, "type query parameter is required")
		return
	}
	p := h.manager.For(workerType, h.healthTimeoutNew)
	writeJSON(w, http.StatusOK, p.All())
}

func (h *HTTPHandlers) summary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.Summary())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
