// Copyright 2025 James Ross
package adminapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/relaydeck/meshcore/internal/broker"
	"github.com/relaydeck/meshcore/internal/config"
	"github.com/relaydeck/meshcore/internal/obs"
	"github.com/relaydeck/meshcore/internal/pool"
	"github.com/relaydeck/meshcore/internal/runtime"
	"github.com/relaydeck/meshcore/internal/scaling"
)

// Handler implements the C5 admin HTTP surface: a read/operate view over the
// broker, worker pools, scaling control loop, and runtime façades, grounded
// on the teacher's internal/admin-api/handlers.go (one method per verb,
// shared dependencies injected at construction).
type Handler struct {
	cfg      *config.Config
	brk      *broker.Broker
	pools    *pool.Manager
	scaler   *scaling.Service // nil if this process doesn't run the Scaling Service
	runtimes map[string]*runtime.Runtime
	log      *zap.Logger
}

// NewHandler builds a Handler. scaler may be nil when this admin API
// instance shares a process with no Scaling Service (scale requests then
// fail with 503).
func NewHandler(cfg *config.Config, brk *broker.Broker, pools *pool.Manager, scaler *scaling.Service, runtimes map[string]*runtime.Runtime, log *zap.Logger) *Handler {
	return &Handler{cfg: cfg, brk: brk, pools: pools, scaler: scaler, runtimes: runtimes, log: log}
}

// workerTypeStats is the per-type slice of GetStats's response.
type workerTypeStats struct {
	QueueDepth int64      `json:"queue_depth"`
	DLQLen     int64      `json:"dlq_len"`
	Pool       pool.Stats `json:"pool"`
	Breaker    string     `json:"circuit_state,omitempty"`
}

// GetStats aggregates queue depth, DLQ depth, pool health, and circuit
// breaker state for every configured worker type, plus the broker's total
// in-flight count.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	out := struct {
		InFlight int                        `json:"in_flight"`
		Workers  map[string]workerTypeStats `json:"workers"`
	}{
		InFlight: h.brk.InFlightCount(),
		Workers:  make(map[string]workerTypeStats, len(h.cfg.WorkerTypes)),
	}

	summary := h.pools.Summary()
	for name := range h.cfg.WorkerTypes {
		depth, err := h.brk.QueueDepth(ctx, name)
		if err != nil {
			h.log.Warn("stats: queue depth read failed", obs.String("worker_type", name), obs.Err(err))
		}
		dlqLen, err := h.brk.DLQLen(ctx, name)
		if err != nil {
			h.log.Warn("stats: dlq len read failed", obs.String("worker_type", name), obs.Err(err))
		}
		stats := workerTypeStats{QueueDepth: depth, DLQLen: dlqLen, Pool: summary[name]}
		if rt, ok := h.runtimes[name]; ok {
			stats.Breaker = rt.State().String()
		}
		out.Workers[name] = stats
	}
	writeJSON(w, http.StatusOK, out)
}

// PeekQueue returns up to the requested count of pending jobs for a worker
// type without consuming them. Query param n defaults to 10, capped at 100.
func (h *Handler) PeekQueue(w http.ResponseWriter, r *http.Request) {
	workerType := mux.Vars(r)["type"]
	n := int64(10)
	if raw := r.URL.Query().Get("n"); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil && parsed > 0 {
			n = parsed
		}
	}
	if n > 100 {
		n = 100
	}

	jobs, err := h.brk.Peek(r.Context(), workerType, n)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

// PurgeDLQ discards every poison entry parked for a worker type and reports
// how many were removed.
func (h *Handler) PurgeDLQ(w http.ResponseWriter, r *http.Request) {
	workerType := mux.Vars(r)["type"]
	n, err := h.brk.PurgeDLQ(r.Context(), workerType)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"purged": n})
}

type scaleRequest struct {
	Target int `json:"target"`
}

// ScaleWorkerType drives an immediate operator-requested scale, bypassing
// the control loop's decide() but still recorded to scaling history.
func (h *Handler) ScaleWorkerType(w http.ResponseWriter, r *http.Request) {
	if h.scaler == nil {
		writeError(w, http.StatusServiceUnavailable, "this process does not run the scaling service")
		return
	}
	workerType := mux.Vars(r)["type"]
	var req scaleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Target < 0 {
		writeError(w, http.StatusBadRequest, "target must be >= 0")
		return
	}

	if err := h.scaler.ManualScale(r.Context(), workerType, req.Target); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "scaled"})
}

// GetCircuit reports the current Consecutive breaker state of every runtime
// façade this process holds.
func (h *Handler) GetCircuit(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]string, len(h.runtimes))
	for name, rt := range h.runtimes {
		out[name] = rt.State().String()
	}
	writeJSON(w, http.StatusOK, out)
}

func newRequestID() string {
	return uuid.NewString()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
