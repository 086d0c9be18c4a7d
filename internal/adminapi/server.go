// Copyright 2025 James Ross
package adminapi

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/relaydeck/meshcore/internal/broker"
	"github.com/relaydeck/meshcore/internal/config"
	"github.com/relaydeck/meshcore/internal/obs"
	"github.com/relaydeck/meshcore/internal/pool"
	"github.com/relaydeck/meshcore/internal/runtime"
	"github.com/relaydeck/meshcore/internal/scaling"
)

// Server is the C5 admin HTTP API process: stats, queue inspection, DLQ
// purge, manual scaling, and circuit breaker visibility for operators and
// frontends, grounded on the teacher's internal/admin-api/server.go Server
// shape (config-driven middleware chain over a small set of routes).
type Server struct {
	cfg      *config.Config
	handler  *Handler
	auditLog *AuditLogger
	log      *zap.Logger
	srv      *http.Server
}

// NewServer builds a Server. runtimes maps worker type name to the Runtime
// façade this process holds for it (may be empty if this process runs no
// façades); scaler may be nil if this process runs no Scaling Service.
func NewServer(cfg *config.Config, brk *broker.Broker, pools *pool.Manager, scaler *scaling.Service, runtimes map[string]*runtime.Runtime, log *zap.Logger) *Server {
	var auditLog *AuditLogger
	if cfg.Admin.AuditEnabled {
		auditLog = NewAuditLogger(cfg.Admin.AuditLogPath, cfg.Admin.AuditMaxSizeMB, cfg.Admin.AuditMaxBackups)
	}

	return &Server{
		cfg:      cfg,
		handler:  NewHandler(cfg, brk, pools, scaler, runtimes, log),
		auditLog: auditLog,
		log:      log,
	}
}

// Router builds the route table with its middleware chain applied,
// exported separately from Start so tests can exercise it with httptest
// without binding a real listener.
func (s *Server) Router() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/stats", s.handler.GetStats).Methods(http.MethodGet)
	api.HandleFunc("/queues/{type}/peek", s.handler.PeekQueue).Methods(http.MethodGet)
	api.HandleFunc("/queues/{type}/dlq", s.handler.PurgeDLQ).Methods(http.MethodDelete)
	api.HandleFunc("/scale/{type}", s.handler.ScaleWorkerType).Methods(http.MethodPost)
	api.HandleFunc("/circuit", s.handler.GetCircuit).Methods(http.MethodGet)

	return s.applyMiddleware(router)
}

// applyMiddleware wraps handler in, outermost first: recovery, request ID,
// CORS, audit, rate limit, auth — the same ordering as the teacher's
// Server.applyMiddleware.
func (s *Server) applyMiddleware(handler http.Handler) http.Handler {
	cfg := s.cfg.Admin

	if cfg.RequireAuth {
		handler = AuthMiddleware(cfg.JWTSecret, cfg.RequireAuth, s.log)(handler)
	}
	if cfg.RateLimitEnabled {
		handler = RateLimitMiddleware(cfg.RateLimitPerSecond, cfg.RateLimitBurst)(handler)
	}
	if cfg.AuditEnabled && s.auditLog != nil {
		handler = AuditMiddleware(s.auditLog, s.log)(handler)
	}
	if cfg.CORSEnabled {
		handler = CORSMiddleware(cfg.CORSAllowOrigins)(handler)
	}
	handler = RequestIDMiddleware()(handler)
	handler = RecoveryMiddleware(s.log)(handler)
	return handler
}

// Start binds and serves until the process is asked to stop; call in its
// own goroutine and use Shutdown for graceful termination.
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:         s.cfg.Admin.ListenAddr,
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.Admin.ReadTimeout,
		WriteTimeout: s.cfg.Admin.WriteTimeout,
	}
	s.log.Info("starting admin API", obs.String("addr", s.cfg.Admin.ListenAddr))
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the listener and closes the audit log.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.auditLog != nil {
		_ = s.auditLog.Close()
	}
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
