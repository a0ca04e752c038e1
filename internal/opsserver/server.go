// Package opsserver exposes the worker's operational HTTP surface:
// a health check against Postgres and Redis, and the Prometheus
// scrape endpoint. It replaces the teacher's repository-browsing REST
// API, which has no equivalent in this worker's scope, with the
// ops-only slice of the same gorilla/mux server shape.
package opsserver

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"crawlpipe/pkg/logger"
)

// Config holds the address the ops server listens on.
type Config struct {
	Addr string
}

// Server is the ops-only HTTP surface: /health and /metrics.
type Server struct {
	cfg    Config
	router *mux.Router
	db     *sql.DB
	rdb    *redis.Client
	http   *http.Server
}

// New builds a Server bound to db and rdb for health checks.
func New(cfg Config, db *sql.DB, rdb *redis.Client) *Server {
	s := &Server{
		cfg:    cfg,
		router: mux.NewRouter(),
		db:     db,
		rdb:    rdb,
	}
	s.setupRoutes()
	s.http = &http.Server{
		Addr:    cfg.Addr,
		Handler: s.router,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.router.Use(loggingMiddleware)
}

// ListenAndServe blocks serving the ops surface until the process is
// asked to shut down.
func (s *Server) ListenAndServe() error {
	logger.Get().WithField("addr", s.cfg.Addr).Info("opsserver: listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	}

	healthy := true

	if err := s.db.PingContext(r.Context()); err != nil {
		health["database"] = "error"
		healthy = false
	} else {
		health["database"] = "ok"
	}

	if err := s.rdb.Ping(r.Context()).Err(); err != nil {
		health["redis"] = "error"
		healthy = false
	} else {
		health["redis"] = "ok"
	}

	if !healthy {
		health["status"] = "unhealthy"
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Get().WithField("method", r.Method).WithField("path", r.URL.Path).
			WithField("duration_ms", time.Since(start).Milliseconds()).Debug("opsserver: request")
	})
}
