// Package httpapi is the object store's minimal HTTP edge: PUT/GET/HEAD/
// DELETE on /api/v1/objects/{key}, health/liveness/readiness probes, and a
// Prometheus /metrics endpoint. Routing follows the same stdlib
// net/http.ServeMux method-pattern style and explicit middleware chain
// ordering the rest of the retrieval pack's HTTP servers use.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dreamsxin/objectstore/internal/store"
)

// Config bundles everything the server needs beyond the store itself.
type Config struct {
	Store        *store.Store
	Logger       log.Logger
	Registry     *prometheus.Registry
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	DrainTimeout time.Duration
}

// Server wraps an *http.Server with the store-aware readiness state the
// shutdown sequence flips before draining.
type Server struct {
	httpSrv *http.Server
	cfg     Config

	draining chan struct{}
}

// New builds the full handler chain:
// requestID -> logging -> recovery -> writeGate -> mux
//
// This ordering mirrors the rest of the pack's servers: request
// identification happens first so every later layer's log lines carry it,
// recovery wraps everything downstream of logging so a panic is still
// logged with context, and the store-specific write gate (which also adds
// Connection: close while draining) runs last, right before the mux.
func New(cfg Config) *Server {
	mux := http.NewServeMux()
	s := &Server{cfg: cfg, draining: make(chan struct{})}
	s.registerRoutes(mux)

	var handler http.Handler = mux
	handler = s.writeGateMiddleware(handler)
	handler = s.recoveryMiddleware(handler)
	handler = s.loggingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	s.httpSrv = &http.Server{
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("PUT /api/v1/objects/{key}", s.handlePut)
	mux.HandleFunc("GET /api/v1/objects/{key}", s.handleGet)
	mux.HandleFunc("HEAD /api/v1/objects/{key}", s.handleHead)
	mux.HandleFunc("DELETE /api/v1/objects/{key}", s.handleDelete)

	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/livez", s.handleLivez)
	mux.HandleFunc("GET /api/v1/readyz", s.handleReadyz)

	mux.Handle("GET /metrics", promhttp.HandlerFor(s.cfg.Registry, promhttp.HandlerOpts{}))
}

// ListenAndServe starts the server. It blocks until Shutdown is called or
// the listener fails.
func (s *Server) ListenAndServe(addr string) error {
	s.httpSrv.Addr = addr
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown flips readiness false, marks the server as draining (so
// in-flight and new keep-alive connections see Connection: close), runs a
// final store checkpoint, and waits up to DrainTimeout for in-flight
// requests before forcing the listener closed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cfg.Store.SetReady(false)
	close(s.draining)

	if err := s.cfg.Store.Checkpoint(); err != nil {
		level.Error(s.cfg.Logger).Log("msg", "final checkpoint failed", "err", err)
	}

	drainCtx, cancel := context.WithTimeout(ctx, s.cfg.DrainTimeout)
	defer cancel()
	return s.httpSrv.Shutdown(drainCtx)
}
