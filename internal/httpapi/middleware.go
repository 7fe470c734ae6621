package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-kit/log/level"
	"github.com/google/uuid"
)

type ctxKey int

const requestIDKey ctxKey = iota

// requestIDMiddleware stamps every request with a UUID, usable by every
// downstream layer's log lines and returned to the client for correlating
// support requests with server logs.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey).(string)
	return id
}

// loggingMiddleware logs method, path, status and latency for every
// request.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		level.Info(s.cfg.Logger).Log(
			"msg", "request",
			"request_id", requestID(r),
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// recoveryMiddleware converts a panic in any handler into a 500 instead of
// crashing the process, logging the recovered value with the request id
// that caused it.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				level.Error(s.cfg.Logger).Log("msg", "panic recovered", "request_id", requestID(r), "panic", rec)
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// writeGateMiddleware rejects mutating methods with 503 while the store is
// not ready (during startup recovery or shutdown draining), and marks
// every response with Connection: close once draining has begun so
// keep-alive clients reconnect elsewhere.
func (s *Server) writeGateMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-s.draining:
			w.Header().Set("Connection", "close")
		default:
		}

		switch r.Method {
		case http.MethodPut, http.MethodPost, http.MethodPatch, http.MethodDelete:
			if !s.cfg.Store.Ready() {
				http.Error(w, "service not ready for writes", http.StatusServiceUnavailable)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
