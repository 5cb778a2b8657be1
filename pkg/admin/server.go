// Package admin exposes the read-only HTTP surface over router and
// registry state (§6.3): GET /capabilities, GET /streams, GET /streams/{id}
// and GET /plain-transports. None of these endpoints mutate anything —
// they are strict serializations of what the registry already holds.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/ethan/mediabridge-router/pkg/logger"
	"github.com/ethan/mediabridge-router/pkg/registry"
	"github.com/ethan/mediabridge-router/pkg/sfu"
)

// routerView is the subset of *sfu.Router the admin surface reads from.
type routerView interface {
	Capabilities() sfu.Capabilities
	PortPoolStats() (inUse, total int)
}

// Server serves the read-only admin HTTP surface.
type Server struct {
	router     routerView
	registry   *registry.Registry
	log        *logger.Logger
	httpServer *http.Server
}

// NewServer builds a Server bound to router and reg. Call Start to listen.
func NewServer(router routerView, reg *registry.Registry, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	return &Server{router: router, registry: reg, log: log}
}

// plainTransportView is the admin-facing rendering of egress pool
// occupancy; individual transports are not separately addressable here,
// since the registry does not track them by id — only the pool totals.
type plainTransportView struct {
	InUse int `json:"inUse"`
	Total int `json:"total"`
}

// Start binds addr and serves until Stop is called.
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/capabilities", s.handleCapabilities)
	mux.HandleFunc("/streams", s.handleListStreams)
	mux.HandleFunc("/streams/", s.handleGetStream)
	mux.HandleFunc("/plain-transports", s.handlePlainTransports)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.withCORS(s.withLogging(mux)),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.log.Info("starting admin HTTP server", "address", addr)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("admin HTTP server error", "error", err)
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop gracefully shuts the admin server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.log.Info("stopping admin HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.router.Capabilities())
}

func (s *Server) handleListStreams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.registry.ListStreams())
}

func (s *Server) handleGetStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/streams/")
	if id == "" {
		http.Error(w, "missing stream id", http.StatusBadRequest)
		return
	}
	stream, ok := s.registry.GetStream(id)
	if !ok {
		http.Error(w, "UnknownStream", http.StatusNotFound)
		return
	}
	writeJSON(w, stream)
}

func (s *Server) handlePlainTransports(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	inUse, total := s.router.PortPoolStats()
	writeJSON(w, plainTransportView{InUse: inUse, Total: total})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		s.log.Info("admin HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
