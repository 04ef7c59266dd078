// Package adminhttp exposes the operator-facing HTTP surface: health,
// Prometheus metrics, and a read-only registry snapshot. Grounded on the
// teacher's mux-based router setup and /health handler in cmd/api/main.go.
package adminhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wpcfield/fieldctl/internal/persistence"
	"github.com/wpcfield/fieldctl/internal/registry"
)

// Server wires together the admin HTTP surface. It is a thin façade over
// an *http.Server and does not own any domain logic.
type Server struct {
	httpServer *http.Server
	Registry   *registry.Registry
	Store      persistence.Store
}

// New builds a Server listening on addr. relay, if non-nil, is mounted at
// /events/stream for live event consumption. Call ListenAndServe to start
// the server and Shutdown to stop it gracefully.
func New(addr string, reg *registry.Registry, store persistence.Store, relay http.Handler) *Server {
	s := &Server{Registry: reg, Store: store}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	router.HandleFunc("/modules", s.handleModules).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	if relay != nil {
		router.Handle("/events/stream", relay)
	}

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the server gracefully, letting in-flight requests
// finish within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	status := "ok"
	code := http.StatusOK
	if err := s.Store.HealthCheck(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"status": status})
}

func (s *Server) handleModules(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.Registry.Snapshot())
}
