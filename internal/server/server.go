// Package server is the ops HTTP surface: health, aggregate stats,
// Prometheus metrics and a websocket activity feed. It never exposes file
// codes or user identifiers.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ssd-technologies/vaultrelay/internal/events"
	"github.com/ssd-technologies/vaultrelay/internal/vault"
)

// StatsSource reports vault totals.
type StatsSource interface {
	Stats(ctx context.Context) (vault.Stats, error)
}

// Checkpointer folds the database write-ahead log.
type Checkpointer interface {
	Checkpoint(ctx context.Context) error
}

// Broadcasts reports whether a broadcast is in flight.
type Broadcasts interface {
	Running() bool
}

// Throttle reports how many senders the free-text limiter remembers.
type Throttle interface {
	Len() int
}

// Deps are the collaborators of a Server. Stats and DB are required.
type Deps struct {
	Stats     StatsSource
	DB        Checkpointer
	Hub       *events.Hub
	Broadcast Broadcasts
	Throttle  Throttle
	Logger    *slog.Logger
}

// Server is the ops HTTP server.
type Server struct {
	stats     StatsSource
	db        Checkpointer
	hub       *events.Hub
	broadcast Broadcasts
	throttle  Throttle
	logger    *slog.Logger
	mux       *http.ServeMux
}

// New creates a new Server with all routes registered.
func New(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		stats:     d.Stats,
		db:        d.DB,
		hub:       d.Hub,
		broadcast: d.Broadcast,
		throttle:  d.Throttle,
		logger:    logger.With("component", "ops"),
		mux:       http.NewServeMux(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	s.mux.Handle("GET /metrics", promhttp.Handler())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"service":           "vaultrelay",
		"broadcasting":      s.broadcast != nil && s.broadcast.Running(),
		"event_subscribers": s.hub.Subscribers(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.stats.Stats(r.Context())
	if err != nil {
		s.logger.Error("stats request", "error", err)
		writeError(w, http.StatusServiceUnavailable, "stats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
