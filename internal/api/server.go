// Package api provides the local HTTP control surface for the boop daemon:
// peer listing, connection and boop commands, the history journal and a
// live event stream.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/boop-network/boop/internal/app/session"
	"github.com/boop-network/boop/internal/domain"
	"github.com/boop-network/boop/internal/health"
)

// Version is reported by /api/status.
const Version = "0.1.0"

// HistoryReader is the read side of the history journal.
type HistoryReader interface {
	History(limit int) ([]domain.HistoryEntry, error)
	HistoryForPeer(id domain.PeerID, limit int) ([]domain.HistoryEntry, error)
}

// Server is the boop HTTP API server.
type Server struct {
	node           *session.Coordinator
	history        HistoryReader
	checker        *health.Checker
	hub            *EventHub
	metricsEnabled bool
}

// NewServer creates a server over a coordinator. history may be nil.
func NewServer(node *session.Coordinator, history HistoryReader) *Server {
	return &Server{node: node, history: history, hub: NewEventHub(64)}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetChecker sets the health checker reported by /health.
func (s *Server) SetChecker(c *health.Checker) { s.checker = c }

// Hub returns the live event hub. Subscribe Hub().Broadcast to the coordinator.
func (s *Server) Hub() *EventHub { return s.hub }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		// Everything except the event stream gets a request timeout.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Get("/status", s.handleStatus)
			r.Get("/history", s.handleHistory)
			r.Route("/peers", func(r chi.Router) {
				r.Get("/", s.handleListPeers)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetPeer)
					r.Get("/history", s.handlePeerHistory)
					r.Post("/connect", s.command(s.node.RequestConnect, "connecting"))
					r.Post("/accept", s.command(s.node.AcceptRequest, "accepted"))
					r.Post("/reject", s.command(s.node.RejectRequest, "rejected"))
					r.Post("/disconnect", s.command(s.node.Disconnect, "disconnected"))
					r.Post("/boop", s.command(s.node.Boop, "queued"))
				})
			})
		})
		r.Get("/events", s.hub.HandleSSE)
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.checker == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	status, code := "ok", http.StatusOK
	if !s.checker.IsHealthy() {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status": status,
		"checks": s.checker.Statuses(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version": Version,
		"node":    s.node.Status(),
		"boops":   s.node.BoopStats(),
	})
}

// peerID parses the {id} URL parameter, writing a 400 on failure.
func peerID(w http.ResponseWriter, r *http.Request) (domain.PeerID, bool) {
	id, err := domain.ParsePeerID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return domain.NilPeer, false
	}
	return id, true
}

// queryLimit reads ?limit=, defaulting to def and capping at 1000.
func queryLimit(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > 1000 {
		n = 1000
	}
	return n, nil
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidPeerID):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrPeerNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, domain.ErrStopped), errors.Is(err, domain.ErrTransportDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": msg,
			"status":  status,
		},
	})
}

// corsMiddleware adds CORS headers for local development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
