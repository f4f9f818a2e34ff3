// Package api provides the admin HTTP surface for a tutumesh node: health,
// roster/task/session introspection, Prometheus metrics, and the websocket
// endpoint clients use to join the session fabric.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tutu-network/tutumesh/internal/daemon"
	"github.com/tutu-network/tutumesh/internal/session"
)

// Server is the tutumesh admin HTTP API server.
type Server struct {
	node *daemon.Node
}

// NewServer creates an API server bound to a running node.
func NewServer(node *daemon.Node) *Server {
	return &Server{node: node}
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))
	r.Use(corsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/nodes", s.handleListNodes)
		r.Post("/nodes/{id}/evict", s.handleEvictNode)
		r.Get("/tasks", s.handleListTasks)
		r.Get("/sessions", s.handleListSessions)
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Get("/session", s.handleSessionUpgrade)

	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.node.Elector.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"nodeId":      s.node.Gossip.LocalID(),
		"role":        snap.Role.String(),
		"term":        snap.Term,
		"leaderId":    snap.LeaderID,
		"aliveRoster": s.node.Gossip.AliveCount(),
	})
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"nodes": s.node.Gossip.Members()})
}

func (s *Server) handleEvictNode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing node id")
		return
	}
	s.node.Gossip.Evict(id)
	writeJSON(w, http.StatusOK, map[string]string{"evicted": id})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"pending": s.node.Tasks.Len()})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"count": s.node.Fabric.Registry().Count()})
}

func (s *Server) handleSessionUpgrade(w http.ResponseWriter, r *http.Request) {
	transport, err := session.Upgrade(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.node.Fabric.Accept(r.Context(), transport)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{"error": msg})
}

// corsMiddleware adds CORS headers for local development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
