// Package server exposes the HTTP surface: the chat event stream, stored
// screenshots, and desktop session lifecycle.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/nstogner/deskpilot/pkg/agent"
	"github.com/nstogner/deskpilot/pkg/desktop"
	"github.com/nstogner/deskpilot/pkg/shots"
)

// TurnRunner executes one agent turn, emitting events as it goes.
type TurnRunner interface {
	Run(ctx context.Context, turn agent.Turn, emit agent.Emitter) error
}

// Server serves the chat API.
type Server struct {
	runner   TurnRunner
	desktops desktop.Manager
	shots    *shots.Store
	watchers *watchHub
	srv      *http.Server
}

// New creates a new Server.
func New(runner TurnRunner, desktops desktop.Manager, store *shots.Store) *Server {
	return &Server{
		runner:   runner,
		desktops: desktops,
		shots:    store,
		watchers: newWatchHub(),
	}
}

// Start starts the HTTP server.
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()

	// Chat
	mux.HandleFunc("POST /api/chat", s.handleChat)

	// Screenshots
	mux.HandleFunc("GET /api/screenshots/{filename}", s.handleGetScreenshot)

	// Desktop lifecycle
	mux.HandleFunc("GET /api/desktop", s.handleGetDesktop)
	mux.HandleFunc("DELETE /api/desktop/{id}", s.handleKillDesktop)

	// Live screenshot feed
	mux.HandleFunc("/api/desktop/{id}/watch", s.handleWatch)

	s.srv = &http.Server{
		Addr:    addr,
		Handler: s.corsMiddleware(mux),
	}

	slog.Info("Starting server", "addr", addr)
	return s.srv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, err error) {
	slog.Error("API Error", "error", err)
	s.jsonResponse(w, status, map[string]string{"error": err.Error()})
}
