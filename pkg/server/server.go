// Package server exposes conversations over HTTP and streams their events
// over websockets.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nstogner/officeagent/pkg/controller"
	"github.com/nstogner/officeagent/pkg/events"
	"github.com/nstogner/officeagent/pkg/model"
	"github.com/nstogner/officeagent/pkg/store"
)

// Server serves the session API.
type Server struct {
	manager  *controller.Manager
	bus      *events.Bus
	provider model.Provider
	log      *slog.Logger
	srv      *http.Server
}

// New creates a new Server.
func New(manager *controller.Manager, bus *events.Bus, provider model.Provider, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		manager:  manager,
		bus:      bus,
		provider: provider,
		log:      log,
	}
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)

	// Session Actions
	mux.HandleFunc("POST /api/sessions/{id}/turns", s.handleSubmitTurn)
	mux.HandleFunc("GET /api/sessions/{id}/history", s.handleHistory)

	// WebSocket
	mux.HandleFunc("GET /api/sessions/{id}/events", s.handleEventsWebSocket)

	// Models
	mux.HandleFunc("GET /api/models", s.handleListModels)

	return s.corsMiddleware(mux)
}

// Start serves on addr until Shutdown is called. It returns nil at once if
// Shutdown already ran.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	s.log.Info("Starting web server", "addr", ln.Addr().String())
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
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
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Warn("Failed to write response", "error", err)
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("API Error", "error", err)
	}
	s.jsonResponse(w, status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrSessionNotFound), errors.Is(err, controller.ErrSessionEnded):
		return http.StatusNotFound
	case errors.Is(err, controller.ErrInvalidFileRef), errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, controller.ErrTurnInProgress):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
