package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/nstogner/officeagent/pkg/controller"
	"github.com/nstogner/officeagent/pkg/domain"
	"github.com/nstogner/officeagent/pkg/memory"
)

var errBadRequest = errors.New("bad request")

type sessionResponse struct {
	ID       string           `json:"id"`
	State    controller.State `json:"state"`
	FileRefs []domain.FileRef `json:"file_refs"`
	Memory   memory.Snapshot  `json:"memory"`
}

func toSessionResponse(c *controller.Conversation) sessionResponse {
	return sessionResponse{
		ID:       c.ID(),
		State:    c.State(),
		FileRefs: c.FileRefs(),
		Memory:   c.Memory(),
	}
}

type turnRequest struct {
	Query    string           `json:"query"`
	FileRefs []domain.FileRef `json:"file_refs"`
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: decoding body: %v", errBadRequest, err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Sessions ---

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	var statuses []domain.SessionStatus
	if v := r.URL.Query().Get("status"); v != "" {
		for _, st := range strings.Split(v, ",") {
			statuses = append(statuses, domain.SessionStatus(st))
		}
	}
	sessions, err := s.manager.List(r.Context(), statuses...)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	if sessions == nil {
		sessions = []domain.Session{}
	}
	s.jsonResponse(w, http.StatusOK, sessions)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FileRefs []domain.FileRef `json:"file_refs"`
	}
	// An empty body creates a session without files.
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			s.errorResponse(w, err)
			return
		}
	}

	c, err := s.manager.Create(r.Context(), req.FileRefs)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, toSessionResponse(c))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	c, err := s.manager.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, toSessionResponse(c))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	// Load first so unknown and already ended sessions answer 404.
	if _, err := s.manager.Get(r.Context(), id); err != nil {
		s.errorResponse(w, err)
		return
	}
	if err := s.manager.Teardown(r.Context(), id); err != nil {
		s.errorResponse(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSubmitTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := decode(r, &req); err != nil {
		s.errorResponse(w, err)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		s.errorResponse(w, fmt.Errorf("%w: query is required", errBadRequest))
		return
	}

	c, err := s.manager.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	if err := c.Submit(r.Context(), req.Query, req.FileRefs); err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusAccepted, toSessionResponse(c))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	c, err := s.manager.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, c.History())
}

// --- Models ---

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.provider.List(r.Context())
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, models)
}
