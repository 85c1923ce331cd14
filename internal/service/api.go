package service

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rcssrunner/runner/internal/manager"
	"github.com/rcssrunner/runner/internal/store"
)

type apiError struct {
	Error string `json:"error"`
}

type health struct {
	Status  string `json:"status"`
	Games   int    `json:"games"`
	Backlog int    `json:"backlog"`
}

// Handler returns the HTTP status API.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Route("/games", func(r chi.Router) {
		r.Get("/", s.handleGames)
		r.Get("/{id}", s.handleGame)
		r.Delete("/{id}", s.handleStop)
	})
	return r
}

func writeJSON(w http.ResponseWriter, r *http.Request, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.DebugContext(r.Context(), "writing response", "path", r.URL.Path, "error", err)
	}
}

func gameID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id < 0 {
		writeJSON(w, r, http.StatusBadRequest, apiError{Error: "invalid game id"})
		return 0, false
	}
	return id, true
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, health{
		Status:  "ok",
		Games:   len(s.manager.Games()),
		Backlog: s.pipeline.Pending(),
	})
}

func (s *Service) handleGames(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, s.manager.Games())
}

func (s *Service) handleGame(w http.ResponseWriter, r *http.Request) {
	id, ok := gameID(w, r)
	if !ok {
		return
	}
	if st, ok := s.manager.Game(id); ok {
		writeJSON(w, r, http.StatusOK, st)
		return
	}
	rec, err := store.Get(r.Context(), s.db, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, r, http.StatusNotFound, apiError{Error: "game not found"})
	case err != nil:
		slog.ErrorContext(r.Context(), "reading game record", "game_id", id, "error", err)
		writeJSON(w, r, http.StatusInternalServerError, apiError{Error: "reading game record failed"})
	default:
		writeJSON(w, r, http.StatusOK, rec)
	}
}

func (s *Service) handleStop(w http.ResponseWriter, r *http.Request) {
	id, ok := gameID(w, r)
	if !ok {
		return
	}
	err := s.manager.StopGame(r.Context(), id)
	switch {
	case errors.Is(err, manager.ErrNotRunning):
		writeJSON(w, r, http.StatusNotFound, apiError{Error: err.Error()})
	case err != nil:
		writeJSON(w, r, http.StatusInternalServerError, apiError{Error: err.Error()})
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}
