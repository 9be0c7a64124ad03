// Package httpapi serves the read-only inspection API: recent decisions,
// the prioritized backlog, evaluation results, and applied changes. All
// writes go through the engine cycle; the API never mutates.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"hearth/internal/logging"
	"hearth/internal/store"
)

// defaultLookback bounds the since-less list endpoints.
const defaultLookback = 7 * 24 * time.Hour

// Server exposes the store over HTTP.
type Server struct {
	st  store.Store
	log *slog.Logger
}

// NewServer creates a Server reading from st.
func NewServer(st store.Store) *Server {
	return &Server{st: st, log: logging.New("httpapi")}
}

// Handler builds the routed, logged, panic-recovering handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/decisions", s.handleDecisions).Methods(http.MethodGet)
	api.HandleFunc("/changes", s.handleChanges).Methods(http.MethodGet)
	api.HandleFunc("/results", s.handleResults).Methods(http.MethodGet)
	api.HandleFunc("/backlog", s.handleBacklog).Methods(http.MethodGet)

	return handlers.RecoveryHandler()(handlers.LoggingHandler(os.Stdout, r))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// since extracts the ?since=RFC3339 query parameter, defaulting to the
// lookback window. The empty string return signals a parse failure already
// written to the client.
func (s *Server) since(w http.ResponseWriter, r *http.Request) string {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		return time.Now().UTC().Add(-defaultLookback).Format(time.RFC3339)
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "since must be RFC3339"})
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	since := s.since(w, r)
	if since == "" {
		return
	}
	entries, err := s.st.ListDecisionsSince(since)
	if err != nil {
		s.fail(w, "list decisions", err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	since := s.since(w, r)
	if since == "" {
		return
	}
	changes, err := s.st.ListChangesSince(since)
	if err != nil {
		s.fail(w, "list changes", err)
		return
	}
	writeJSON(w, http.StatusOK, changes)
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	since := s.since(w, r)
	if since == "" {
		return
	}
	results, err := s.st.ListResultsSince(since)
	if err != nil {
		s.fail(w, "list results", err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleBacklog(w http.ResponseWriter, r *http.Request) {
	backlog, err := s.st.ListBacklog()
	if err != nil {
		s.fail(w, "list backlog", err)
		return
	}
	writeJSON(w, http.StatusOK, backlog)
}

func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	s.log.Error(op+" failed", slog.String("error", err.Error()))
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}
