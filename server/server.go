// Package server exposes a coordinator over HTTP as a JSON API.
//
// Every route is rooted at /api. Cases are created with POST /api/cases
// and driven through fire/complete endpoints; read endpoints return the
// same snapshots and work-item views the coordinator produces for the
// CLI. The handler is a plain http.ServeMux, so it composes with
// whatever outer server the caller runs (including a promhttp metrics
// route).
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/flownet-io/go-flownet/caselog"
	"github.com/flownet-io/go-flownet/coordinator"
	"github.com/flownet-io/go-flownet/engine"
)

// Server serves coordinator operations as a JSON HTTP API.
type Server struct {
	co     *coordinator.Coordinator
	store  caselog.Store
	logger *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithStore enables the per-case log endpoint, reading records straight
// from the backing store.
func WithStore(st caselog.Store) Option {
	return func(s *Server) { s.store = st }
}

// NewServer creates a server over the given coordinator.
func NewServer(co *coordinator.Coordinator, opts ...Option) *Server {
	s := &Server{co: co, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Mux returns a ServeMux with all API routes configured.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/cases", s.listCases)
	mux.HandleFunc("POST /api/cases", s.launchCase)
	mux.HandleFunc("GET /api/cases/{id}", s.getCase)
	mux.HandleFunc("GET /api/cases/{id}/workitems", s.getWorkItems)
	mux.HandleFunc("GET /api/cases/{id}/log", s.getLog)
	mux.HandleFunc("POST /api/cases/{id}/fire", s.fireTask)
	mux.HandleFunc("POST /api/cases/{id}/complete", s.completeTask)
	mux.HandleFunc("POST /api/cases/{id}/instances", s.addInstance)
	mux.HandleFunc("POST /api/cases/{id}/suspend", s.suspendCase)
	mux.HandleFunc("POST /api/cases/{id}/resume", s.resumeCase)
	mux.HandleFunc("POST /api/cases/{id}/cancel", s.cancelCase)
	return mux
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Mux().ServeHTTP(w, r)
}

type launchRequest struct {
	Data map[string]any `json:"data"`
}

type fireRequest struct {
	Task string `json:"task"`
}

type completeRequest struct {
	Instance   string         `json:"instance"`
	Completion string         `json:"completion"`
	Data       map[string]any `json:"data"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) listCases(w http.ResponseWriter, r *http.Request) {
	var snaps []*coordinator.CaseSnapshot
	for _, id := range s.co.Cases() {
		snap, err := s.co.Snapshot(id)
		if err != nil {
			// Case closed between listing and snapshotting.
			continue
		}
		snaps = append(snaps, snap)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"cases": snaps})
}

func (s *Server) launchCase(w http.ResponseWriter, r *http.Request) {
	var req launchRequest
	if !s.decode(w, r, &req) {
		return
	}
	caseID, err := s.co.Launch(r.Context(), req.Data)
	if err != nil {
		s.writeError(w, err)
		return
	}
	snap, err := s.co.Snapshot(caseID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("case launched via api", "case", caseID)
	s.writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) getCase(w http.ResponseWriter, r *http.Request) {
	snap, err := s.co.Snapshot(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) getWorkItems(w http.ResponseWriter, r *http.Request) {
	items, err := s.co.WorkItems(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"workitems": items})
}

func (s *Server) getLog(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "log endpoint disabled", http.StatusNotImplemented)
		return
	}
	recs, err := s.store.Read(r.Context(), r.PathValue("id"), 0)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if len(recs) == 0 {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown case"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"records": recs})
}

func (s *Server) fireTask(w http.ResponseWriter, r *http.Request) {
	var req fireRequest
	if !s.decode(w, r, &req) {
		return
	}
	instances, err := s.co.FireTask(r.Context(), r.PathValue("id"), req.Task)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"instances": instances})
}

func (s *Server) completeTask(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Completion == "" {
		req.Completion = caselog.CompletionNormal
	}
	err := s.co.CompleteTask(r.Context(), r.PathValue("id"), req.Instance, req.Completion, req.Data)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) addInstance(w http.ResponseWriter, r *http.Request) {
	var req fireRequest
	if !s.decode(w, r, &req) {
		return
	}
	instID, err := s.co.AddInstance(r.Context(), r.PathValue("id"), req.Task)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"instance": instID})
}

func (s *Server) suspendCase(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.co.SuspendCase)
}

func (s *Server) resumeCase(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.co.ResumeCase)
}

func (s *Server) lifecycle(w http.ResponseWriter, r *http.Request, op func(context.Context, string) error) {
	if err := op(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) cancelCase(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.co.CancelCase(r.Context(), r.PathValue("id"), req.Reason); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// decode reads the request body into v. An empty body is allowed and
// leaves v zero-valued.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError maps coordinator and engine errors onto HTTP statuses:
// unknown identifiers are 404, state conflicts 409, everything else 500.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var (
		unknownTask *engine.UnknownTaskError
		unknownInst *engine.UnknownInstanceError
		caseStatus  *engine.CaseStatusError
		notFireable *engine.NotFireableError
		instState   *engine.InstanceStateError
	)
	switch {
	case errors.Is(err, coordinator.ErrUnknownCase),
		errors.As(err, &unknownTask),
		errors.As(err, &unknownInst):
		status = http.StatusNotFound
	case errors.As(err, &caseStatus),
		errors.As(err, &notFireable),
		errors.As(err, &instState):
		status = http.StatusConflict
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}
