// Package api exposes the task tree engine as a JSON HTTP API.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/imkarma/tasktree/internal/task"
	"github.com/imkarma/tasktree/internal/tree"
)

// Server is the HTTP API server.
type Server struct {
	engine *tree.Engine
	log    *slog.Logger
	mux    *http.ServeMux
}

// New creates a new Server.
func New(engine *tree.Engine, log *slog.Logger) *Server {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		engine: engine,
		log:    log,
		mux:    http.NewServeMux(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)
	s.log.Info("request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
}

func (s *Server) routes() {
	// Projects
	s.mux.HandleFunc("GET /api/projects", s.handleProjectList)
	s.mux.HandleFunc("GET /api/projects/{project}/tasks", s.handleProjectTasks)
	s.mux.HandleFunc("POST /api/projects/{project}/tasks", s.handleTaskCreate)
	s.mux.HandleFunc("POST /api/projects/{project}/rebuild", s.handleProjectRebuild)

	// Tasks
	s.mux.HandleFunc("GET /api/tasks/{id}", s.handleTaskGet)
	s.mux.HandleFunc("DELETE /api/tasks/{id}", s.handleTaskDelete)
	s.mux.HandleFunc("GET /api/tasks/{id}/children", s.handleTaskChildren)
	s.mux.HandleFunc("GET /api/tasks/{id}/ancestors", s.handleTaskAncestors)
	s.mux.HandleFunc("GET /api/tasks/{id}/descendants", s.handleTaskDescendants)
	s.mux.HandleFunc("GET /api/tasks/{id}/root", s.handleTaskRoot)
	s.mux.HandleFunc("GET /api/tasks/{id}/completion", s.handleTaskCompletion)
	s.mux.HandleFunc("GET /api/tasks/{id}/events", s.handleTaskEvents)
	s.mux.HandleFunc("PATCH /api/tasks/{id}/status", s.handleTaskStatus)
	s.mux.HandleFunc("PATCH /api/tasks/{id}/priority", s.handleTaskPriority)
	s.mux.HandleFunc("POST /api/tasks/{id}/priority/validate", s.handleTaskPriorityValidate)
	s.mux.HandleFunc("POST /api/tasks/{id}/reorder", s.handleTaskReorder)
	s.mux.HandleFunc("POST /api/tasks/{id}/move", s.handleTaskMove)

	// System
	s.mux.HandleFunc("GET /health", s.handleHealth)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write json", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeEngineError maps an engine error to a status code.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	var ie *tree.IntegrityError
	switch {
	case errors.Is(err, task.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, task.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &ie):
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		s.log.Error("engine error", "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// writeResult writes a typed result: 422 when it carries a failure,
// otherwise status.
func writeResult(w http.ResponseWriter, status int, failure *tree.Failure, v any) {
	if failure != nil {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, v)
}
