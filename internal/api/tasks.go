package api

import (
	"encoding/json"
	"net/http"

	"github.com/imkarma/tasktree/internal/tree"
)

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

// taskProject resolves the project that scopes a task request. An explicit
// ?project= wins; otherwise the task's own project is used.
func (s *Server) taskProject(w http.ResponseWriter, r *http.Request) (string, bool) {
	if p := r.URL.Query().Get("project"); p != "" {
		return p, true
	}
	p, err := s.engine.ProjectOf(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return "", false
	}
	return p, true
}

func (s *Server) handleProjectList(w http.ResponseWriter, r *http.Request) {
	ids, err := s.engine.Projects(r.Context())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, ids)
}

func (s *Server) handleProjectTasks(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")
	q := r.URL.Query()

	var (
		tasks any
		err   error
	)
	if q.Has("parent") {
		tasks, err = s.engine.Children(r.Context(), project, q.Get("parent"))
	} else {
		tasks, err = s.engine.ListProject(r.Context(), project)
	}
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleTaskCreate(w http.ResponseWriter, r *http.Request) {
	var in tree.CreateInput
	if !decode(w, r, &in) {
		return
	}
	in.ProjectID = r.PathValue("project")
	res, err := s.engine.CreateTask(r.Context(), in)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeResult(w, http.StatusCreated, res.Failure, res)
}

func (s *Server) handleProjectRebuild(w http.ResponseWriter, r *http.Request) {
	rep, err := s.engine.RebuildProject(r.Context(), r.PathValue("project"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	project, ok := s.taskProject(w, r)
	if !ok {
		return
	}
	t, err := s.engine.GetTask(r.Context(), project, r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleTaskDelete(w http.ResponseWriter, r *http.Request) {
	project, ok := s.taskProject(w, r)
	if !ok {
		return
	}
	res, err := s.engine.DeleteTask(r.Context(), project, r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleTaskChildren(w http.ResponseWriter, r *http.Request) {
	project, ok := s.taskProject(w, r)
	if !ok {
		return
	}
	kids, err := s.engine.Children(r.Context(), project, r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, kids)
}

func (s *Server) handleTaskAncestors(w http.ResponseWriter, r *http.Request) {
	project, ok := s.taskProject(w, r)
	if !ok {
		return
	}
	chain, err := s.engine.Ancestors(r.Context(), project, r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chain)
}

func (s *Server) handleTaskDescendants(w http.ResponseWriter, r *http.Request) {
	project, ok := s.taskProject(w, r)
	if !ok {
		return
	}
	desc, err := s.engine.Descendants(r.Context(), project, r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

func (s *Server) handleTaskRoot(w http.ResponseWriter, r *http.Request) {
	project, ok := s.taskProject(w, r)
	if !ok {
		return
	}
	root, err := s.engine.Root(r.Context(), project, r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, root)
}

func (s *Server) handleTaskCompletion(w http.ResponseWriter, r *http.Request) {
	project, ok := s.taskProject(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	pct, err := s.engine.Completion(r.Context(), project, id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "completion_percentage": pct})
}

func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	project, ok := s.taskProject(w, r)
	if !ok {
		return
	}
	events, err := s.engine.Events(r.Context(), project, r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status string `json:"status"`
	}
	if !decode(w, r, &body) {
		return
	}
	project, ok := s.taskProject(w, r)
	if !ok {
		return
	}
	res, err := s.engine.UpdateStatus(r.Context(), project, r.PathValue("id"), body.Status)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeResult(w, http.StatusOK, res.Failure, res)
}

type priorityBody struct {
	Priority string `json:"priority"`
}

func (s *Server) handleTaskPriority(w http.ResponseWriter, r *http.Request) {
	var body priorityBody
	if !decode(w, r, &body) {
		return
	}
	project, ok := s.taskProject(w, r)
	if !ok {
		return
	}
	res, err := s.engine.SetPriority(r.Context(), project, r.PathValue("id"), body.Priority)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeResult(w, http.StatusOK, res.Failure, res)
}

// handleTaskPriorityValidate answers 200 whether or not the candidate is
// allowed; the verdict is in the body.
func (s *Server) handleTaskPriorityValidate(w http.ResponseWriter, r *http.Request) {
	var body priorityBody
	if !decode(w, r, &body) {
		return
	}
	project, ok := s.taskProject(w, r)
	if !ok {
		return
	}
	res, err := s.engine.ValidatePriority(r.Context(), project, r.PathValue("id"), body.Priority)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeResult(w, http.StatusOK, res.Failure, res)
}

func (s *Server) handleTaskReorder(w http.ResponseWriter, r *http.Request) {
	var req tree.ReorderRequest
	if !decode(w, r, &req) {
		return
	}
	project, ok := s.taskProject(w, r)
	if !ok {
		return
	}
	req.TaskID, req.ProjectID = r.PathValue("id"), project
	res, err := s.engine.Reorder(r.Context(), project, req)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if res.RequiresConfirmation {
		writeJSON(w, http.StatusPreconditionRequired, res)
		return
	}
	writeResult(w, http.StatusOK, res.Failure, res)
}

func (s *Server) handleTaskMove(w http.ResponseWriter, r *http.Request) {
	var in tree.MoveInput
	if !decode(w, r, &in) {
		return
	}
	project, ok := s.taskProject(w, r)
	if !ok {
		return
	}
	in.TaskID = r.PathValue("id")
	res, err := s.engine.MoveTask(r.Context(), project, in)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeResult(w, http.StatusOK, res.Failure, res)
}
