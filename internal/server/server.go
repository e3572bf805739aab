// Package server exposes the attempts service over HTTP and the live task
// stream over websockets.
package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/throw-if-null/catalyst/internal/api"
	"github.com/throw-if-null/catalyst/internal/attempts"
	"github.com/throw-if-null/catalyst/internal/events"
	"github.com/throw-if-null/catalyst/internal/livestream"
	"github.com/throw-if-null/catalyst/internal/paths"
	"github.com/throw-if-null/catalyst/internal/store"
)

// maximum request body we decode
const maxBodyBytes = 1 << 20

type Server struct {
	svc      *attempts.Service
	hub      *events.Hub
	stream   *livestream.Stream
	log      *zap.Logger
	upgrader websocket.Upgrader
}

func New(svc *attempts.Service, hub *events.Hub, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		svc:    svc,
		hub:    hub,
		stream: livestream.NewStream(livestream.NewFilter(svc), log.Named("livestream")),
		log:    log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// the daemon binds to loopback and serves a local UI
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/projects", s.handleCreateProject)
	mux.HandleFunc("POST /v1/projects/{project_id}/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /v1/projects/{project_id}/tasks", s.handleListTasks)
	mux.HandleFunc("GET /v1/projects/{project_id}/tasks/stream", s.handleStream)
	mux.HandleFunc("GET /v1/projects/{project_id}/tasks/{task_id}", s.handleGetTask)
	mux.HandleFunc("GET /v1/tasks/{task_id}", s.handleGetTask)
	mux.HandleFunc("PUT /v1/tasks/{task_id}/status", s.handleUpdateTaskStatus)
	mux.HandleFunc("POST /v1/tasks/{task_id}/agent", s.handleMarkAgentTask)
	mux.HandleFunc("GET /v1/tasks/{task_id}/attempts", s.handleListAttempts)
	mux.HandleFunc("GET /v1/tasks/{task_id}/branch-template", s.handleGetBranchTemplate)
	mux.HandleFunc("PUT /v1/tasks/{task_id}/branch-template", s.handlePutBranchTemplate)
	mux.HandleFunc("DELETE /v1/tasks/{task_id}/branch-template", s.handleDeleteBranchTemplate)
	mux.HandleFunc("POST /v1/task-attempts", s.handleCreateAttempt)
	mux.HandleFunc("GET /v1/task-attempts/{attempt_id}", s.handleGetAttempt)
	mux.HandleFunc("POST /v1/task-attempts/{attempt_id}/stop", s.handleStopAttempt)
	mux.HandleFunc("POST /v1/task-attempts/{attempt_id}/merges", s.handleRecordMerge)
	mux.HandleFunc("DELETE /v1/task-attempts/{attempt_id}/worktree", s.handleRemoveWorktree)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"
	switch {
	case store.IsNotFound(err):
		status, msg = http.StatusNotFound, err.Error()
	case attempts.IsValidation(err):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, attempts.ErrNotRunning), errors.Is(err, attempts.ErrStillRunning):
		status, msg = http.StatusConflict, err.Error()
	default:
		s.log.Error("request failed", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, status, errorBody{Error: msg})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		badRequest(w, "invalid json")
		return false
	}
	return true
}

// pathID reads and validates a uuid path parameter.
func pathID(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	id := r.PathValue(name)
	if err := paths.ValidateID(id); err != nil {
		badRequest(w, "invalid "+name)
		return "", false
	}
	return id, true
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req api.CreateProjectRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := s.svc.CreateProject(r.Context(), &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "project_id")
	if !ok {
		return
	}
	var req api.CreateTaskRequest
	if !decode(w, r, &req) {
		return
	}
	t, err := s.svc.CreateTask(r.Context(), projectID, &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "project_id")
	if !ok {
		return
	}
	tasks, err := s.svc.ListTasks(r.Context(), projectID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := pathID(w, r, "task_id")
	if !ok {
		return
	}
	projectID := ""
	if r.PathValue("project_id") != "" {
		if projectID, ok = pathID(w, r, "project_id"); !ok {
			return
		}
	}
	t, err := s.svc.GetTask(r.Context(), projectID, taskID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleUpdateTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID, ok := pathID(w, r, "task_id")
	if !ok {
		return
	}
	var req api.UpdateTaskStatusRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.svc.UpdateTaskStatus(r.Context(), taskID, req.Status); err != nil {
		s.writeError(w, r, err)
		return
	}
	t, err := s.svc.GetTask(r.Context(), "", taskID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleMarkAgentTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := pathID(w, r, "task_id")
	if !ok {
		return
	}
	if err := s.svc.MarkAgentTask(r.Context(), taskID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetBranchTemplate(w http.ResponseWriter, r *http.Request) {
	taskID, ok := pathID(w, r, "task_id")
	if !ok {
		return
	}
	tmpl, err := s.svc.BranchTemplate(r.Context(), taskID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.BranchTemplate{TaskID: taskID, Template: tmpl})
}

func (s *Server) handlePutBranchTemplate(w http.ResponseWriter, r *http.Request) {
	taskID, ok := pathID(w, r, "task_id")
	if !ok {
		return
	}
	var req api.BranchTemplate
	if !decode(w, r, &req) {
		return
	}
	if err := s.svc.SetBranchTemplate(r.Context(), taskID, req.Template); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.handleGetBranchTemplate(w, r)
}

func (s *Server) handleDeleteBranchTemplate(w http.ResponseWriter, r *http.Request) {
	taskID, ok := pathID(w, r, "task_id")
	if !ok {
		return
	}
	if err := s.svc.SetBranchTemplate(r.Context(), taskID, nil); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateAttempt(w http.ResponseWriter, r *http.Request) {
	var req api.CreateAttemptRequest
	if !decode(w, r, &req) {
		return
	}
	a, err := s.svc.CreateAttempt(r.Context(), &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleGetAttempt(w http.ResponseWriter, r *http.Request) {
	attemptID, ok := pathID(w, r, "attempt_id")
	if !ok {
		return
	}
	a, err := s.svc.GetAttempt(r.Context(), attemptID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	taskID, ok := pathID(w, r, "task_id")
	if !ok {
		return
	}
	list, err := s.svc.ListAttempts(r.Context(), taskID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleRemoveWorktree(w http.ResponseWriter, r *http.Request) {
	attemptID, ok := pathID(w, r, "attempt_id")
	if !ok {
		return
	}
	if err := s.svc.RemoveWorktree(r.Context(), attemptID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleHealth answers 503 while the store cannot be reached.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Ping(r.Context()); err != nil {
		s.log.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "store unavailable"})
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStopAttempt(w http.ResponseWriter, r *http.Request) {
	attemptID, ok := pathID(w, r, "attempt_id")
	if !ok {
		return
	}
	if err := s.svc.StopAttempt(r.Context(), attemptID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type mergeRequest struct {
	Commit string `json:"commit"`
}

func (s *Server) handleRecordMerge(w http.ResponseWriter, r *http.Request) {
	attemptID, ok := pathID(w, r, "attempt_id")
	if !ok {
		return
	}
	var req mergeRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.svc.RecordMerge(r.Context(), attemptID, req.Commit); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
