package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"taskpilot/internal/clock"
	"taskpilot/internal/domain"
	"taskpilot/internal/metrics"
	"taskpilot/internal/scheduler"
	"taskpilot/internal/store"
)

// Engine is the part of the dispatcher the API drives.
type Engine interface {
	ExecuteNow(ctx context.Context, taskID string) (domain.TaskExecution, error)
	Cancel(executionID string) error
}

type Options struct {
	Engine      Engine
	Metrics     *metrics.Metrics
	Location    *time.Location
	Clock       clock.Clock
	Debug       bool
	CORSOrigins []string
}

type Server struct {
	r      *chi.Mux
	repo   store.Repository
	engine Engine
	loc    *time.Location
	clock  clock.Clock
}

func NewServer(repo store.Repository, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	s := &Server{r: r, repo: repo, engine: opts.Engine, loc: opts.Location, clock: opts.Clock}
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.clock == nil {
		s.clock = clock.System{}
	}

	r.Get("/health", s.health)
	r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())

	r.Route("/api/tasks", func(r chi.Router) {
		r.Post("/", s.createTask)
		r.Get("/", s.listTasks)
		r.Get("/{id}", s.getTask)
		r.Put("/{id}", s.updateTask)
		r.Delete("/{id}", s.deleteTask)
		r.Post("/{id}/activate", s.activateTask)
		r.Post("/{id}/deactivate", s.deactivateTask)
		r.Post("/{id}/execute", s.executeTask)
		r.Get("/{id}/executions", s.listExecutions)
	})
	r.Get("/api/executions/{id}", s.getExecution)
	r.Post("/api/executions/{id}/cancel", s.cancelExecution)

	// Debug routes (pprof)
	if opts.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
		r.Handle("/debug/pprof/threadcreate", pprof.Handler("threadcreate"))
		r.Handle("/debug/pprof/block", pprof.Handler("block"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type taskReq struct {
	OwnerID      *string           `json:"owner_id"`
	Name         *string           `json:"name"`
	Description  *string           `json:"description"`
	TaskType     *domain.TaskType  `json:"task_type"`
	Frequency    *domain.Frequency `json:"frequency"`
	ScheduleTime *string           `json:"schedule_time"`
	ScheduleDays *[]int            `json:"schedule_days"`
	TaskConfig   json.RawMessage   `json:"task_config"`
	IsActive     *bool             `json:"is_active"`
}

// apply copies the set fields and reports whether the schedule changed.
func (req taskReq) apply(t *domain.ScheduledTask) bool {
	changed := false
	if req.OwnerID != nil {
		t.OwnerID = *req.OwnerID
	}
	if req.Name != nil {
		t.Name = *req.Name
	}
	if req.Description != nil {
		t.Description = *req.Description
	}
	if req.TaskType != nil {
		t.TaskType = *req.TaskType
	}
	if req.TaskConfig != nil {
		t.TaskConfig = req.TaskConfig
	}
	if req.Frequency != nil && *req.Frequency != t.Frequency {
		t.Frequency = *req.Frequency
		changed = true
	}
	if req.ScheduleTime != nil && *req.ScheduleTime != t.ScheduleTime {
		t.ScheduleTime = *req.ScheduleTime
		changed = true
	}
	if req.ScheduleDays != nil && !sameDays(*req.ScheduleDays, t.ScheduleDays) {
		t.ScheduleDays = *req.ScheduleDays
		changed = true
	}
	if req.IsActive != nil && *req.IsActive != t.IsActive {
		t.IsActive = *req.IsActive
		changed = true
	}
	return changed
}

// sameDays compares weekday sets, ignoring order and repeats.
func sameDays(a, b []int) bool {
	var ma, mb [7]bool
	for _, d := range a {
		if d < 0 || d > 6 {
			return false
		}
		ma[d] = true
	}
	for _, d := range b {
		if d < 0 || d > 6 {
			return false
		}
		mb[d] = true
	}
	return ma == mb
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req taskReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	now := s.clock.Now()
	task := domain.ScheduledTask{IsActive: true, CreatedAt: now}
	req.apply(&task)
	if err := task.Validate(); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if err := s.reschedule(&task, now); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}

	id, err := s.repo.CreateTask(r.Context(), task)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	created, err := s.repo.GetTask(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	log.Info().Str("task_id", id).Str("task_type", string(task.TaskType)).Msg("task created")
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.repo.ListTasks(r.Context(), r.URL.Query().Get("owner_id"))
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if tasks == nil {
		tasks = []domain.ScheduledTask{}
	}
	writeJSON(w, 200, tasks)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	writeJSON(w, 200, task)
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	var req taskReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	changed := req.apply(&task)
	if err := task.Validate(); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if changed {
		if err := s.reschedule(&task, s.clock.Now()); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
	}
	s.saveTask(w, r, task, changed)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.repo.DeleteTask(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) activateTask(w http.ResponseWriter, r *http.Request) {
	s.setActive(w, r, true)
}

func (s *Server) deactivateTask(w http.ResponseWriter, r *http.Request) {
	s.setActive(w, r, false)
}

func (s *Server) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	task.IsActive = active
	if err := s.reschedule(&task, s.clock.Now()); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	s.saveTask(w, r, task, true)
}

func (s *Server) executeTask(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		http.Error(w, "dispatcher not available", http.StatusServiceUnavailable)
		return
	}
	exec, err := s.engine.ExecuteNow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, 200, exec)
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	execs, err := s.repo.ListExecutions(r.Context(), task.ID, limit, offset)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if execs == nil {
		execs = []domain.TaskExecution{}
	}
	writeJSON(w, 200, execs)
}

func (s *Server) getExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.repo.GetExecution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, 200, exec)
}

func (s *Server) cancelExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.repo.GetExecution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if exec.Status != domain.StatusRunning {
		http.Error(w, "execution is "+string(exec.Status), http.StatusConflict)
		return
	}
	if s.engine == nil {
		http.Error(w, "dispatcher not available", http.StatusServiceUnavailable)
		return
	}
	if err := s.engine.Cancel(exec.ID); err != nil {
		if errors.Is(err, scheduler.ErrNotRunning) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": exec.ID, "status": "cancelling"})
}

func (s *Server) loadTask(w http.ResponseWriter, r *http.Request) (domain.ScheduledTask, bool) {
	task, err := s.repo.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return task, false
	}
	return task, true
}

// saveTask writes the task definition. Run state is only written when the
// schedule or activation changed.
func (s *Server) saveTask(w http.ResponseWriter, r *http.Request, task domain.ScheduledTask, reschedule bool) {
	if err := s.repo.UpdateDefinition(r.Context(), task, reschedule); err != nil {
		writeStoreError(w, err)
		return
	}
	updated, err := s.repo.GetTask(r.Context(), task.ID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, 200, updated)
}

// reschedule recomputes next_run from now and starts a fresh retry cycle.
func (s *Server) reschedule(task *domain.ScheduledTask, now time.Time) error {
	next, err := scheduler.NextRun(*task, now, s.loc)
	if err != nil {
		return err
	}
	task.NextRun = next
	task.RetryAttempts = 0
	return nil
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "not found", 404)
	case errors.Is(err, store.ErrAlreadyClaimed):
		http.Error(w, "task is already running", http.StatusConflict)
	default:
		http.Error(w, err.Error(), 500)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
