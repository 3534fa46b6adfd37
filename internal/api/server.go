package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"sentiment-pipeline/internal/jobs"
	"sentiment-pipeline/internal/models"
	"sentiment-pipeline/internal/store"
	"sentiment-pipeline/internal/telemetry"
)

// TaskStore is the persistence the producer API needs.
type TaskStore interface {
	CreateTask(ctx context.Context, p store.CreateTaskParams) (models.Task, error)
	GetTask(ctx context.Context, id int64) (models.Task, error)
	GetSubTask(ctx context.Context, id int64) (models.SubTask, error)
	UpdateTaskStatus(ctx context.Context, id int64, status models.TaskStatus) error
}

// Queue is the task queue the API feeds.
type Queue interface {
	Enqueue(ctx context.Context, taskID int64, priority string, runAt time.Time) error
	Cancel(ctx context.Context, taskID int64) error
	DLQPeek(ctx context.Context, count int64) ([]int64, error)
}

// Limiter takes one token for key.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Server wires HTTP handlers for the producer API.
type Server struct {
	store    TaskStore
	queue    Queue
	limiter  Limiter
	validate *validator.Validate
	log      *logrus.Entry
	now      func() time.Time
}

// New constructs the API server. limiter may be nil to disable rate limiting.
func New(st TaskStore, q Queue, limiter Limiter, log *logrus.Entry) *Server {
	return &Server{
		store:    st,
		queue:    q,
		limiter:  limiter,
		validate: validator.New(),
		log:      log,
		now:      time.Now,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/tasks", s.handleCreateTask)
	r.Get("/tasks/{id}", s.handleGetTask)
	r.Post("/tasks/{id}/cancel", s.handleCancel)
	r.Get("/subtasks/{id}", s.handleGetSubTask)
	r.Get("/dlq", s.handleDLQ)
	return r
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("request served")
	})
}

type createTaskRequest struct {
	UserID       string          `json:"user_id" validate:"required"`
	ProviderID   int64           `json:"provider_id" validate:"required,gt=0"`
	Type         models.TaskType `json:"type" validate:"required,oneof=FULL_SYNC PARTIAL_SYNC ANALYZE_POST ANALYZE_COMMENTS TRACK_KEYWORDS EXPORT"`
	Payload      map[string]any  `json:"payload"`
	Priority     string          `json:"priority" validate:"omitempty,oneof=high default low"`
	DelaySeconds int             `json:"delay_seconds" validate:"gte=0"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Payload == nil {
		req.Payload = map[string]any{}
	}
	if req.Type == models.TaskExport {
		if _, err := jobs.BuildExportOptions(req.Payload, req.UserID); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), fmt.Sprintf("rl:user:%s", req.UserID))
		if err != nil {
			s.log.WithError(err).Error("rate limiter unavailable")
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	task, err := s.store.CreateTask(r.Context(), store.CreateTaskParams{
		UserID:     req.UserID,
		ProviderID: req.ProviderID,
		Type:       req.Type,
		Payload:    req.Payload,
	})
	if err != nil {
		s.log.WithError(err).WithField("user_id", req.UserID).Error("create task")
		writeError(w, http.StatusInternalServerError, "create task failed")
		return
	}

	runAt := s.now()
	if req.DelaySeconds > 0 {
		runAt = runAt.Add(time.Duration(req.DelaySeconds) * time.Second)
	}
	log := s.log.WithFields(logrus.Fields{"task_id": task.ID, "user_id": task.UserID, "task_type": task.Type})
	if err := s.queue.Enqueue(r.Context(), task.ID, req.Priority, runAt); err != nil {
		log.WithError(err).Error("enqueue task")
		if uerr := s.store.UpdateTaskStatus(r.Context(), task.ID, models.TaskFailed); uerr != nil {
			log.WithError(uerr).Error("mark unqueued task failed")
		}
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	telemetry.EnqueueCounter.Inc()
	log.WithField("subtasks", len(task.SubTasks)).Info("task enqueued")

	writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleGetSubTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	sub, err := s.store.GetSubTask(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// handleCancel withdraws a task that has not started yet.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if task.Status != models.TaskPending {
		writeError(w, http.StatusConflict, fmt.Sprintf("task is %s", task.Status))
		return
	}
	if err := s.queue.Cancel(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to cancel queue item")
		return
	}
	if err := s.store.UpdateTaskStatus(r.Context(), id, models.TaskFailed); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to cancel task")
		return
	}
	s.log.WithField("task_id", id).Info("task cancelled")
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// handleDLQ returns the DLQ contents (IDs only).
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read dlq")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	s.log.WithError(err).Error("store query")
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
