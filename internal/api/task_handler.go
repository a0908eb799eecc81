// Package api exposes the scheduler's Submit/Status/Wait operations
// over HTTP. Handlers are glue only: decode, delegate, encode. No
// retry or scheduling decisions live here.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/driftlock/dispatch/internal/domain"
	"github.com/driftlock/dispatch/internal/scheduler"
)

// defaultWaitTimeout applies when a wait request names no timeout.
const defaultWaitTimeout = 30 * time.Second

// ModelDefaults selects a model for prompt payloads that do not name
// one, by task priority.
type ModelDefaults struct {
	High string
	Low  string
}

// TaskHandler handles task submission and inspection requests.
type TaskHandler struct {
	scheduler *scheduler.Scheduler
	models    ModelDefaults
	validator *validator.Validate
	logger    *slog.Logger
}

// NewTaskHandler creates a task API handler.
func NewTaskHandler(s *scheduler.Scheduler, models ModelDefaults, logger *slog.Logger) *TaskHandler {
	return &TaskHandler{
		scheduler: s,
		models:    models,
		validator: validator.New(),
		logger:    logger,
	}
}

// Routes mounts the task endpoints on a chi router.
func (h *TaskHandler) Routes(r chi.Router) {
	r.Post("/tasks", h.Submit)
	r.Get("/tasks/{id}", h.Status)
	r.Get("/tasks/{id}/wait", h.Wait)
	r.Get("/stats", h.Stats)
}

// submitRequest is the submission envelope. Payload is decoded by Type.
type submitRequest struct {
	Type     string          `json:"type"     validate:"required,oneof=prompt search fetch execute"`
	Priority string          `json:"priority" validate:"omitempty,oneof=high low"`
	Payload  json.RawMessage `json:"payload"  validate:"required"`
}

// submitResponse returns the new task's ID.
type submitResponse struct {
	TaskID uuid.UUID `json:"task_id"`
}

// Submit handles POST /tasks.
func (h *TaskHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.validator.Struct(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("validation failed: %v", err))
		return
	}

	priority := domain.PriorityLow
	if req.Priority == string(domain.PriorityHigh) {
		priority = domain.PriorityHigh
	}

	payload, err := h.decodePayload(req, priority)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := h.scheduler.Submit(payload, priority, nil)
	if err != nil {
		switch {
		case errors.Is(err, scheduler.ErrQueueFull):
			respondError(w, http.StatusServiceUnavailable, "queue is full, try again later")
		case errors.Is(err, scheduler.ErrQueueClosed), errors.Is(err, scheduler.ErrNotStarted):
			respondError(w, http.StatusServiceUnavailable, "scheduler is not accepting tasks")
		default:
			h.logger.Error("task submission failed", "error", err)
			respondError(w, http.StatusInternalServerError, "failed to submit task")
		}
		return
	}

	respondJSON(w, http.StatusAccepted, submitResponse{TaskID: id})
}

// decodePayload turns the raw payload into its tagged-union form. For
// prompt payloads without an explicit model, the default model is
// chosen by priority: HIGH tasks get the stronger model.
func (h *TaskHandler) decodePayload(req submitRequest, priority domain.TaskPriority) (domain.Payload, error) {
	switch domain.TaskType(req.Type) {
	case domain.TaskTypePrompt:
		var p domain.PromptPayload
		if err := json.Unmarshal(req.Payload, &p); err != nil || p.Prompt == "" {
			return nil, errors.New("prompt payload requires a non-empty prompt")
		}
		if p.Model == "" {
			if priority == domain.PriorityHigh {
				p.Model = h.models.High
			} else {
				p.Model = h.models.Low
			}
		}
		return p, nil

	case domain.TaskTypeSearch:
		var p domain.SearchPayload
		if err := json.Unmarshal(req.Payload, &p); err != nil || p.Query == "" {
			return nil, errors.New("search payload requires a non-empty query")
		}
		return p, nil

	case domain.TaskTypeFetch:
		var p domain.FetchPayload
		if err := json.Unmarshal(req.Payload, &p); err != nil || p.URL == "" {
			return nil, errors.New("fetch payload requires a non-empty url")
		}
		return p, nil

	case domain.TaskTypeExecute:
		var p domain.ExecutePayload
		if err := json.Unmarshal(req.Payload, &p); err != nil || p.Command == "" {
			return nil, errors.New("execute payload requires a non-empty command")
		}
		return p, nil

	default:
		return nil, fmt.Errorf("unknown task type %q", req.Type)
	}
}

// Status handles GET /tasks/{id}.
func (h *TaskHandler) Status(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid task ID")
		return
	}

	snap, err := h.scheduler.Status(id)
	if err != nil {
		if errors.Is(err, domain.ErrTaskNotFound) {
			respondError(w, http.StatusNotFound, "task not found")
			return
		}
		h.logger.Error("status lookup failed", "task_id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to look up task")
		return
	}

	respondJSON(w, http.StatusOK, snap)
}

// Wait handles GET /tasks/{id}/wait?timeout=10s.
func (h *TaskHandler) Wait(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid task ID")
		return
	}

	timeout := defaultWaitTimeout
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			respondError(w, http.StatusBadRequest, "invalid timeout")
			return
		}
		timeout = parsed
	}

	snap, err := h.scheduler.Wait(id, timeout)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrTaskNotFound):
			respondError(w, http.StatusNotFound, "task not found")
		case errors.Is(err, domain.ErrWaitTimeout):
			respondError(w, http.StatusRequestTimeout, "timed out waiting for task")
		default:
			h.logger.Error("wait failed", "task_id", id, "error", err)
			respondError(w, http.StatusInternalServerError, "failed to wait for task")
		}
		return
	}

	respondJSON(w, http.StatusOK, snap)
}

// Stats handles GET /stats.
func (h *TaskHandler) Stats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.scheduler.Stats())
}
