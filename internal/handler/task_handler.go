package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/omniforge/zonemind/internal/models"
	apierrors "github.com/omniforge/zonemind/internal/pkg/errors"
	"github.com/omniforge/zonemind/internal/pkg/response"
	"github.com/omniforge/zonemind/internal/repository"
	"github.com/omniforge/zonemind/internal/taskqueue"
)

// TaskHandler exposes the task queue: listing, polling, cancel and stats.
type TaskHandler struct {
	queue TaskQueue
	tasks TaskStore
}

// NewTaskHandler creates a new task handler.
func NewTaskHandler(queue TaskQueue, tasks TaskStore) *TaskHandler {
	return &TaskHandler{queue: queue, tasks: tasks}
}

// Routes returns a chi router with task routes.
func (h *TaskHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.List)
	r.Get("/stats", h.Stats)
	r.Get("/{id}", h.Get)
	r.Delete("/{id}", h.Cancel)

	return r
}

// List handles GET /tasks
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r, 50, 500)
	filter := repository.TaskFilter{
		Operation: r.URL.Query().Get("operation"),
		ZoneName:  r.URL.Query().Get("zone_name"),
		Limit:     limit,
		Offset:    offset,
	}

	if statusParam := r.URL.Query().Get("status"); statusParam != "" {
		for _, s := range strings.Split(statusParam, ",") {
			status := models.TaskStatus(strings.TrimSpace(s))
			switch status {
			case models.TaskPending, models.TaskRunning, models.TaskCompleted, models.TaskFailed, models.TaskCancelled:
				filter.Status = append(filter.Status, status)
			default:
				response.Error(w, apierrors.NewValidationError("status", "unknown status "+string(status)))
				return
			}
		}
	}

	tasks, total, err := h.tasks.List(r.Context(), filter)
	if err != nil {
		response.Error(w, err)
		return
	}
	if tasks == nil {
		tasks = []*models.Task{}
	}

	response.OK(w, map[string]any{
		"tasks":      tasks,
		"pagination": pagination(total, limit, offset),
	})
}

// Get handles GET /tasks/{id}
func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	task, err := h.tasks.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, err)
		return
	}
	if task == nil {
		response.Error(w, apierrors.NewNotFoundError("task"))
		return
	}
	response.OK(w, task)
}

// Cancel handles DELETE /tasks/{id}
func (h *TaskHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	outcome, err := h.queue.Cancel(r.Context(), id)
	if err != nil {
		response.Error(w, err)
		return
	}

	message := "task cancelled"
	if outcome == taskqueue.CancelRequested {
		message = "cancellation requested; the task stops at the next checkpoint"
	}
	response.OK(w, map[string]any{
		"success": true,
		"message": message,
		"task_id": id,
		"status":  outcome,
	})
}

// Stats handles GET /tasks/stats
func (h *TaskHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.tasks.Stats(r.Context())
	if err != nil {
		response.Error(w, err)
		return
	}

	response.OK(w, map[string]any{
		"queue":         stats,
		"running_now":   h.queue.RunningCount(),
		"running_tasks": h.queue.RunningTasks(),
	})
}
