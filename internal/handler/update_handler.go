package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/omniforge/zonemind/internal/executor"
	"github.com/omniforge/zonemind/internal/middleware"
	"github.com/omniforge/zonemind/internal/models"
	apierrors "github.com/omniforge/zonemind/internal/pkg/errors"
	"github.com/omniforge/zonemind/internal/pkg/response"
	"github.com/omniforge/zonemind/internal/taskqueue"
)

// UpdateHandler serves the system update endpoints. Checks run synchronously
// as pkg dry runs; installs and refreshes run as tasks.
type UpdateHandler struct {
	executor SystemExecutor
	queue    TaskQueue
}

// NewUpdateHandler creates a new update handler.
func NewUpdateHandler(exec SystemExecutor, queue TaskQueue) *UpdateHandler {
	return &UpdateHandler{executor: exec, queue: queue}
}

// Routes returns the update API routes, mounted under /system/updates.
func (h *UpdateHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/check", h.Check)
	r.Post("/install", h.Install)
	r.Post("/refresh", h.Refresh)
	r.Get("/history", h.History)

	return r
}

// InstallHTTPRequest is the request body for installing updates.
type InstallHTTPRequest struct {
	Reject []string `json:"reject,omitempty"`
}

// Check handles GET /system/updates/check. The dry run can take minutes on
// a cold pkg catalog; the request context bounds it.
func (h *UpdateHandler) Check(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	switch format {
	case "", "structured", "raw":
	default:
		response.Error(w, apierrors.NewValidationError("format", "must be structured or raw"))
		return
	}

	check, err := h.executor.CheckUpdates(r.Context(), format == "raw")
	if err != nil {
		response.Error(w, apierrors.NewInternalError(err.Error()))
		return
	}
	response.OK(w, check)
}

// Install handles POST /system/updates/install
func (h *UpdateHandler) Install(w http.ResponseWriter, r *http.Request) {
	var req InstallHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}

	task, err := h.queue.Enqueue(r.Context(), taskqueue.EnqueueRequest{
		Operation: models.OpSystemUpdateInstall,
		ZoneName:  models.ZoneSystem,
		Params:    &executor.InstallUpdatesParams{Reject: req.Reject},
		CreatedBy: middleware.GetPrincipal(r.Context()),
	})
	if err != nil {
		response.Error(w, apierrors.AsAPIError(err))
		return
	}

	taskAccepted(w, task, "system update queued", map[string]any{
		"warnings": []string{"A new boot environment may be created; a reboot may be required to activate it"},
	})
}

// Refresh handles POST /system/updates/refresh
func (h *UpdateHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	task, err := h.queue.Enqueue(r.Context(), taskqueue.EnqueueRequest{
		Operation: models.OpSystemUpdateRefresh,
		ZoneName:  models.ZoneSystem,
		CreatedBy: middleware.GetPrincipal(r.Context()),
	})
	if err != nil {
		response.Error(w, apierrors.AsAPIError(err))
		return
	}

	taskAccepted(w, task, "package catalog refresh queued", nil)
}

// History handles GET /system/updates/history
func (h *UpdateHandler) History(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			response.Error(w, apierrors.NewValidationError("limit", "must be between 1 and 500"))
			return
		}
		limit = n
	}

	entries, err := h.executor.UpdateHistory(r.Context(), limit)
	if err != nil {
		response.Error(w, apierrors.NewInternalError(err.Error()))
		return
	}
	if entries == nil {
		entries = []executor.UpdateHistoryEntry{}
	}

	response.OK(w, map[string]any{
		"history": entries,
		"total":   len(entries),
	})
}
