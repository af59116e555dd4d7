package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/omniforge/zonemind/internal/executor"
	"github.com/omniforge/zonemind/internal/middleware"
	"github.com/omniforge/zonemind/internal/models"
	apierrors "github.com/omniforge/zonemind/internal/pkg/errors"
	"github.com/omniforge/zonemind/internal/pkg/response"
	"github.com/omniforge/zonemind/internal/taskqueue"
)

// HostHandler serves host lifecycle operations and host status queries.
type HostHandler struct {
	executor    SystemExecutor
	queue       TaskQueue
	projections RebootProjection
}

// NewHostHandler creates a new host handler.
func NewHostHandler(exec SystemExecutor, queue TaskQueue, projections RebootProjection) *HostHandler {
	return &HostHandler{
		executor:    exec,
		queue:       queue,
		projections: projections,
	}
}

// Routes returns the host API routes, mounted under /system/host.
func (h *HostHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/restart", h.lifecycle(models.OpHostRestart))
	r.Post("/reboot", h.lifecycle(models.OpHostReboot))
	r.Post("/reboot/fast", h.lifecycle(models.OpHostFastReboot))
	r.Post("/shutdown", h.lifecycle(models.OpHostShutdown))
	r.Post("/poweroff", h.lifecycle(models.OpHostPoweroff))
	r.Post("/halt", h.lifecycle(models.OpHostHalt))
	r.Post("/single-user", h.lifecycle(models.OpHostEnterSingleUser))
	r.Post("/multi-user", h.lifecycle(models.OpHostEnterMultiUser))

	r.Get("/runlevel", h.GetRunlevel)
	r.Post("/runlevel", h.lifecycle(models.OpHostRunlevelChange))

	r.Get("/status", h.Status)
	r.Get("/uptime", h.Uptime)
	r.Get("/reboot-status", h.GetRebootStatus)
	r.Delete("/reboot-status", h.ClearRebootStatus)

	return r
}

// LifecycleHTTPRequest is the request body shared by all host lifecycle
// endpoints. Every operation requires an explicit confirm.
type LifecycleHTTPRequest struct {
	Confirm           bool                            `json:"confirm"`
	GracePeriod       *int                            `json:"grace_period,omitempty"`
	Message           string                          `json:"message,omitempty"`
	Runlevel          string                          `json:"runlevel,omitempty"`
	Emergency         bool                            `json:"emergency,omitempty"`
	ZoneOrchestration *executor.ZoneOrchestrationPlan `json:"zone_orchestration,omitempty"`
}

func (h *HostHandler) lifecycle(operation string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req LifecycleHTTPRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
			return
		}
		if !req.Confirm {
			response.Error(w, apierrors.ErrBadRequest.WithMessage("Confirmation required"))
			return
		}

		principal := middleware.GetPrincipal(r.Context())
		params := &executor.HostLifecycleParams{
			GracePeriodSeconds: req.GracePeriod,
			Message:            req.Message,
			Runlevel:           req.Runlevel,
			Emergency:          req.Emergency,
			InitiatedBy:        principal,
			ZoneOrchestration:  req.ZoneOrchestration,
		}
		grace, err := executor.ValidateLifecycleParams(operation, params)
		if err != nil {
			response.Error(w, apierrors.NewPreconditionError(err.Error()))
			return
		}

		task, err := h.queue.Enqueue(r.Context(), taskqueue.EnqueueRequest{
			Operation: operation,
			ZoneName:  models.ZoneSystem,
			Params:    params,
			CreatedBy: principal,
		})
		if err != nil {
			response.Error(w, apierrors.AsAPIError(err))
			return
		}

		// Best effort: the projection lets clients that reconnect after the
		// reboot see what took the host down.
		status := &models.RebootStatus{
			Operation:   operation,
			TaskID:      &task.ID,
			GracePeriod: &grace,
			InitiatedAt: time.Now().UTC(),
		}
		if principal != "" {
			status.InitiatedBy = &principal
		}
		if msg := executor.SanitizeMessage(req.Message); msg != "" {
			status.Message = &msg
		}
		_ = h.projections.SetRebootStatus(r.Context(), status)

		taskAccepted(w, task, operation+" queued", map[string]any{
			"grace_period": grace,
			"warnings":     lifecycleWarnings(operation),
		})
	}
}

// lifecycleWarnings lists what the caller is about to do to the host. The
// shutdown family interrupts everything including this API.
func lifecycleWarnings(operation string) []string {
	switch operation {
	case models.OpHostRestart, models.OpHostReboot:
		return []string{"This will interrupt all system services until the host is back up"}
	case models.OpHostFastReboot:
		return []string{
			"This will interrupt all system services until the host is back up",
			"Fast reboot bypasses firmware and boot loader checks",
		}
	case models.OpHostShutdown, models.OpHostPoweroff:
		return []string{"This will interrupt all system services until the host is powered back on"}
	case models.OpHostHalt:
		return []string{
			"This will interrupt all system services immediately",
			"Halt does not sync filesystems; unsaved data may be lost",
		}
	case models.OpHostEnterSingleUser:
		return []string{"Single-user mode stops multi-user services, including this API"}
	case models.OpHostRunlevelChange:
		return []string{"Changing the runlevel may stop services, including this API"}
	}
	return nil
}

// GetRunlevel handles GET /system/host/runlevel
func (h *HostHandler) GetRunlevel(w http.ResponseWriter, r *http.Request) {
	level, err := h.executor.CurrentRunlevel(r.Context())
	if err != nil {
		response.Error(w, apierrors.NewInternalError("failed to read current runlevel"))
		return
	}
	response.OK(w, map[string]any{"runlevel": level})
}

// Status handles GET /system/host/status
func (h *HostHandler) Status(w http.ResponseWriter, r *http.Request) {
	response.OK(w, h.executor.Status(r.Context()))
}

// Uptime handles GET /system/host/uptime
func (h *HostHandler) Uptime(w http.ResponseWriter, r *http.Request) {
	status := h.executor.Status(r.Context())
	response.OK(w, map[string]any{
		"hostname":       status.Hostname,
		"uptime_seconds": status.UptimeSeconds,
		"load_averages":  status.LoadAverages,
	})
}

// GetRebootStatus handles GET /system/host/reboot-status
func (h *HostHandler) GetRebootStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.projections.GetRebootStatus(r.Context())
	if err != nil {
		response.Error(w, apierrors.NewInternalError("failed to read reboot status"))
		return
	}
	if status == nil {
		response.OK(w, map[string]any{"pending": false})
		return
	}
	response.OK(w, map[string]any{
		"pending":       true,
		"reboot_status": status,
	})
}

// ClearRebootStatus handles DELETE /system/host/reboot-status
func (h *HostHandler) ClearRebootStatus(w http.ResponseWriter, r *http.Request) {
	cleared, err := h.projections.ClearRebootStatus(r.Context())
	if err != nil {
		response.Error(w, apierrors.NewInternalError("failed to clear reboot status"))
		return
	}
	if !cleared {
		response.Error(w, apierrors.NewNotFoundError("reboot status"))
		return
	}
	response.OK(w, map[string]any{"message": "reboot status cleared"})
}
