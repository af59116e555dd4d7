package handler

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/omniforge/zonemind/internal/executor"
	"github.com/omniforge/zonemind/internal/models"
	"github.com/omniforge/zonemind/internal/taskqueue"
)

func newHostHandler() (*HostHandler, *mockExecutor, *mockTaskQueue, *mockProjections) {
	exec := new(mockExecutor)
	queue := new(mockTaskQueue)
	projections := new(mockProjections)
	return NewHostHandler(exec, queue, projections), exec, queue, projections
}

func TestHostHandler_Restart(t *testing.T) {
	h, _, queue, projections := newHostHandler()

	queue.On("Enqueue", mock.Anything, mock.MatchedBy(func(req taskqueue.EnqueueRequest) bool {
		p, ok := req.Params.(*executor.HostLifecycleParams)
		return ok && req.Operation == models.OpHostRestart &&
			req.ZoneName == models.ZoneSystem &&
			req.CreatedBy == "test-operator" &&
			p.InitiatedBy == "test-operator"
	})).Return(testTask("host-1", models.OpHostRestart), nil)
	projections.On("SetRebootStatus", mock.Anything, mock.MatchedBy(func(s *models.RebootStatus) bool {
		return s.Operation == models.OpHostRestart &&
			s.TaskID != nil && *s.TaskID == "host-1" &&
			s.GracePeriod != nil && *s.GracePeriod == 60 &&
			s.InitiatedBy != nil && *s.InitiatedBy == "test-operator"
	})).Return(nil)

	rec := doJSON(t, h.Routes(), http.MethodPost, "/restart", LifecycleHTTPRequest{Confirm: true})

	assert.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "host-1", body["task_id"])
	assert.Equal(t, float64(60), body["grace_period"])
	warnings := body["warnings"].([]any)
	require.NotEmpty(t, warnings)
	assert.Contains(t, warnings[0], "interrupt all system services")
	queue.AssertExpectations(t)
	projections.AssertExpectations(t)
}

func TestHostHandler_Lifecycle_RequiresConfirm(t *testing.T) {
	h, _, queue, _ := newHostHandler()

	rec := doJSON(t, h.Routes(), http.MethodPost, "/reboot", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "Confirmation required")

	rec = doJSON(t, h.Routes(), http.MethodPost, "/reboot", LifecycleHTTPRequest{Confirm: false})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	queue.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
}

func TestHostHandler_Lifecycle_GraceBounds(t *testing.T) {
	h, _, queue, _ := newHostHandler()

	grace := 9000
	rec := doJSON(t, h.Routes(), http.MethodPost, "/shutdown", LifecycleHTTPRequest{
		Confirm:     true,
		GracePeriod: &grace,
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "precondition_failed", decodeBody(t, rec)["code"])
	queue.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
}

func TestHostHandler_Lifecycle_CustomGrace(t *testing.T) {
	h, _, queue, projections := newHostHandler()

	queue.On("Enqueue", mock.Anything, mock.Anything).Return(testTask("host-2", models.OpHostShutdown), nil)
	projections.On("SetRebootStatus", mock.Anything, mock.Anything).Return(nil)

	grace := 300
	rec := doJSON(t, h.Routes(), http.MethodPost, "/shutdown", LifecycleHTTPRequest{
		Confirm:     true,
		GracePeriod: &grace,
		Message:     "maintenance window",
	})

	assert.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(300), body["grace_period"])
	warnings := body["warnings"].([]any)
	assert.Contains(t, warnings[0], "powered back on")
}

func TestHostHandler_Halt_RequiresEmergency(t *testing.T) {
	h, _, queue, projections := newHostHandler()

	rec := doJSON(t, h.Routes(), http.MethodPost, "/halt", LifecycleHTTPRequest{Confirm: true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "emergency")

	queue.On("Enqueue", mock.Anything, mock.Anything).Return(testTask("host-3", models.OpHostHalt), nil)
	projections.On("SetRebootStatus", mock.Anything, mock.Anything).Return(nil)

	rec = doJSON(t, h.Routes(), http.MethodPost, "/halt", LifecycleHTTPRequest{Confirm: true, Emergency: true})
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestHostHandler_RunlevelChange(t *testing.T) {
	h, _, queue, projections := newHostHandler()

	queue.On("Enqueue", mock.Anything, mock.MatchedBy(func(req taskqueue.EnqueueRequest) bool {
		p := req.Params.(*executor.HostLifecycleParams)
		return req.Operation == models.OpHostRunlevelChange && p.Runlevel == "s"
	})).Return(testTask("host-4", models.OpHostRunlevelChange), nil)
	projections.On("SetRebootStatus", mock.Anything, mock.Anything).Return(nil)

	rec := doJSON(t, h.Routes(), http.MethodPost, "/runlevel", LifecycleHTTPRequest{Confirm: true, Runlevel: "s"})
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(t, h.Routes(), http.MethodPost, "/runlevel", LifecycleHTTPRequest{Confirm: true, Runlevel: "9"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHostHandler_Lifecycle_BadOrchestration(t *testing.T) {
	h, _, queue, _ := newHostHandler()

	rec := doJSON(t, h.Routes(), http.MethodPost, "/restart", LifecycleHTTPRequest{
		Confirm: true,
		ZoneOrchestration: &executor.ZoneOrchestrationPlan{
			Enabled:  true,
			Strategy: "alphabetical",
		},
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	queue.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
}

func TestHostHandler_Lifecycle_ProjectionFailureIsNotFatal(t *testing.T) {
	h, _, queue, projections := newHostHandler()

	queue.On("Enqueue", mock.Anything, mock.Anything).Return(testTask("host-5", models.OpHostReboot), nil)
	projections.On("SetRebootStatus", mock.Anything, mock.Anything).Return(assert.AnError)

	rec := doJSON(t, h.Routes(), http.MethodPost, "/reboot", LifecycleHTTPRequest{Confirm: true})

	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestHostHandler_Lifecycle_SanitizesProjectionMessage(t *testing.T) {
	h, _, queue, projections := newHostHandler()

	queue.On("Enqueue", mock.Anything, mock.Anything).Return(testTask("host-6", models.OpHostShutdown), nil)
	projections.On("SetRebootStatus", mock.Anything, mock.MatchedBy(func(s *models.RebootStatus) bool {
		return s.Message != nil && *s.Message == "disk swap at 2200"
	})).Return(nil)

	rec := doJSON(t, h.Routes(), http.MethodPost, "/shutdown", LifecycleHTTPRequest{
		Confirm: true,
		Message: `disk swap at "2200"`,
	})

	assert.Equal(t, http.StatusAccepted, rec.Code)
	projections.AssertExpectations(t)
}

func TestHostHandler_GetRunlevel(t *testing.T) {
	h, exec, _, _ := newHostHandler()

	exec.On("CurrentRunlevel", mock.Anything).Return("3", nil)

	rec := doJSON(t, h.Routes(), http.MethodGet, "/runlevel", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "3", decodeBody(t, rec)["runlevel"])
}

func TestHostHandler_Status(t *testing.T) {
	h, exec, _, _ := newHostHandler()

	exec.On("Status", mock.Anything).Return(&executor.HostStatus{
		Hostname:        "omnios-host",
		OS:              "SunOS 5.11",
		CurrentRunlevel: "3",
		UptimeSeconds:   86400,
		LoadAverages:    []float64{0.12, 0.15, 0.2},
	})

	rec := doJSON(t, h.Routes(), http.MethodGet, "/status", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "omnios-host", body["hostname"])
	assert.Equal(t, "3", body["current_runlevel"])
}

func TestHostHandler_Uptime(t *testing.T) {
	h, exec, _, _ := newHostHandler()

	exec.On("Status", mock.Anything).Return(&executor.HostStatus{
		Hostname:      "omnios-host",
		UptimeSeconds: 3600,
		LoadAverages:  []float64{0.5, 0.4, 0.3},
	})

	rec := doJSON(t, h.Routes(), http.MethodGet, "/uptime", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(3600), body["uptime_seconds"])
	assert.NotContains(t, body, "zones")
}

func TestHostHandler_RebootStatus(t *testing.T) {
	h, _, _, projections := newHostHandler()

	projections.On("GetRebootStatus", mock.Anything).Return(nil, nil).Once()

	rec := doJSON(t, h.Routes(), http.MethodGet, "/reboot-status", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeBody(t, rec)["pending"])

	taskID := "host-7"
	projections.On("GetRebootStatus", mock.Anything).Return(&models.RebootStatus{
		Operation:   models.OpHostReboot,
		TaskID:      &taskID,
		InitiatedAt: time.Now().UTC(),
	}, nil).Once()

	rec = doJSON(t, h.Routes(), http.MethodGet, "/reboot-status", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["pending"])
	status := body["reboot_status"].(map[string]any)
	assert.Equal(t, models.OpHostReboot, status["operation"])
}

func TestHostHandler_ClearRebootStatus(t *testing.T) {
	h, _, _, projections := newHostHandler()

	projections.On("ClearRebootStatus", mock.Anything).Return(true, nil).Once()
	rec := doJSON(t, h.Routes(), http.MethodDelete, "/reboot-status", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	projections.On("ClearRebootStatus", mock.Anything).Return(false, nil).Once()
	rec = doJSON(t, h.Routes(), http.MethodDelete, "/reboot-status", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
