package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/omniforge/zonemind/internal/logstream"
	"github.com/omniforge/zonemind/internal/models"
	apierrors "github.com/omniforge/zonemind/internal/pkg/errors"
	"github.com/omniforge/zonemind/internal/pkg/response"
)

// LogStreamHandler serves log stream session management. Starting a stream
// is a two-step handshake: the REST call returns a session id plus a
// one-time cookie, and the WebSocket endpoint redeems them.
type LogStreamHandler struct {
	manager LogSessionManager
}

// NewLogStreamHandler creates a new log stream handler.
func NewLogStreamHandler(manager LogSessionManager) *LogStreamHandler {
	return &LogStreamHandler{manager: manager}
}

// Routes returns the session management routes, mounted under /system/logs.
func (h *LogStreamHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/stream/sessions", h.ListSessions)
	r.Delete("/stream/{sessionId}/stop", h.StopSession)
	r.Post("/{logname}/stream/start", h.StartSession)

	return r
}

// StartSessionHTTPRequest is the request body for starting a log stream.
type StartSessionHTTPRequest struct {
	FollowLines *int   `json:"follow_lines,omitempty"`
	GrepPattern string `json:"grep_pattern,omitempty"`
}

// StartSession handles POST /system/logs/{logname}/stream/start
func (h *LogStreamHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	logname := chi.URLParam(r, "logname")

	var req StartSessionHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}

	params := logstream.StartParams{GrepPattern: req.GrepPattern}
	if req.FollowLines != nil {
		params.FollowLines = *req.FollowLines
	}

	row, err := h.manager.StartSession(r.Context(), logname, params)
	if err != nil {
		response.Error(w, logstreamError(err))
		return
	}

	response.Created(w, map[string]any{
		"session":       row,
		"session_id":    row.SessionID,
		"cookie":        row.Cookie,
		"websocket_url": fmt.Sprintf("/logs/stream/%s?cookie=%s", row.SessionID, row.Cookie),
	})
}

// ListSessions handles GET /system/logs/stream/sessions
func (h *LogStreamHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.manager.ListSessions(r.Context())
	if err != nil {
		response.Error(w, apierrors.NewInternalError("failed to list log stream sessions"))
		return
	}
	if sessions == nil {
		sessions = []*models.LogStreamSession{}
	}
	response.OK(w, map[string]any{"sessions": sessions, "total": len(sessions)})
}

// StopSession handles DELETE /system/logs/stream/{sessionId}/stop
func (h *LogStreamHandler) StopSession(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "sessionId"))
	if err != nil {
		response.Error(w, apierrors.NewValidationError("sessionId", "must be a valid UUID"))
		return
	}

	if err := h.manager.StopSession(r.Context(), id); err != nil {
		response.Error(w, logstreamError(err))
		return
	}
	response.OK(w, map[string]any{"message": "session stopped", "session_id": id})
}

// Stream handles GET /logs/stream/{sessionId}, upgrading to a WebSocket.
// The cookie from the start call is redeemed via query parameter because
// browser WebSocket clients cannot set headers.
func (h *LogStreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "sessionId"))
	if err != nil {
		response.Error(w, apierrors.NewValidationError("sessionId", "must be a valid UUID"))
		return
	}
	cookie := r.URL.Query().Get("cookie")
	if cookie == "" {
		response.Error(w, apierrors.ErrForbidden.WithMessage("cookie query parameter is required"))
		return
	}

	if err := h.manager.Attach(w, r, id, cookie); err != nil {
		response.Error(w, logstreamError(err))
	}
}

// logstreamError maps the manager's sentinel errors onto API errors.
func logstreamError(err error) *apierrors.APIError {
	switch {
	case errors.Is(err, logstream.ErrDisabled):
		return apierrors.NewPreconditionError("log streaming is disabled")
	case errors.Is(err, logstream.ErrNotFound):
		return apierrors.NewNotFoundError("log file")
	case errors.Is(err, logstream.ErrForbidden):
		return apierrors.ErrForbidden.WithMessage(err.Error())
	case errors.Is(err, logstream.ErrTooLarge),
		errors.Is(err, logstream.ErrBinary):
		return apierrors.NewPreconditionError(err.Error())
	case errors.Is(err, logstream.ErrTooManyStreams):
		return apierrors.ErrRateLimited.WithMessage("maximum concurrent log streams reached")
	case errors.Is(err, logstream.ErrBadCookie):
		return apierrors.ErrForbidden.WithMessage("invalid session cookie")
	case errors.Is(err, logstream.ErrSessionNotFound):
		return apierrors.NewNotFoundError("log stream session")
	case errors.Is(err, logstream.ErrSessionConsumed):
		return apierrors.NewConflictError("session was already attached or has finished")
	default:
		return apierrors.AsAPIError(err)
	}
}
