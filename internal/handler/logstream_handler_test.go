package handler

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/omniforge/zonemind/internal/logstream"
	"github.com/omniforge/zonemind/internal/models"
)

func testLogSession(logname string) *models.LogStreamSession {
	return &models.LogStreamSession{
		SessionID:   uuid.New(),
		Cookie:      "0123456789abcdef0123456789abcdef",
		Logname:     logname,
		LogPath:     "/var/log/" + logname,
		FollowLines: 50,
		Status:      models.LogSessionCreated,
		CreatedAt:   time.Now().UTC(),
	}
}

func TestLogStreamHandler_StartSession(t *testing.T) {
	manager := new(mockLogManager)
	h := NewLogStreamHandler(manager)

	row := testLogSession("syslog")
	manager.On("StartSession", mock.Anything, "syslog", mock.MatchedBy(func(p logstream.StartParams) bool {
		return p.FollowLines == 100 && p.GrepPattern == "sshd"
	})).Return(row, nil)

	follow := 100
	rec := doJSON(t, h.Routes(), http.MethodPost, "/syslog/stream/start", StartSessionHTTPRequest{
		FollowLines: &follow,
		GrepPattern: "sshd",
	})

	assert.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, row.SessionID.String(), body["session_id"])
	assert.Equal(t, row.Cookie, body["cookie"])
	assert.Equal(t, fmt.Sprintf("/logs/stream/%s?cookie=%s", row.SessionID, row.Cookie), body["websocket_url"])

	// The cookie travels only in the top-level handshake fields, never in
	// the serialized session row.
	session := body["session"].(map[string]any)
	assert.NotContains(t, session, "cookie")
	assert.Equal(t, "syslog", session["logname"])
	manager.AssertExpectations(t)
}

func TestLogStreamHandler_StartSession_Errors(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		expectedStatus int
	}{
		{"disabled", logstream.ErrDisabled, http.StatusBadRequest},
		{"unknown log", logstream.ErrNotFound, http.StatusNotFound},
		{"outside allowlist", logstream.ErrForbidden, http.StatusForbidden},
		{"file too large", logstream.ErrTooLarge, http.StatusBadRequest},
		{"binary file", logstream.ErrBinary, http.StatusBadRequest},
		{"stream limit", logstream.ErrTooManyStreams, http.StatusTooManyRequests},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager := new(mockLogManager)
			h := NewLogStreamHandler(manager)

			manager.On("StartSession", mock.Anything, "messages", mock.Anything).Return(nil, tt.err)

			rec := doJSON(t, h.Routes(), http.MethodPost, "/messages/stream/start", nil)

			assert.Equal(t, tt.expectedStatus, rec.Code)
		})
	}
}

func TestLogStreamHandler_ListSessions(t *testing.T) {
	manager := new(mockLogManager)
	h := NewLogStreamHandler(manager)

	manager.On("ListSessions", mock.Anything).Return([]*models.LogStreamSession{
		testLogSession("syslog"),
		testLogSession("zonemind.log"),
	}, nil)

	rec := doJSON(t, h.Routes(), http.MethodGet, "/stream/sessions", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(2), body["total"])
	require.Len(t, body["sessions"], 2)
}

func TestLogStreamHandler_ListSessions_Empty(t *testing.T) {
	manager := new(mockLogManager)
	h := NewLogStreamHandler(manager)

	manager.On("ListSessions", mock.Anything).Return(nil, nil)

	rec := doJSON(t, h.Routes(), http.MethodGet, "/stream/sessions", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	sessions, ok := decodeBody(t, rec)["sessions"].([]any)
	require.True(t, ok)
	assert.Empty(t, sessions)
}

func TestLogStreamHandler_StopSession(t *testing.T) {
	manager := new(mockLogManager)
	h := NewLogStreamHandler(manager)

	id := uuid.New()
	manager.On("StopSession", mock.Anything, id).Return(nil)

	rec := doJSON(t, h.Routes(), http.MethodDelete, "/stream/"+id.String()+"/stop", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id.String(), decodeBody(t, rec)["session_id"])
}

func TestLogStreamHandler_StopSession_BadID(t *testing.T) {
	manager := new(mockLogManager)
	h := NewLogStreamHandler(manager)

	rec := doJSON(t, h.Routes(), http.MethodDelete, "/stream/not-a-uuid/stop", nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	manager.AssertNotCalled(t, "StopSession", mock.Anything, mock.Anything)
}

func TestLogStreamHandler_StopSession_NotFound(t *testing.T) {
	manager := new(mockLogManager)
	h := NewLogStreamHandler(manager)

	id := uuid.New()
	manager.On("StopSession", mock.Anything, id).Return(logstream.ErrSessionNotFound)

	rec := doJSON(t, h.Routes(), http.MethodDelete, "/stream/"+id.String()+"/stop", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func streamRouter(h *LogStreamHandler) chi.Router {
	r := chi.NewRouter()
	r.Get("/logs/stream/{sessionId}", h.Stream)
	return r
}

func TestLogStreamHandler_Stream_RequiresCookie(t *testing.T) {
	manager := new(mockLogManager)
	h := NewLogStreamHandler(manager)

	rec := doJSON(t, streamRouter(h), http.MethodGet, "/logs/stream/"+uuid.NewString(), nil)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "cookie")
	manager.AssertNotCalled(t, "Attach", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestLogStreamHandler_Stream_Attaches(t *testing.T) {
	manager := new(mockLogManager)
	h := NewLogStreamHandler(manager)

	id := uuid.New()
	manager.On("Attach", mock.Anything, mock.Anything, id, "secret").Return(nil)

	rec := doJSON(t, streamRouter(h), http.MethodGet, "/logs/stream/"+id.String()+"?cookie=secret", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	manager.AssertExpectations(t)
}

func TestLogStreamHandler_Stream_AttachErrors(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		expectedStatus int
	}{
		{"bad cookie", logstream.ErrBadCookie, http.StatusForbidden},
		{"unknown session", logstream.ErrSessionNotFound, http.StatusNotFound},
		{"already attached", logstream.ErrSessionConsumed, http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager := new(mockLogManager)
			h := NewLogStreamHandler(manager)

			id := uuid.New()
			manager.On("Attach", mock.Anything, mock.Anything, id, "secret").Return(tt.err)

			rec := doJSON(t, streamRouter(h), http.MethodGet, "/logs/stream/"+id.String()+"?cookie=secret", nil)

			assert.Equal(t, tt.expectedStatus, rec.Code)
		})
	}
}
