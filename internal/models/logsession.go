package models

import (
	"time"

	"github.com/google/uuid"
)

// LogSessionStatus represents the lifecycle state of a log stream session.
type LogSessionStatus string

const (
	// LogSessionCreated indicates the row exists but no WebSocket has attached.
	LogSessionCreated LogSessionStatus = "created"
	// LogSessionActive indicates a WebSocket is attached and the tail is running.
	LogSessionActive LogSessionStatus = "active"
	// LogSessionClosed indicates the WebSocket or tail ended normally.
	LogSessionClosed LogSessionStatus = "closed"
	// LogSessionError indicates the session ended with an error.
	LogSessionError LogSessionStatus = "error"
	// LogSessionStopped indicates the session was stopped via the API.
	LogSessionStopped LogSessionStatus = "stopped"
)

// String returns the string representation.
func (s LogSessionStatus) String() string {
	return string(s)
}

// Terminal returns true for states that never transition again.
func (s LogSessionStatus) Terminal() bool {
	switch s {
	case LogSessionClosed, LogSessionError, LogSessionStopped:
		return true
	default:
		return false
	}
}

// LogStreamSession tracks one WebSocket log tailing session.
type LogStreamSession struct {
	SessionID      uuid.UUID        `json:"session_id"`
	Cookie         string           `json:"-"`
	Logname        string           `json:"logname"`
	LogPath        string           `json:"log_path"`
	FollowLines    int              `json:"follow_lines"`
	GrepPattern    *string          `json:"grep_pattern,omitempty"`
	Status         LogSessionStatus `json:"status"`
	CreatedAt      time.Time        `json:"created_at"`
	ConnectedAt    *time.Time       `json:"connected_at,omitempty"`
	DisconnectedAt *time.Time       `json:"disconnected_at,omitempty"`
	LinesSent      int64            `json:"lines_sent"`
	ErrorMessage   *string          `json:"error_message,omitempty"`
}
