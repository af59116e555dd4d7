// Package models defines the persisted entities of the control plane.
package models

import (
	"encoding/json"
	"time"
)

// TaskPriority orders tasks in the scheduler. Higher ranks are claimed first.
type TaskPriority string

const (
	PriorityCritical   TaskPriority = "critical"
	PriorityHigh       TaskPriority = "high"
	PriorityMedium     TaskPriority = "medium"
	PriorityLow        TaskPriority = "low"
	PriorityBackground TaskPriority = "background"
)

// Valid returns true if the priority is a known value.
func (p TaskPriority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow, PriorityBackground:
		return true
	default:
		return false
	}
}

// Rank returns the numeric weight used for ordering. Critical sorts first.
func (p TaskPriority) Rank() int {
	switch p {
	case PriorityCritical:
		return 5
	case PriorityHigh:
		return 4
	case PriorityMedium:
		return 3
	case PriorityLow:
		return 2
	case PriorityBackground:
		return 1
	default:
		return 0
	}
}

// String returns the string representation.
func (p TaskPriority) String() string {
	return string(p)
}

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	// TaskPending indicates the task is waiting to be claimed.
	TaskPending TaskStatus = "pending"
	// TaskRunning indicates a worker is executing the task.
	TaskRunning TaskStatus = "running"
	// TaskCompleted indicates the task finished successfully.
	TaskCompleted TaskStatus = "completed"
	// TaskFailed indicates the task finished with an error.
	TaskFailed TaskStatus = "failed"
	// TaskCancelled indicates the task was cancelled before or during execution.
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal returns true for states that never transition again.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// String returns the string representation.
func (s TaskStatus) String() string {
	return string(s)
}

// ZoneSystem and ZoneArtifact are the sentinel zone_name values for tasks
// that target the host itself or the artifact inventory rather than a zone.
const (
	ZoneSystem   = "system"
	ZoneArtifact = "artifact"
)

// Task is a unit of deferred, persisted, observable work.
type Task struct {
	ID              string          `json:"id"`
	Operation       string          `json:"operation"`
	ZoneName        string          `json:"zone_name"`
	Priority        TaskPriority    `json:"priority"`
	Status          TaskStatus      `json:"status"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	DependsOn       *string         `json:"depends_on,omitempty"`
	CreatedBy       string          `json:"created_by"`
	Attempts        int             `json:"attempts"`
	RunAfter        *time.Time      `json:"-"`
	CancelRequested bool            `json:"cancel_requested,omitempty"`
	ProgressPercent int             `json:"progress_percent"`
	ProgressInfo    json.RawMessage `json:"progress_info,omitempty"`
	Error           *string         `json:"error,omitempty"`
	ResultMessage   *string         `json:"result_message,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt       time.Time       `json:"-"`
}

// IsTerminal reports whether the task reached a final state.
func (t *Task) IsTerminal() bool {
	return t.Status.Terminal()
}

// TaskStats summarizes queue state for the stats endpoint.
type TaskStats struct {
	Pending       int64            `json:"pending"`
	Running       int64            `json:"running"`
	Completed     int64            `json:"completed"`
	Failed        int64            `json:"failed"`
	Cancelled     int64            `json:"cancelled"`
	ByPriority    map[string]int64 `json:"pending_by_priority"`
	OldestPending *time.Time       `json:"oldest_pending,omitempty"`
}
