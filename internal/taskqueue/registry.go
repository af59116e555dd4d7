// Package taskqueue implements the persistent priority scheduler that every
// mutating endpoint funnels work into.
package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/omniforge/zonemind/internal/models"
)

// ErrCancelled is returned by handlers that observed a cancellation request
// and stopped cooperatively. The queue finalizes such tasks as cancelled,
// not failed.
var ErrCancelled = errors.New("task cancelled")

// Result is what a handler reports back to the queue. Data, when set, is
// persisted as the task's final progress_info.
type Result struct {
	Success bool
	Message string
	Error   string
	Data    any
}

// Succeed builds a successful result.
func Succeed(format string, args ...any) *Result {
	return &Result{Success: true, Message: fmt.Sprintf(format, args...)}
}

// Failf builds a failed result.
func Failf(format string, args ...any) *Result {
	return &Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// HandlerFunc executes one task. Implementations must not panic across the
// boundary on purpose; the queue still traps panics and records them as
// failures. Cancellation is cooperative via Handle.Cancelled.
type HandlerFunc func(ctx context.Context, h *Handle) (*Result, error)

// Entry declares an operation's execution policy.
type Entry struct {
	Handler HandlerFunc
	// Priority is the default when the enqueuer does not specify one.
	Priority models.TaskPriority
	// Timeout bounds one execution. Zero means the queue default.
	Timeout time.Duration
	// Serial allows at most one running instance of this operation.
	Serial bool
	// MaxConcurrent caps running instances of this operation when positive.
	// Ignored when Serial is set.
	MaxConcurrent int
	// PerZoneExclusive allows at most one running task per zone_name while
	// this operation runs against that zone.
	PerZoneExclusive bool
	// Retryable re-enqueues failures with exponential backoff until the
	// attempt cap.
	Retryable bool
	// MaxAttempts overrides the queue-wide retry cap when positive.
	MaxAttempts int
}

// Registry maps operation names to their entries. It is populated once at
// startup; lookups are concurrent.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register adds an operation. Registering the same name twice is a
// programming error and panics.
func (r *Registry) Register(operation string, entry Entry) {
	if operation == "" {
		panic("taskqueue: empty operation name")
	}
	if entry.Handler == nil {
		panic("taskqueue: nil handler for operation " + operation)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[operation]; exists {
		panic("taskqueue: duplicate operation " + operation)
	}
	if entry.Priority == "" {
		entry.Priority = models.PriorityMedium
	}
	r.entries[operation] = entry
}

// Lookup resolves an operation name.
func (r *Registry) Lookup(operation string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[operation]
	return entry, ok
}

// Operations returns the registered operation names, sorted.
func (r *Registry) Operations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
