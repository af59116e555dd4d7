package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/omniforge/zonemind/internal/models"
	"github.com/omniforge/zonemind/internal/repository"
)

var paramsValidate = validator.New()

// Handle is the executor's view of its own task: typed parameter access,
// progress writeback, and the cooperative cancellation flag.
type Handle struct {
	task   *models.Task
	repo   repository.TaskRepository
	logger *slog.Logger

	// minInterval throttles AsyncProgress so streaming handlers never
	// stall on the progress writer.
	minInterval time.Duration

	mu           sync.Mutex
	lastProgress time.Time
}

func newHandle(task *models.Task, repo repository.TaskRepository, logger *slog.Logger, minInterval time.Duration) *Handle {
	if minInterval <= 0 {
		minInterval = 3 * time.Second
	}
	return &Handle{
		task:        task,
		repo:        repo,
		logger:      logger,
		minInterval: minInterval,
	}
}

// ID returns the task id.
func (h *Handle) ID() string {
	return h.task.ID
}

// Task returns the task row as claimed.
func (h *Handle) Task() *models.Task {
	return h.task
}

// Params decodes the task's metadata into a handler-specific parameter
// struct and enforces its validate tags. Metadata can reach the store
// without passing the HTTP layer, so the decode side re-checks the
// declared shape. A task without metadata decodes into the zero value.
func (h *Handle) Params(v any) error {
	if len(h.task.Metadata) == 0 {
		return nil
	}
	if err := json.Unmarshal(h.task.Metadata, v); err != nil {
		return fmt.Errorf("decode task params: %w", err)
	}
	if err := validateParams(v); err != nil {
		return fmt.Errorf("invalid task params: %w", err)
	}
	return nil
}

// validateParams runs validate tags on struct params. Non-struct targets
// pass through.
func validateParams(v any) error {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil
	}
	return paramsValidate.Struct(rv.Interface())
}

// Progress writes progress_percent and progress_info synchronously. The
// write is dropped by the store if the task finished meanwhile.
func (h *Handle) Progress(ctx context.Context, percent int, info any) error {
	raw, err := marshalInfo(info)
	if err != nil {
		return err
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return h.repo.UpdateProgress(ctx, h.task.ID, percent, raw)
}

// AsyncProgress writes progress without blocking the caller, at most once
// per throttle interval. Extra calls inside the window are discarded; the
// data path is never stalled by the progress writer.
func (h *Handle) AsyncProgress(percent int, info any) {
	h.mu.Lock()
	if time.Since(h.lastProgress) < h.minInterval {
		h.mu.Unlock()
		return
	}
	h.lastProgress = time.Now()
	h.mu.Unlock()

	raw, err := marshalInfo(info)
	if err != nil {
		h.logger.Warn("progress info marshal failed", "task_id", h.task.ID, "error", err)
		return
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.repo.UpdateProgress(ctx, h.task.ID, percent, raw); err != nil {
			h.logger.Warn("progress write failed", "task_id", h.task.ID, "error", err)
		}
	}()
}

// Cancelled reports whether a cancel was requested for this task. Handlers
// poll between discrete steps; read errors are treated as not cancelled so
// a store hiccup never aborts work.
func (h *Handle) Cancelled(ctx context.Context) bool {
	requested, err := h.repo.IsCancelRequested(ctx, h.task.ID)
	if err != nil {
		h.logger.Warn("cancel flag read failed", "task_id", h.task.ID, "error", err)
		return false
	}
	return requested
}

func marshalInfo(info any) (json.RawMessage, error) {
	if info == nil {
		return nil, nil
	}
	if raw, ok := info.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("marshal progress info: %w", err)
	}
	return raw, nil
}
