package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/omniforge/zonemind/internal/config"
	"github.com/omniforge/zonemind/internal/models"
	apierrors "github.com/omniforge/zonemind/internal/pkg/errors"
	"github.com/omniforge/zonemind/internal/pkg/ulid"
	"github.com/omniforge/zonemind/internal/repository"
)

const (
	defaultHandlerTimeout = 30 * time.Minute
	pendingBatchLimit     = 100
)

// Queue is the task scheduler: it persists enqueued work, claims eligible
// pending tasks on a tick, dispatches them to registered handlers on worker
// goroutines, and finalizes results with retries and cancellation cascades.
type Queue struct {
	cfg      config.TaskQueueConfig
	repo     repository.TaskRepository
	registry *Registry
	logger   *slog.Logger

	// running is the process-local index of in-flight tasks. It feeds the
	// concurrency caps and the downloading-paths race rule; the store stays
	// the source of truth.
	mu      sync.Mutex
	running map[string]*runningTask

	wake chan struct{}

	baseCtx context.Context
	stop    context.CancelFunc
	loops   sync.WaitGroup
	workers sync.WaitGroup
}

type runningTask struct {
	task       *models.Task
	entry      Entry
	targetPath string
	startedAt  time.Time
}

// RunningTaskInfo is a snapshot row of an in-flight task.
type RunningTaskInfo struct {
	ID        string    `json:"id"`
	Operation string    `json:"operation"`
	ZoneName  string    `json:"zone_name"`
	StartedAt time.Time `json:"started_at"`
}

// NewQueue creates a scheduler. Call Start to begin processing.
func NewQueue(cfg config.TaskQueueConfig, repo repository.TaskRepository, registry *Registry, logger *slog.Logger) *Queue {
	return &Queue{
		cfg:      cfg,
		repo:     repo,
		registry: registry,
		logger:   logger.With("component", "taskqueue"),
		running:  make(map[string]*runningTask),
		wake:     make(chan struct{}, 1),
	}
}

// Start runs the recovery sweep, then launches the scheduling loop and the
// periodic sweeps.
func (q *Queue) Start(ctx context.Context) error {
	q.baseCtx, q.stop = context.WithCancel(ctx)

	if err := q.crashSweep(q.baseCtx); err != nil {
		return fmt.Errorf("startup crash sweep: %w", err)
	}

	q.loops.Add(3)
	go q.schedulerLoop()
	go q.sweepLoop()
	go q.cleanupLoop()

	q.logger.Info("task queue started",
		"tick_interval", q.cfg.TickInterval.String(),
		"global_max_running", q.cfg.GlobalMaxRunning,
		"operations", len(q.registry.Operations()),
	)
	return nil
}

// Stop halts scheduling and waits for in-flight handlers until the context
// expires. Handlers see their context cancelled and are expected to wind
// down; anything still running at process exit is recovered by the next
// startup sweep.
func (q *Queue) Stop(ctx context.Context) error {
	if q.stop == nil {
		return nil
	}
	q.stop()
	q.loops.Wait()

	done := make(chan struct{})
	go func() {
		q.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.logger.Info("task queue stopped")
		return nil
	case <-ctx.Done():
		q.logger.Warn("task queue stopped with handlers still running", "running", q.RunningCount())
		return ctx.Err()
	}
}

// EnqueueRequest describes a task to persist.
type EnqueueRequest struct {
	Operation string
	ZoneName  string
	Priority  models.TaskPriority
	Params    any
	CreatedBy string
	DependsOn *string
}

// Enqueue validates and persists a pending task, returning the stored row.
// The scheduler is poked so short-tick latency does not apply to fresh work.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*models.Task, error) {
	entry, ok := q.registry.Lookup(req.Operation)
	if !ok {
		return nil, apierrors.NewValidationError("operation", fmt.Sprintf("unknown operation %q", req.Operation))
	}

	if req.Priority == "" {
		req.Priority = entry.Priority
	}
	if !req.Priority.Valid() {
		return nil, apierrors.NewValidationError("priority", fmt.Sprintf("invalid priority %q", req.Priority))
	}
	if req.ZoneName == "" {
		req.ZoneName = models.ZoneSystem
	}

	if req.DependsOn != nil {
		dep, err := q.repo.GetByID(ctx, *req.DependsOn)
		if err != nil {
			return nil, err
		}
		if dep == nil {
			return nil, apierrors.NewValidationError("depends_on", fmt.Sprintf("dependency task %s does not exist", *req.DependsOn))
		}
		if dep.Status.Terminal() && dep.Status != models.TaskCompleted {
			return nil, apierrors.NewPreconditionError(fmt.Sprintf("dependency task %s already ended %s", dep.ID, dep.Status))
		}
	}

	var metadata json.RawMessage
	switch params := req.Params.(type) {
	case nil:
	case json.RawMessage:
		metadata = params
	default:
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal task params: %w", err)
		}
		metadata = raw
	}

	task := &models.Task{
		ID:        ulid.New(),
		Operation: req.Operation,
		ZoneName:  req.ZoneName,
		Priority:  req.Priority,
		Status:    models.TaskPending,
		Metadata:  metadata,
		DependsOn: req.DependsOn,
		CreatedBy: req.CreatedBy,
	}
	if err := q.repo.Create(ctx, task); err != nil {
		return nil, err
	}

	tasksCreatedTotal.WithLabelValues(task.Operation, task.Priority.String()).Inc()
	q.logger.Info("task enqueued",
		"task_id", task.ID,
		"operation", task.Operation,
		"zone", task.ZoneName,
		"priority", task.Priority.String(),
		"created_by", task.CreatedBy,
	)

	q.poke()
	return task, nil
}

// CancelOutcome reports what a cancel request did.
type CancelOutcome string

const (
	// CancelDone means the pending task transitioned directly to cancelled.
	CancelDone CancelOutcome = "cancelled"
	// CancelRequested means a running task's cancel flag was set; the
	// handler winds down cooperatively.
	CancelRequested CancelOutcome = "cancelling"
)

// Cancel cancels a task. Pending tasks transition atomically; running tasks
// get their flag set and the handler stops between steps. Terminal tasks
// are a conflict.
func (q *Queue) Cancel(ctx context.Context, id string) (CancelOutcome, error) {
	task, err := q.repo.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	if task == nil {
		return "", apierrors.NewNotFoundError("task")
	}

	switch task.Status {
	case models.TaskPending:
		ok, err := q.repo.CancelPending(ctx, id, "cancelled by request")
		if err != nil {
			return "", err
		}
		if !ok {
			// Lost the race with a claim; fall through to the flag.
			if err := q.repo.RequestCancel(ctx, id); err != nil {
				return "", err
			}
			return CancelRequested, nil
		}
		tasksCancelledTotal.WithLabelValues(task.Operation).Inc()
		q.cascadeCancel(ctx, id, fmt.Sprintf("dependency task %s cancelled", id))
		q.logger.Info("task cancelled", "task_id", id, "operation", task.Operation)
		return CancelDone, nil

	case models.TaskRunning:
		if err := q.repo.RequestCancel(ctx, id); err != nil {
			return "", err
		}
		q.logger.Info("task cancel requested", "task_id", id, "operation", task.Operation)
		return CancelRequested, nil

	default:
		return "", apierrors.NewConflictError(fmt.Sprintf("task already %s", task.Status))
	}
}

// DownloadingPaths returns the target paths of every in-flight download or
// upload task. Scans consult this to skip files still being written.
func (q *Queue) DownloadingPaths() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var paths []string
	for _, rt := range q.running {
		if rt.targetPath != "" {
			paths = append(paths, rt.targetPath)
		}
	}
	return paths
}

// RunningCount returns the number of in-flight tasks.
func (q *Queue) RunningCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.running)
}

// RunningTasks returns a snapshot of in-flight tasks for status endpoints.
func (q *Queue) RunningTasks() []RunningTaskInfo {
	q.mu.Lock()
	defer q.mu.Unlock()
	infos := make([]RunningTaskInfo, 0, len(q.running))
	for _, rt := range q.running {
		infos = append(infos, RunningTaskInfo{
			ID:        rt.task.ID,
			Operation: rt.task.Operation,
			ZoneName:  rt.task.ZoneName,
			StartedAt: rt.startedAt,
		})
	}
	return infos
}

func (q *Queue) poke() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) schedulerLoop() {
	defer q.loops.Done()

	tick := q.cfg.TickInterval
	if tick <= 0 {
		tick = 500 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-q.baseCtx.Done():
			return
		case <-ticker.C:
		case <-q.wake:
		}
		q.tick(q.baseCtx)
	}
}

// tick runs one select-claim-dispatch round.
func (q *Queue) tick(ctx context.Context) {
	capacity := q.capacity()
	if capacity <= 0 {
		return
	}

	candidates, err := q.repo.ListPending(ctx, pendingBatchLimit)
	if err != nil {
		if ctx.Err() == nil {
			q.logger.Error("pending scan failed", "error", err)
		}
		return
	}

	for _, candidate := range candidates {
		if capacity <= 0 {
			return
		}
		task := candidate.Task

		if !q.dependencySatisfied(ctx, task, candidate.DependencyState) {
			continue
		}

		entry, ok := q.registry.Lookup(task.Operation)
		if !ok {
			q.failUnknownOperation(ctx, task)
			continue
		}
		if q.blockedByPolicy(task, entry) {
			continue
		}

		claimed, err := q.repo.Claim(ctx, task.ID)
		if err != nil {
			if ctx.Err() == nil {
				q.logger.Error("claim failed", "task_id", task.ID, "error", err)
			}
			continue
		}
		if !claimed {
			continue
		}
		task.Attempts++

		q.track(task, entry)
		capacity--

		q.workers.Add(1)
		go q.execute(task, entry)
	}
}

func (q *Queue) capacity() int {
	limit := q.cfg.GlobalMaxRunning
	if limit <= 0 {
		limit = 8
	}
	return limit - q.RunningCount()
}

// dependencySatisfied gates a candidate on its depends_on task. Unfinished
// dependencies leave the candidate pending; failed or cancelled ones cancel
// it and its descendants.
func (q *Queue) dependencySatisfied(ctx context.Context, task *models.Task, depState *models.TaskStatus) bool {
	if task.DependsOn == nil {
		return true
	}
	if depState == nil {
		// Dependency row vanished between FK nulling and this read;
		// nothing to wait for.
		return true
	}
	switch *depState {
	case models.TaskCompleted:
		return true
	case models.TaskFailed, models.TaskCancelled:
		reason := fmt.Sprintf("dependency task %s %s", *task.DependsOn, *depState)
		if ok, err := q.repo.CancelPending(ctx, task.ID, reason); err != nil {
			q.logger.Error("dependency cancel failed", "task_id", task.ID, "error", err)
		} else if ok {
			tasksCancelledTotal.WithLabelValues(task.Operation).Inc()
			q.logger.Info("task cancelled", "task_id", task.ID, "reason", reason)
			q.cascadeCancel(ctx, task.ID, fmt.Sprintf("dependency task %s cancelled", task.ID))
		}
		return false
	default:
		return false
	}
}

// blockedByPolicy applies the concurrency fences against the in-memory
// running index.
func (q *Queue) blockedByPolicy(task *models.Task, entry Entry) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	opRunning := 0
	for _, rt := range q.running {
		if rt.task.Operation == task.Operation {
			opRunning++
		}
		if entry.PerZoneExclusive && rt.entry.PerZoneExclusive && rt.task.ZoneName == task.ZoneName {
			return true
		}
	}
	if entry.Serial && opRunning > 0 {
		return true
	}
	if !entry.Serial && entry.MaxConcurrent > 0 && opRunning >= entry.MaxConcurrent {
		return true
	}
	return false
}

func (q *Queue) failUnknownOperation(ctx context.Context, task *models.Task) {
	claimed, err := q.repo.Claim(ctx, task.ID)
	if err != nil || !claimed {
		return
	}
	if err := q.repo.Fail(ctx, task.ID, "unknown_operation: "+task.Operation); err != nil {
		q.logger.Error("fail write failed", "task_id", task.ID, "error", err)
		return
	}
	tasksFailedTotal.WithLabelValues(task.Operation).Inc()
	q.logger.Error("unknown operation", "task_id", task.ID, "operation", task.Operation)
	q.cascadeCancel(ctx, task.ID, fmt.Sprintf("dependency task %s failed", task.ID))
}

func (q *Queue) track(task *models.Task, entry Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.running[task.ID] = &runningTask{
		task:       task,
		entry:      entry,
		targetPath: targetPathOf(task),
		startedAt:  time.Now(),
	}
	tasksRunning.Set(float64(len(q.running)))
}

func (q *Queue) untrack(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.running, id)
	tasksRunning.Set(float64(len(q.running)))
}

// targetPathOf extracts the final path of download and upload tasks for the
// scan race rule.
func targetPathOf(task *models.Task) string {
	switch task.Operation {
	case models.OpArtifactDownloadURL, models.OpArtifactUploadProcess:
	default:
		return ""
	}
	if len(task.Metadata) == 0 {
		return ""
	}
	var meta struct {
		FinalPath string `json:"final_path"`
	}
	if err := json.Unmarshal(task.Metadata, &meta); err != nil {
		return ""
	}
	return meta.FinalPath
}

// execute runs one claimed task to a terminal state.
func (q *Queue) execute(task *models.Task, entry Entry) {
	defer q.workers.Done()
	defer q.untrack(task.ID)

	timeout := entry.Timeout
	if timeout <= 0 {
		timeout = defaultHandlerTimeout
	}
	ctx, cancel := context.WithTimeout(q.baseCtx, timeout)
	defer cancel()

	logger := q.logger.With("task_id", task.ID, "operation", task.Operation, "zone", task.ZoneName)
	logger.Info("task started", "attempt", task.Attempts)
	start := time.Now()

	handle := newHandle(task, q.repo, logger, 0)

	result, err := q.invoke(ctx, entry, handle)

	// Finalization writes must survive queue shutdown.
	finCtx, finCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer finCancel()

	switch {
	case errors.Is(err, ErrCancelled):
		q.finalizeCancelled(finCtx, task, logger, start)
	case err != nil:
		msg := err.Error()
		if ctx.Err() == context.DeadlineExceeded {
			msg = fmt.Sprintf("handler timeout after %s", timeout)
		}
		q.finalizeFailure(finCtx, task, entry, msg, logger, start)
	case result == nil:
		q.finalizeFailure(finCtx, task, entry, "handler returned no result", logger, start)
	case !result.Success:
		msg := result.Error
		if msg == "" {
			msg = "task failed"
		}
		q.finalizeFailure(finCtx, task, entry, msg, logger, start)
	default:
		q.finalizeSuccess(finCtx, task, result, logger, start)
	}
}

// invoke calls the handler with panic trapping.
func (q *Queue) invoke(ctx context.Context, entry Entry, handle *Handle) (result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return entry.Handler(ctx, handle)
}

func (q *Queue) finalizeSuccess(ctx context.Context, task *models.Task, result *Result, logger *slog.Logger, start time.Time) {
	if result.Data != nil {
		if raw, err := marshalInfo(result.Data); err == nil {
			if err := q.repo.UpdateProgress(ctx, task.ID, 100, raw); err != nil {
				logger.Warn("result info write failed", "error", err)
			}
		}
	}
	if err := q.repo.Complete(ctx, task.ID, result.Message); err != nil {
		logger.Error("complete write failed", "error", err)
		return
	}
	tasksCompletedTotal.WithLabelValues(task.Operation).Inc()
	taskDurationSeconds.WithLabelValues(task.Operation, "completed").Observe(time.Since(start).Seconds())
	logger.Info("task completed", "duration", time.Since(start).String(), "message", result.Message)
}

func (q *Queue) finalizeFailure(ctx context.Context, task *models.Task, entry Entry, msg string, logger *slog.Logger, start time.Time) {
	maxAttempts := entry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.MaxAttempts
	}
	if entry.Retryable && task.Attempts < maxAttempts {
		backoff := q.backoff(task.Attempts)
		if err := q.repo.Requeue(ctx, task.ID, time.Now().Add(backoff)); err != nil {
			logger.Error("requeue failed", "error", err)
		} else {
			tasksRetriedTotal.WithLabelValues(task.Operation).Inc()
			logger.Warn("task retry scheduled",
				"attempt", task.Attempts,
				"max_attempts", maxAttempts,
				"backoff", backoff.String(),
				"error", msg,
			)
			return
		}
	}

	if err := q.repo.Fail(ctx, task.ID, msg); err != nil {
		logger.Error("fail write failed", "error", err)
		return
	}
	tasksFailedTotal.WithLabelValues(task.Operation).Inc()
	taskDurationSeconds.WithLabelValues(task.Operation, "failed").Observe(time.Since(start).Seconds())
	logger.Error("task failed", "duration", time.Since(start).String(), "error", msg)
	q.cascadeCancel(ctx, task.ID, fmt.Sprintf("dependency task %s failed", task.ID))
}

func (q *Queue) finalizeCancelled(ctx context.Context, task *models.Task, logger *slog.Logger, start time.Time) {
	if err := q.repo.MarkCancelled(ctx, task.ID, "cancelled by request"); err != nil {
		logger.Error("cancel write failed", "error", err)
		return
	}
	tasksCancelledTotal.WithLabelValues(task.Operation).Inc()
	taskDurationSeconds.WithLabelValues(task.Operation, "cancelled").Observe(time.Since(start).Seconds())
	logger.Info("task cancelled", "duration", time.Since(start).String())
	q.cascadeCancel(ctx, task.ID, fmt.Sprintf("dependency task %s cancelled", task.ID))
}

// backoff computes the exponential retry delay for the given attempt count.
func (q *Queue) backoff(attempts int) time.Duration {
	base := q.cfg.BackoffBase
	if base <= 0 {
		base = 2 * time.Second
	}
	limit := q.cfg.BackoffCap
	if limit <= 0 {
		limit = 5 * time.Minute
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	if d > limit {
		return limit
	}
	return d
}

// cascadeCancel propagates cancellation to every non-terminal descendant.
// Pending dependents are cancelled atomically; running ones get the flag.
func (q *Queue) cascadeCancel(ctx context.Context, id, reason string) {
	dependents, err := q.repo.ListDependents(ctx, id)
	if err != nil {
		q.logger.Error("dependent scan failed", "task_id", id, "error", err)
		return
	}
	for _, dep := range dependents {
		switch dep.Status {
		case models.TaskPending:
			ok, err := q.repo.CancelPending(ctx, dep.ID, reason)
			if err != nil {
				q.logger.Error("dependent cancel failed", "task_id", dep.ID, "error", err)
				continue
			}
			if ok {
				tasksCancelledTotal.WithLabelValues(dep.Operation).Inc()
				q.logger.Info("task cancelled", "task_id", dep.ID, "reason", reason)
				q.cascadeCancel(ctx, dep.ID, fmt.Sprintf("dependency task %s cancelled", dep.ID))
			}
		case models.TaskRunning:
			if err := q.repo.RequestCancel(ctx, dep.ID); err != nil {
				q.logger.Error("dependent cancel request failed", "task_id", dep.ID, "error", err)
			}
		}
	}
}

func (q *Queue) sweepLoop() {
	defer q.loops.Done()

	interval := q.cfg.StaleSweepInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-q.baseCtx.Done():
			return
		case <-ticker.C:
			if err := q.crashSweep(q.baseCtx); err != nil && q.baseCtx.Err() == nil {
				q.logger.Error("crash sweep failed", "error", err)
			}
		}
	}
}

// crashSweep fails running tasks older than the grace window that this
// process does not own. At startup the running index is empty, so every
// stale task left by a crashed predecessor is swept.
func (q *Queue) crashSweep(ctx context.Context) error {
	grace := q.cfg.StaleGracePeriod
	if grace <= 0 {
		grace = 10 * time.Minute
	}
	stale, err := q.repo.ListStaleRunning(ctx, grace)
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}

	q.mu.Lock()
	var ids []string
	for _, task := range stale {
		if _, owned := q.running[task.ID]; !owned {
			ids = append(ids, task.ID)
		}
	}
	q.mu.Unlock()
	if len(ids) == 0 {
		return nil
	}

	swept, err := q.repo.FailWorkerCrash(ctx, ids)
	if err != nil {
		return err
	}
	tasksSweptTotal.Add(float64(swept))
	q.logger.Warn("stale running tasks failed", "count", swept, "reason", repository.WorkerCrashReason)
	for _, id := range ids {
		q.cascadeCancel(ctx, id, fmt.Sprintf("dependency task %s failed", id))
	}
	return nil
}

func (q *Queue) cleanupLoop() {
	defer q.loops.Done()

	interval := q.cfg.CleanupInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-q.baseCtx.Done():
			return
		case <-ticker.C:
			q.cleanup(q.baseCtx)
		}
	}
}

// cleanup deletes terminal tasks past their retention window.
func (q *Queue) cleanup(ctx context.Context) {
	completedRetention := q.cfg.CompletedRetention
	if completedRetention <= 0 {
		completedRetention = 7 * 24 * time.Hour
	}
	failedRetention := q.cfg.FailedRetention
	if failedRetention <= 0 {
		failedRetention = 30 * 24 * time.Hour
	}

	windows := []struct {
		status models.TaskStatus
		cutoff time.Time
	}{
		{models.TaskCompleted, time.Now().Add(-completedRetention)},
		{models.TaskFailed, time.Now().Add(-failedRetention)},
		{models.TaskCancelled, time.Now().Add(-failedRetention)},
	}
	var total int64
	for _, w := range windows {
		deleted, err := q.repo.DeleteTerminalBefore(ctx, w.status, w.cutoff)
		if err != nil {
			if ctx.Err() == nil {
				q.logger.Error("task cleanup failed", "status", w.status.String(), "error", err)
			}
			return
		}
		total += deleted
	}
	if total > 0 {
		q.logger.Info("terminal tasks cleaned up", "deleted", total)
	}
}
