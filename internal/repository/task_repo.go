// Package repository provides data access layer implementations.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/omniforge/zonemind/internal/models"
)

// WorkerCrashReason is recorded on tasks swept after a worker crash.
const WorkerCrashReason = "worker_crash"

// TaskFilter narrows task listings.
type TaskFilter struct {
	Status    []models.TaskStatus
	Operation string
	ZoneName  string
	Limit     int
	Offset    int
}

// PendingTask is a pending candidate joined with its dependency's status.
type PendingTask struct {
	Task            *models.Task
	DependencyState *models.TaskStatus
}

// TaskRepository defines the interface for task persistence.
type TaskRepository interface {
	Create(ctx context.Context, task *models.Task) error
	GetByID(ctx context.Context, id string) (*models.Task, error)
	List(ctx context.Context, filter TaskFilter) ([]*models.Task, int64, error)
	ListPending(ctx context.Context, limit int) ([]*PendingTask, error)
	ListDependents(ctx context.Context, id string) ([]*models.Task, error)
	FindActiveByTargetPath(ctx context.Context, path string) (*models.Task, error)

	Claim(ctx context.Context, id string) (bool, error)
	UpdateProgress(ctx context.Context, id string, percent int, info json.RawMessage) error
	Complete(ctx context.Context, id, message string) error
	Fail(ctx context.Context, id, errMsg string) error
	Requeue(ctx context.Context, id string, runAfter time.Time) error
	MarkCancelled(ctx context.Context, id, reason string) error
	CancelPending(ctx context.Context, id, reason string) (bool, error)
	RequestCancel(ctx context.Context, id string) error
	IsCancelRequested(ctx context.Context, id string) (bool, error)

	ListStaleRunning(ctx context.Context, grace time.Duration) ([]*models.Task, error)
	FailWorkerCrash(ctx context.Context, ids []string) (int64, error)
	DeleteTerminalBefore(ctx context.Context, status models.TaskStatus, cutoff time.Time) (int64, error)
	Stats(ctx context.Context) (*models.TaskStats, error)
}

type taskRepo struct {
	pool *pgxpool.Pool
}

// NewTaskRepository creates a new task repository.
func NewTaskRepository(pool *pgxpool.Pool) TaskRepository {
	return &taskRepo{pool: pool}
}

const taskColumns = `id, operation, zone_name, priority, status, metadata, depends_on, created_by,
	attempts, run_after, cancel_requested, progress_percent, progress_info, error, result_message,
	created_at, started_at, completed_at, updated_at`

func scanTask(row pgx.Row) (*models.Task, error) {
	var t models.Task
	err := row.Scan(
		&t.ID,
		&t.Operation,
		&t.ZoneName,
		&t.Priority,
		&t.Status,
		&t.Metadata,
		&t.DependsOn,
		&t.CreatedBy,
		&t.Attempts,
		&t.RunAfter,
		&t.CancelRequested,
		&t.ProgressPercent,
		&t.ProgressInfo,
		&t.Error,
		&t.ResultMessage,
		&t.CreatedAt,
		&t.StartedAt,
		&t.CompletedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Create inserts a new pending task.
func (r *taskRepo) Create(ctx context.Context, task *models.Task) error {
	query := `
		INSERT INTO tasks (id, operation, zone_name, priority, status, metadata, depends_on, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`

	if task.Status == "" {
		task.Status = models.TaskPending
	}
	if task.Priority == "" {
		task.Priority = models.PriorityMedium
	}
	if task.ZoneName == "" {
		task.ZoneName = models.ZoneSystem
	}

	return r.pool.QueryRow(ctx, query,
		task.ID,
		task.Operation,
		task.ZoneName,
		task.Priority,
		task.Status,
		task.Metadata,
		task.DependsOn,
		task.CreatedBy,
	).Scan(&task.CreatedAt, &task.UpdatedAt)
}

// GetByID retrieves a task by its id.
func (r *taskRepo) GetByID(ctx context.Context, id string) (*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`

	task, err := scanTask(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

// List retrieves tasks matching the filter, newest first, with the total count.
func (r *taskRepo) List(ctx context.Context, filter TaskFilter) ([]*models.Task, int64, error) {
	where := ` WHERE 1=1`
	args := []any{}
	n := 0

	if len(filter.Status) > 0 {
		statuses := make([]string, len(filter.Status))
		for i, s := range filter.Status {
			statuses[i] = string(s)
		}
		n++
		where += fmt.Sprintf(" AND status = ANY($%d)", n)
		args = append(args, statuses)
	}
	if filter.Operation != "" {
		n++
		where += fmt.Sprintf(" AND operation = $%d", n)
		args = append(args, filter.Operation)
	}
	if filter.ZoneName != "" {
		n++
		where += fmt.Sprintf(" AND zone_name = $%d", n)
		args = append(args, filter.ZoneName)
	}

	var total int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tasks`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	n++
	limitClause := fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", n)
	args = append(args, limit)
	n++
	limitClause += fmt.Sprintf(" OFFSET $%d", n)
	args = append(args, filter.Offset)

	rows, err := r.pool.Query(ctx, `SELECT `+taskColumns+` FROM tasks`+where+limitClause, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, 0, err
		}
		tasks = append(tasks, task)
	}
	return tasks, total, rows.Err()
}

// ListPending returns claimable candidates in scheduling order, each joined
// with its dependency's current status so the scheduler can decide
// eligibility without extra round-trips. Tasks backing off a retry are
// excluded until run_after passes.
func (r *taskRepo) ListPending(ctx context.Context, limit int) ([]*PendingTask, error) {
	query := `
		SELECT t.id, t.operation, t.zone_name, t.priority, t.status, t.metadata, t.depends_on, t.created_by,
		       t.attempts, t.run_after, t.cancel_requested, t.progress_percent, t.progress_info, t.error, t.result_message,
		       t.created_at, t.started_at, t.completed_at, t.updated_at,
		       d.status
		FROM tasks t
		LEFT JOIN tasks d ON t.depends_on = d.id
		WHERE t.status = 'pending'
		  AND (t.run_after IS NULL OR t.run_after <= NOW())
		ORDER BY CASE t.priority
			WHEN 'critical' THEN 5
			WHEN 'high' THEN 4
			WHEN 'medium' THEN 3
			WHEN 'low' THEN 2
			ELSE 1
		END DESC, t.created_at ASC
		LIMIT $1`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PendingTask
	for rows.Next() {
		var t models.Task
		var depStatus *models.TaskStatus
		if err := rows.Scan(
			&t.ID, &t.Operation, &t.ZoneName, &t.Priority, &t.Status, &t.Metadata, &t.DependsOn, &t.CreatedBy,
			&t.Attempts, &t.RunAfter, &t.CancelRequested, &t.ProgressPercent, &t.ProgressInfo, &t.Error, &t.ResultMessage,
			&t.CreatedAt, &t.StartedAt, &t.CompletedAt, &t.UpdatedAt,
			&depStatus,
		); err != nil {
			return nil, err
		}
		out = append(out, &PendingTask{Task: &t, DependencyState: depStatus})
	}
	return out, rows.Err()
}

// ListDependents returns non-terminal tasks that depend on the given task.
func (r *taskRepo) ListDependents(ctx context.Context, id string) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE depends_on = $1 AND status IN ('pending', 'running')`

	rows, err := r.pool.Query(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// FindActiveByTargetPath returns a pending or running download/upload task
// whose metadata targets the given path. Enforces the single-writer-per-path
// rule at enqueue time.
func (r *taskRepo) FindActiveByTargetPath(ctx context.Context, path string) (*models.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE operation IN ('artifact_download_url', 'artifact_upload_process')
		  AND status IN ('pending', 'running')
		  AND metadata->>'final_path' = $1
		LIMIT 1`

	task, err := scanTask(r.pool.QueryRow(ctx, query, path))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

// Claim atomically transitions a task from pending to running. Returns false
// when another worker already claimed it. This conditional update is the
// exclusive claim primitive.
func (r *taskRepo) Claim(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE tasks
		SET status = 'running', started_at = NOW(), attempts = attempts + 1, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`

	result, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

// UpdateProgress writes progress onto a running task. Terminal tasks are
// never touched; a zero row count means the task finished meanwhile and the
// write is dropped.
func (r *taskRepo) UpdateProgress(ctx context.Context, id string, percent int, info json.RawMessage) error {
	query := `
		UPDATE tasks
		SET progress_percent = $2, progress_info = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'running'`

	_, err := r.pool.Exec(ctx, query, id, percent, info)
	return err
}

// Complete finalizes a running task as completed.
func (r *taskRepo) Complete(ctx context.Context, id, message string) error {
	query := `
		UPDATE tasks
		SET status = 'completed', result_message = $2, progress_percent = 100,
		    completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'running'`

	result, err := r.pool.Exec(ctx, query, id, message)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// Fail finalizes a running task as failed.
func (r *taskRepo) Fail(ctx context.Context, id, errMsg string) error {
	query := `
		UPDATE tasks
		SET status = 'failed', error = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'running'`

	result, err := r.pool.Exec(ctx, query, id, errMsg)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// Requeue puts a running task back to pending for a retry after a backoff.
func (r *taskRepo) Requeue(ctx context.Context, id string, runAfter time.Time) error {
	query := `
		UPDATE tasks
		SET status = 'pending', run_after = $2, started_at = NULL,
		    progress_percent = 0, progress_info = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'running'`

	result, err := r.pool.Exec(ctx, query, id, runAfter)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// MarkCancelled finalizes a running task as cancelled.
func (r *taskRepo) MarkCancelled(ctx context.Context, id, reason string) error {
	query := `
		UPDATE tasks
		SET status = 'cancelled', error = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'running'`

	result, err := r.pool.Exec(ctx, query, id, reason)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// CancelPending atomically transitions a pending task to cancelled. Returns
// false when the task was not pending, in which case no handler has run or a
// worker already owns it.
func (r *taskRepo) CancelPending(ctx context.Context, id, reason string) (bool, error) {
	query := `
		UPDATE tasks
		SET status = 'cancelled', error = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`

	result, err := r.pool.Exec(ctx, query, id, reason)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

// RequestCancel records a cancellation request against a running task. The
// handler observes the flag cooperatively between steps.
func (r *taskRepo) RequestCancel(ctx context.Context, id string) error {
	query := `UPDATE tasks SET cancel_requested = TRUE, updated_at = NOW() WHERE id = $1 AND status = 'running'`
	_, err := r.pool.Exec(ctx, query, id)
	return err
}

// IsCancelRequested reads the cancellation flag of a task.
func (r *taskRepo) IsCancelRequested(ctx context.Context, id string) (bool, error) {
	var requested bool
	err := r.pool.QueryRow(ctx, `SELECT cancel_requested FROM tasks WHERE id = $1`, id).Scan(&requested)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return requested, err
}

// ListStaleRunning returns running tasks started before the grace window.
// The scheduler excludes tasks it owns in-process before sweeping the rest.
func (r *taskRepo) ListStaleRunning(ctx context.Context, grace time.Duration) ([]*models.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE status = 'running' AND started_at < NOW() - $1::interval`

	rows, err := r.pool.Query(ctx, query, fmt.Sprintf("%d seconds", int(grace.Seconds())))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// FailWorkerCrash sweeps the given running tasks to failed with the
// worker_crash reason. Used by startup recovery and the periodic stale sweep.
func (r *taskRepo) FailWorkerCrash(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query := `
		UPDATE tasks
		SET status = 'failed', error = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = ANY($1) AND status = 'running'`

	result, err := r.pool.Exec(ctx, query, ids, WorkerCrashReason)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

// DeleteTerminalBefore removes terminal tasks finished before the cutoff.
func (r *taskRepo) DeleteTerminalBefore(ctx context.Context, status models.TaskStatus, cutoff time.Time) (int64, error) {
	query := `DELETE FROM tasks WHERE status = $1 AND completed_at < $2`
	result, err := r.pool.Exec(ctx, query, status, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

// Stats summarizes queue state.
func (r *taskRepo) Stats(ctx context.Context) (*models.TaskStats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'running'),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'cancelled'),
			MIN(created_at) FILTER (WHERE status = 'pending')
		FROM tasks`

	var stats models.TaskStats
	err := r.pool.QueryRow(ctx, query).Scan(
		&stats.Pending,
		&stats.Running,
		&stats.Completed,
		&stats.Failed,
		&stats.Cancelled,
		&stats.OldestPending,
	)
	if err != nil {
		return nil, err
	}

	stats.ByPriority = make(map[string]int64)
	rows, err := r.pool.Query(ctx, `SELECT priority, COUNT(*) FROM tasks WHERE status = 'pending' GROUP BY priority`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var priority string
		var count int64
		if err := rows.Scan(&priority, &count); err != nil {
			return nil, err
		}
		stats.ByPriority[priority] = count
	}
	return &stats, rows.Err()
}

// Compile-time check to ensure taskRepo implements TaskRepository.
var _ TaskRepository = (*taskRepo)(nil)
