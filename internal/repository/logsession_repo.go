package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/omniforge/zonemind/internal/models"
)

// LogSessionRepository defines the interface for log stream session persistence.
type LogSessionRepository interface {
	Create(ctx context.Context, session *models.LogStreamSession) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.LogStreamSession, error)
	List(ctx context.Context, status *models.LogSessionStatus) ([]*models.LogStreamSession, error)
	MarkActive(ctx context.Context, id uuid.UUID) error
	MarkTerminal(ctx context.Context, id uuid.UUID, status models.LogSessionStatus, linesSent int64, errorMessage *string) error
	CountActive(ctx context.Context) (int64, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type logSessionRepo struct {
	pool *pgxpool.Pool
}

// NewLogSessionRepository creates a new log session repository.
func NewLogSessionRepository(pool *pgxpool.Pool) LogSessionRepository {
	return &logSessionRepo{pool: pool}
}

const logSessionColumns = `session_id, cookie, logname, log_path, follow_lines, grep_pattern,
	status, created_at, connected_at, disconnected_at, lines_sent, error_message`

func scanLogSession(row pgx.Row) (*models.LogStreamSession, error) {
	var s models.LogStreamSession
	err := row.Scan(
		&s.SessionID,
		&s.Cookie,
		&s.Logname,
		&s.LogPath,
		&s.FollowLines,
		&s.GrepPattern,
		&s.Status,
		&s.CreatedAt,
		&s.ConnectedAt,
		&s.DisconnectedAt,
		&s.LinesSent,
		&s.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Create inserts a new session row in the created state.
func (r *logSessionRepo) Create(ctx context.Context, session *models.LogStreamSession) error {
	query := `
		INSERT INTO log_stream_sessions (session_id, cookie, logname, log_path, follow_lines, grep_pattern, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`

	if session.SessionID == uuid.Nil {
		session.SessionID = uuid.New()
	}
	if session.Status == "" {
		session.Status = models.LogSessionCreated
	}

	return r.pool.QueryRow(ctx, query,
		session.SessionID,
		session.Cookie,
		session.Logname,
		session.LogPath,
		session.FollowLines,
		session.GrepPattern,
		session.Status,
	).Scan(&session.CreatedAt)
}

// GetByID retrieves a session by id.
func (r *logSessionRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.LogStreamSession, error) {
	query := `SELECT ` + logSessionColumns + ` FROM log_stream_sessions WHERE session_id = $1`

	session, err := scanLogSession(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// List retrieves sessions, optionally filtered by status.
func (r *logSessionRepo) List(ctx context.Context, status *models.LogSessionStatus) ([]*models.LogStreamSession, error) {
	query := `SELECT ` + logSessionColumns + ` FROM log_stream_sessions`
	args := []any{}
	if status != nil {
		query += ` WHERE status = $1`
		args = append(args, *status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*models.LogStreamSession
	for rows.Next() {
		session, err := scanLogSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// MarkActive transitions created -> active when the WebSocket attaches.
// Returns pgx.ErrNoRows when the session is missing or already consumed.
func (r *logSessionRepo) MarkActive(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE log_stream_sessions
		SET status = 'active', connected_at = NOW()
		WHERE session_id = $1 AND status = 'created'`

	result, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// MarkTerminal records the final state of a session. Terminal rows are never
// updated again.
func (r *logSessionRepo) MarkTerminal(ctx context.Context, id uuid.UUID, status models.LogSessionStatus, linesSent int64, errorMessage *string) error {
	query := `
		UPDATE log_stream_sessions
		SET status = $2, disconnected_at = NOW(), lines_sent = $3, error_message = $4
		WHERE session_id = $1 AND status IN ('created', 'active')`

	_, err := r.pool.Exec(ctx, query, id, status, linesSent, errorMessage)
	return err
}

// CountActive returns how many sessions are currently streaming.
func (r *logSessionRepo) CountActive(ctx context.Context) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM log_stream_sessions WHERE status = 'active'`).Scan(&count)
	return count, err
}

// DeleteTerminalBefore removes finished sessions older than the cutoff.
func (r *logSessionRepo) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM log_stream_sessions
		WHERE status IN ('closed', 'error', 'stopped') AND created_at < $1`

	result, err := r.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

// Compile-time check to ensure logSessionRepo implements LogSessionRepository.
var _ LogSessionRepository = (*logSessionRepo)(nil)
