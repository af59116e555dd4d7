package logstream

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5"

	"github.com/omniforge/zonemind/internal/config"
	"github.com/omniforge/zonemind/internal/models"
	"github.com/omniforge/zonemind/internal/repository"
)

const (
	janitorInterval   = time.Hour
	terminalRetention = time.Hour
)

// StartParams carries the client options for a new stream.
type StartParams struct {
	FollowLines int
	GrepPattern string
}

// Manager creates, attaches and terminates log stream sessions. The database
// is the source of truth for session state; the in-memory map only indexes
// sockets that are currently attached on this process.
type Manager struct {
	cfg    config.SystemLogsConfig
	repo   repository.LogSessionRepository
	logger *slog.Logger

	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[uuid.UUID]*session

	done chan struct{}
	wg   sync.WaitGroup
}

// NewManager creates a log stream manager.
func NewManager(cfg config.SystemLogsConfig, repo repository.LogSessionRepository, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		repo:   repo,
		logger: logger.With("component", "logstream"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The session cookie is the access control; origin checks
			// would break non-browser clients.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions: make(map[uuid.UUID]*session),
		done:     make(chan struct{}),
	}
}

// Start launches the hourly janitor.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.janitor()
}

// Shutdown stops every live session and waits for their teardown, bounded by
// the context.
func (m *Manager) Shutdown(ctx context.Context) error {
	close(m.done)

	m.mu.Lock()
	live := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()

	for _, s := range live {
		s.stop(models.LogSessionClosed, nil)
	}

	finished := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartSession validates the request and creates a session row in the
// created state. The caller hands the returned cookie to the client, which
// must present it on the WebSocket attach.
func (m *Manager) StartSession(ctx context.Context, logname string, params StartParams) (*models.LogStreamSession, error) {
	if !m.cfg.Enabled {
		return nil, ErrDisabled
	}

	logPath, err := resolveLogPath(logname, m.cfg.AllowedPaths)
	if err != nil {
		return nil, err
	}
	if matchesForbidden(logPath, m.cfg.Security.ForbiddenPatterns) {
		return nil, fmt.Errorf("%w: %s matches a forbidden pattern", ErrForbidden, logname)
	}

	info, err := os.Stat(logPath)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", logPath, err)
	}
	if maxBytes := int64(m.cfg.Security.MaxFileSizeMB) * 2 * 1024 * 1024; maxBytes > 0 && info.Size() > maxBytes {
		return nil, fmt.Errorf("%w: %s is %d bytes (limit %d)", ErrTooLarge, logname, info.Size(), maxBytes)
	}

	binary, err := looksBinary(logPath)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", logPath, err)
	}
	if binary {
		return nil, fmt.Errorf("%w: %s", ErrBinary, logname)
	}

	active, err := m.repo.CountActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("count active sessions: %w", err)
	}
	if active >= int64(m.cfg.MaxConcurrentStreams) {
		return nil, fmt.Errorf("%w: %d active", ErrTooManyStreams, active)
	}

	cookie, err := newCookie()
	if err != nil {
		return nil, err
	}
	row := &models.LogStreamSession{
		SessionID:   uuid.New(),
		Cookie:      cookie,
		Logname:     logname,
		LogPath:     logPath,
		FollowLines: clampFollowLines(params.FollowLines),
		Status:      models.LogSessionCreated,
	}
	if params.GrepPattern != "" {
		row.GrepPattern = &params.GrepPattern
	}
	if err := m.repo.Create(ctx, row); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	m.logger.Info("log stream session created",
		"session_id", row.SessionID,
		"logname", logname,
		"log_path", logPath,
		"follow_lines", row.FollowLines,
	)
	return row, nil
}

// Attach upgrades the request to a WebSocket and starts streaming. The
// session must be in the created state and the cookie must match; each
// session is consumable exactly once. After a successful upgrade all errors
// go to the socket, so a nil return does not mean the stream survived.
func (m *Manager) Attach(w http.ResponseWriter, r *http.Request, id uuid.UUID, cookie string) error {
	row, err := m.repo.GetByID(r.Context(), id)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if row == nil {
		return ErrSessionNotFound
	}
	if subtle.ConstantTimeCompare([]byte(row.Cookie), []byte(cookie)) != 1 {
		return ErrBadCookie
	}
	if row.Status != models.LogSessionCreated {
		return ErrSessionConsumed
	}

	if err := m.repo.MarkActive(r.Context(), id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrSessionConsumed
		}
		return fmt.Errorf("activate session: %w", err)
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		m.finalizeDetached(id, models.LogSessionError, "websocket upgrade failed")
		return nil
	}

	cmd := tailCommand(row.LogPath, row.FollowLines)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		m.abortAttached(conn, id, "tail stdout pipe: "+err.Error())
		return nil
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		m.abortAttached(conn, id, "tail stderr pipe: "+err.Error())
		return nil
	}
	if err := cmd.Start(); err != nil {
		m.abortAttached(conn, id, "start tail: "+err.Error())
		return nil
	}

	sess := &session{
		id:         id,
		logname:    row.Logname,
		conn:       conn,
		cmd:        cmd,
		repo:       m.repo,
		logger:     m.logger,
		done:       make(chan struct{}),
		stderrDone: make(chan struct{}),
		onClose:    m.deregister,
	}
	if row.GrepPattern != nil {
		sess.grep = *row.GrepPattern
	}

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	m.logger.Info("log stream attached", "session_id", id, "logname", row.Logname)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		sess.run(stdout, stderr, row.LogPath)
	}()
	return nil
}

// StopSession terminates a session from the REST side. Already-terminal
// sessions are a no-op.
func (m *Manager) StopSession(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	sess := m.sessions[id]
	m.mu.Unlock()

	if sess != nil {
		sess.stop(models.LogSessionStopped, nil)
		return nil
	}

	row, err := m.repo.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if row == nil {
		return ErrSessionNotFound
	}
	if row.Status.Terminal() {
		return nil
	}
	if err := m.repo.MarkTerminal(ctx, id, models.LogSessionStopped, row.LinesSent, nil); err != nil {
		return fmt.Errorf("stop session: %w", err)
	}
	m.logger.Info("log stream session stopped", "session_id", id, "logname", row.Logname)
	return nil
}

// ListSessions returns all known session rows, newest first.
func (m *Manager) ListSessions(ctx context.Context) ([]*models.LogStreamSession, error) {
	return m.repo.List(ctx, nil)
}

// finalizeDetached records a terminal state for a session that never got a
// working socket.
func (m *Manager) finalizeDetached(id uuid.UUID, status models.LogSessionStatus, msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.repo.MarkTerminal(ctx, id, status, 0, &msg); err != nil {
		m.logger.Error("session finalize failed", "session_id", id, "error", err)
	}
}

// abortAttached tears down a freshly upgraded socket when the tail could not
// be started.
func (m *Manager) abortAttached(conn *websocket.Conn, id uuid.UUID, msg string) {
	m.logger.Error("log stream start failed", "session_id", id, "error", msg)
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteJSON(frame{Type: "error", Error: msg, Timestamp: time.Now().UTC().Format(time.RFC3339)})
	conn.Close()
	m.finalizeDetached(id, models.LogSessionError, msg)
}

func (m *Manager) deregister(id uuid.UUID) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// janitor periodically deletes old terminal rows and sweeps any in-memory
// session whose teardown failed to deregister it.
func (m *Manager) janitor() {
	defer m.wg.Done()
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	deleted, err := m.repo.DeleteTerminalBefore(ctx, time.Now().Add(-terminalRetention))
	if err != nil {
		m.logger.Error("session cleanup failed", "error", err)
	} else if deleted > 0 {
		m.logger.Info("cleaned up finished log sessions", "deleted", deleted)
	}

	m.mu.Lock()
	for id, sess := range m.sessions {
		if sess.finished() {
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()
}

func newCookie() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate cookie: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
