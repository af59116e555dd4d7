package logstream

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/omniforge/zonemind/internal/models"
)

const (
	writeWait        = 10 * time.Second
	maxInboundBytes  = 1024
	scannerBufferCap = 1024 * 1024
)

// frame is one outbound WebSocket message.
type frame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Logname   string `json:"logname,omitempty"`
	Line      string `json:"line,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
	ExitCode  *int   `json:"exit_code,omitempty"`
}

// control is the inbound message shape. Anything undecodable is dropped.
type control struct {
	Type string `json:"type"`
}

// sessionFinalizer is the slice of the session repository the stream needs.
type sessionFinalizer interface {
	MarkTerminal(ctx context.Context, id uuid.UUID, status models.LogSessionStatus, linesSent int64, errorMessage *string) error
}

// session owns one attached stream: the tail process, the socket, and the
// final row update. stop is idempotent; the first caller decides the
// terminal status.
type session struct {
	id      uuid.UUID
	logname string
	grep    string

	conn *websocket.Conn
	cmd  *exec.Cmd
	repo sessionFinalizer

	logger *slog.Logger

	writeMu sync.Mutex
	lines   atomic.Int64

	done       chan struct{}
	stderrDone chan struct{}
	stopOnce   sync.Once
	onClose    func(uuid.UUID)
}

func tailCommand(path string, followLines int) *exec.Cmd {
	return exec.Command("tail", "-f", "-n", strconv.Itoa(followLines), path)
}

// send writes one frame under the write lock. gorilla connections allow a
// single concurrent writer.
func (s *session) send(f frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(f)
}

// run drives the session until teardown. Every exit path ends with the tail
// process reaped and the row finalized.
func (s *session) run(stdout, stderr io.ReadCloser, logPath string) {
	go s.stderrPump(stderr)
	go s.readPump()

	err := s.send(frame{
		Type:      "status",
		SessionID: s.id.String(),
		Logname:   s.logname,
		Message:   "streaming " + logPath,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		s.stop(models.LogSessionError, strPtr("status frame write failed"))
	} else {
		s.pumpLines(stdout)
	}

	// By here tail is either dead (stop ran) or exited on its own, so the
	// drain cannot block. Wait must not race the stderr reader.
	io.Copy(io.Discard, stdout)
	<-s.stderrDone
	waitErr := s.cmd.Wait()

	if s.finished() {
		return
	}

	// tail ended by itself: tell the client before closing.
	code := 0
	if waitErr != nil {
		code = -1
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
	}
	s.send(frame{Type: "process_exit", ExitCode: &code, Timestamp: time.Now().UTC().Format(time.RFC3339)})
	if code == 0 {
		s.stop(models.LogSessionClosed, nil)
	} else {
		s.stop(models.LogSessionError, strPtr("tail exited with code "+strconv.Itoa(code)))
	}
}

// pumpLines forwards stdout lines as log_line frames, applying the optional
// substring filter. Returns when stdout drains or the socket dies; a dead
// socket kills the tail so the caller's drain terminates.
func (s *session) pumpLines(stdout io.ReadCloser) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), scannerBufferCap)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if s.grep != "" && !strings.Contains(line, s.grep) {
			continue
		}
		if err := s.send(frame{
			Type:      "log_line",
			Line:      line,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}); err != nil {
			s.stop(models.LogSessionClosed, nil)
			return
		}
		s.lines.Add(1)
	}
}

// stderrPump forwards tail diagnostics as error frames.
func (s *session) stderrPump(stderr io.ReadCloser) {
	defer close(s.stderrDone)
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		s.send(frame{Type: "error", Error: line, Timestamp: time.Now().UTC().Format(time.RFC3339)})
	}
}

// readPump handles inbound control messages until the socket dies.
func (s *session) readPump() {
	s.conn.SetReadLimit(maxInboundBytes)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.stop(models.LogSessionClosed, nil)
			return
		}
		var msg control
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		switch msg.Type {
		case "ping":
			s.send(frame{Type: "pong", Timestamp: time.Now().UTC().Format(time.RFC3339)})
		case "pause":
			s.signalTail(syscall.SIGSTOP)
		case "resume":
			s.signalTail(syscall.SIGCONT)
		}
	}
}

func (s *session) signalTail(sig syscall.Signal) {
	if s.finished() || s.cmd.Process == nil {
		return
	}
	if err := s.cmd.Process.Signal(sig); err != nil {
		s.logger.Warn("tail signal failed", "session_id", s.id, "signal", sig.String(), "error", err)
	}
}

// stop kills the tail, closes the socket, persists the final row state and
// deregisters the session. The first caller's status wins.
func (s *session) stop(status models.LogSessionStatus, errMsg *string) {
	s.stopOnce.Do(func() {
		close(s.done)

		if s.cmd.Process != nil {
			// SIGCONT first so a paused tail can die.
			s.cmd.Process.Signal(syscall.SIGCONT)
			s.cmd.Process.Kill()
		}

		s.writeMu.Lock()
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, status.String()),
			time.Now().Add(time.Second))
		s.conn.Close()
		s.writeMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.repo.MarkTerminal(ctx, s.id, status, s.lines.Load(), errMsg); err != nil {
			s.logger.Error("session finalize failed", "session_id", s.id, "error", err)
		}
		s.logger.Info("log stream ended",
			"session_id", s.id,
			"logname", s.logname,
			"status", status.String(),
			"lines_sent", s.lines.Load(),
		)

		if s.onClose != nil {
			s.onClose(s.id)
		}
	})
}

// finished reports whether teardown has run.
func (s *session) finished() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func strPtr(s string) *string {
	return &s
}
