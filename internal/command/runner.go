package command

import (
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// Result is the outcome of one shell command. Executors embed it verbatim
// into task results, so the field set is part of the API surface.
type Result struct {
	Success  bool   `json:"success"`
	Output   string `json:"output"`
	Error    string `json:"error,omitempty"`
	ExitCode int    `json:"exit_code"`
}

// Runner executes shell command lines on the host.
type Runner interface {
	Run(ctx context.Context, line string) *Result
	RunTimeout(ctx context.Context, line string, timeout time.Duration) *Result
}

type shellRunner struct {
	shell     string
	termGrace time.Duration
	logger    *slog.Logger
}

// Option configures a shell runner.
type Option func(*shellRunner)

// WithShell overrides the shell binary, mainly for tests.
func WithShell(shell string) Option {
	return func(r *shellRunner) { r.shell = shell }
}

// WithTermGrace sets how long a timed-out process gets between SIGTERM
// and SIGKILL.
func WithTermGrace(d time.Duration) Option {
	return func(r *shellRunner) { r.termGrace = d }
}

// NewRunner creates a runner that executes lines through the platform shell.
func NewRunner(logger *slog.Logger, opts ...Option) Runner {
	r := &shellRunner{
		shell:     "/bin/sh",
		termGrace: 5 * time.Second,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes a command line and waits for it to finish. The context bounds
// the run; on cancellation or deadline the process receives SIGTERM, then
// SIGKILL after the grace window.
func (r *shellRunner) Run(ctx context.Context, line string) *Result {
	start := time.Now()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.shell, "-c", line)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = r.termGrace

	err := cmd.Run()

	result := &Result{
		Success:  err == nil,
		Output:   stdout.String(),
		ExitCode: -1,
	}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	if err != nil {
		switch {
		case ctx.Err() == context.DeadlineExceeded:
			result.Error = "command timed out"
		case ctx.Err() == context.Canceled:
			result.Error = "command cancelled"
		case stderr.Len() > 0:
			result.Error = strings.TrimSpace(stderr.String())
		default:
			result.Error = err.Error()
		}
	} else if stderr.Len() > 0 {
		// Some illumos tools warn on stderr while exiting zero. Preserve it
		// for the caller without flipping success.
		result.Error = strings.TrimSpace(stderr.String())
	}

	r.logger.Debug("command finished",
		"command", line,
		"success", result.Success,
		"exit_code", result.ExitCode,
		"duration", time.Since(start).String(),
	)
	return result
}

// RunTimeout executes a command line with its own deadline layered on the
// caller's context.
func (r *shellRunner) RunTimeout(ctx context.Context, line string, timeout time.Duration) *Result {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return r.Run(runCtx, line)
}

// Quote wraps s in single quotes for safe interpolation into a shell line.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n\"'`$\\|&;<>()*?[]#~%!{}") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// QuoteAll quotes every argument and joins them with spaces.
func QuoteAll(args ...string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = Quote(a)
	}
	return strings.Join(quoted, " ")
}

// Privileged prefixes a command line with pfexec so it runs with the
// service user's assigned profile rights.
func Privileged(line string) string {
	return "pfexec " + line
}

// Compile-time check to ensure shellRunner implements Runner.
var _ Runner = (*shellRunner)(nil)
