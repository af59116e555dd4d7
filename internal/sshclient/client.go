// Package sshclient provides the SSH primitives zone provisioning runs on:
// readiness polling, remote exec, and rsync over ssh.
package sshclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/omniforge/zonemind/internal/command"
)

// Credentials selects the auth method for a zone. Key auth is preferred;
// password is the fallback. KeyPath must be absolute by the time it
// reaches this package.
type Credentials struct {
	Username string
	Password string
	KeyPath  string
}

// ExecResult carries the outcome of one remote command.
type ExecResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// Client runs SSH operations against zones.
type Client struct {
	runner command.Runner
	logger *slog.Logger
}

// New creates an SSH client. The command runner drives the host's rsync
// binary; everything else uses the in-process SSH implementation.
func New(runner command.Runner, logger *slog.Logger) *Client {
	return &Client{runner: runner, logger: logger.With("component", "sshclient")}
}

// clientConfig builds the handshake configuration. Zones are freshly
// provisioned throwaway hosts, so host keys are not pinned.
func clientConfig(creds Credentials, connectTimeout time.Duration) (*ssh.ClientConfig, error) {
	cfg := &ssh.ClientConfig{
		User:            creds.Username,
		Auth:            []ssh.AuthMethod{},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         connectTimeout,
	}
	if creds.KeyPath != "" {
		keyData, err := os.ReadFile(creds.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key %s: %w", creds.KeyPath, err)
		}
		signer, err := ssh.ParsePrivateKey(keyData)
		if err != nil {
			return nil, fmt.Errorf("parse private key %s: %w", creds.KeyPath, err)
		}
		cfg.Auth = append(cfg.Auth, ssh.PublicKeys(signer))
	}
	if creds.Password != "" {
		cfg.Auth = append(cfg.Auth, ssh.Password(creds.Password))
	}
	if len(cfg.Auth) == 0 {
		return nil, errors.New("no ssh auth method: need a private key or a password")
	}
	return cfg, nil
}

// dial connects honoring the context for the TCP portion and the config
// timeout for the handshake.
func dial(ctx context.Context, host string, port int, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", addr, err)
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// WaitForReady polls until an SSH handshake succeeds and a trivial command
// round-trips, or the timeout expires. One probe is in flight at a time.
func (c *Client) WaitForReady(ctx context.Context, host string, port int, creds Credentials, timeout, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	deadline := time.Now().Add(timeout)
	waitCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	attempt := 0
	for {
		attempt++
		err := c.probe(waitCtx, host, port, creds)
		if err == nil {
			c.logger.Info("ssh ready", "host", host, "port", port, "attempts", attempt)
			return nil
		}
		c.logger.Debug("ssh not ready yet", "host", host, "port", port, "attempt", attempt, "error", err)

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("ssh not ready on %s:%d after %s (%d attempts)", host, port, timeout, attempt)
		case <-time.After(interval):
		}
	}
}

// probe performs one readiness check: handshake plus an echo round-trip.
func (c *Client) probe(ctx context.Context, host string, port int, creds Credentials) error {
	cfg, err := clientConfig(creds, 10*time.Second)
	if err != nil {
		return err
	}
	client, err := dial(ctx, host, port, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("ssh session: %w", err)
	}
	defer session.Close()

	output, err := session.CombinedOutput("echo ready")
	if err != nil {
		return fmt.Errorf("readiness probe: %w", err)
	}
	if strings.TrimSpace(string(output)) != "ready" {
		return fmt.Errorf("unexpected probe output %q", strings.TrimSpace(string(output)))
	}
	return nil
}

// Exec runs one command on the remote host and captures both streams. A
// non-zero remote exit is reported in the result, not as an error; errors
// mean the command could not be run at all.
func (c *Client) Exec(ctx context.Context, host string, port int, creds Credentials, cmd string, timeout time.Duration) (*ExecResult, error) {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cfg, err := clientConfig(creds, 30*time.Second)
	if err != nil {
		return nil, err
	}
	client, err := dial(execCtx, host, port, cfg)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("ssh session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	if err := session.Start(cmd); err != nil {
		return nil, fmt.Errorf("ssh start: %w", err)
	}
	go func() { done <- session.Wait() }()

	select {
	case <-execCtx.Done():
		// Closing the connection unblocks Wait.
		client.Close()
		<-done
		return nil, fmt.Errorf("ssh command timed out after %s", timeout)
	case err = <-done:
	}

	result := &ExecResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		return nil, fmt.Errorf("ssh wait: %w", err)
	}
	return result, nil
}
