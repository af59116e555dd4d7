package sshclient

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/omniforge/zonemind/internal/command"
)

// RsyncOptions shape one folder sync.
type RsyncOptions struct {
	Exclude []string
	Args    []string
	Delete  bool
	Owner   string
	Group   string
	Timeout time.Duration
}

// sshTransport builds the -e argument. Known-hosts checks are disabled the
// same way the interactive provisioning flow does it.
func sshTransport(port int, creds Credentials) string {
	parts := []string{
		"ssh",
		"-p", fmt.Sprintf("%d", port),
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", "LogLevel=ERROR",
	}
	if creds.KeyPath != "" {
		parts = append(parts, "-i", creds.KeyPath)
	}
	return strings.Join(parts, " ")
}

// RsyncCommand assembles the full shell line for one folder sync. Split out
// from Rsync so the construction is testable without a remote end.
func RsyncCommand(src, dst, host string, port int, creds Credentials, opts RsyncOptions) string {
	args := []string{"rsync", "-az"}
	if opts.Delete {
		args = append(args, "--delete")
	}
	for _, ex := range opts.Exclude {
		args = append(args, "--exclude="+ex)
	}
	args = append(args, opts.Args...)
	args = append(args, "-e", command.Quote(sshTransport(port, creds)))

	if !strings.HasSuffix(src, "/") {
		src += "/"
	}
	args = append(args, command.Quote(src))
	args = append(args, command.Quote(fmt.Sprintf("%s@%s:%s", creds.Username, host, dst)))

	line := strings.Join(args, " ")
	if creds.KeyPath == "" && creds.Password != "" {
		line = "sshpass -p " + command.Quote(creds.Password) + " " + line
	}
	return line
}

// Rsync pushes one local folder to the remote host using the system rsync
// driven over ssh.
func (c *Client) Rsync(ctx context.Context, src, dst, host string, port int, creds Credentials, opts RsyncOptions) (*command.Result, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}

	line := RsyncCommand(src, dst, host, port, creds, opts)
	c.logger.Info("rsync started", "src", src, "dst", dst, "host", host)

	result := c.runner.RunTimeout(ctx, line, timeout)
	if !result.Success {
		return result, fmt.Errorf("rsync failed: %s", result.Error)
	}

	if opts.Owner != "" {
		owner := opts.Owner
		if opts.Group != "" {
			owner += ":" + opts.Group
		}
		chown := fmt.Sprintf("sudo chown -R %s %s", command.Quote(owner), command.Quote(dst))
		execResult, err := c.Exec(ctx, host, port, creds, chown, 2*time.Minute)
		if err != nil {
			return result, fmt.Errorf("chown after sync: %w", err)
		}
		if execResult.ExitCode != 0 {
			return result, fmt.Errorf("chown after sync exited %d: %s", execResult.ExitCode, strings.TrimSpace(execResult.Stderr))
		}
	}
	return result, nil
}

// MkdirRemote pre-creates the sync destination on the zone.
func (c *Client) MkdirRemote(ctx context.Context, host string, port int, creds Credentials, dir string) error {
	result, err := c.Exec(ctx, host, port, creds, "sudo mkdir -p "+command.Quote(dir), time.Minute)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("mkdir %s exited %d: %s", dir, result.ExitCode, strings.TrimSpace(result.Stderr))
	}
	return nil
}
