package executor

import (
	"archive/tar"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/omniforge/zonemind/internal/command"
	"github.com/omniforge/zonemind/internal/sshclient"
	"github.com/omniforge/zonemind/internal/taskqueue"
)

// extractTimeout caps the in-process untar of a provisioning bundle.
const extractTimeout = 5 * time.Minute

var zoneNameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,63}$`)

// ValidateZoneName enforces zonecfg naming rules.
func ValidateZoneName(name string) error {
	if name == "" {
		return fmt.Errorf("zone_name is required")
	}
	if name == "global" {
		return fmt.Errorf("the global zone cannot be a provisioning target")
	}
	if !zoneNameRe.MatchString(name) {
		return fmt.Errorf("invalid zone name %q", name)
	}
	return nil
}

// ZoneCredentials carry how to reach a zone over SSH. A relative key path
// resolves under the zone's provisioning mount.
type ZoneCredentials struct {
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
	KeyPath  string `json:"key_path,omitempty"`
}

// ZoneWaitSSHParams describes a zone_wait_ssh task.
type ZoneWaitSSHParams struct {
	Host                string          `json:"host" validate:"required"`
	Port                int             `json:"port,omitempty"`
	Credentials         ZoneCredentials `json:"credentials"`
	TimeoutSeconds      int             `json:"timeout_seconds,omitempty"`
	PollIntervalSeconds int             `json:"poll_interval_seconds,omitempty"`
}

// ZoneSyncParams describes a zone_sync task: one folder pushed to the zone.
type ZoneSyncParams struct {
	Host        string          `json:"host" validate:"required"`
	Port        int             `json:"port,omitempty"`
	Credentials ZoneCredentials `json:"credentials"`
	Source      string          `json:"source" validate:"required"`
	Destination string          `json:"destination" validate:"required"`
	Exclude     []string        `json:"exclude,omitempty"`
	Args        []string        `json:"args,omitempty"`
	Delete      bool            `json:"delete,omitempty"`
	Owner       string          `json:"owner,omitempty"`
	Group       string          `json:"group,omitempty"`
}

// ZoneProvisionParams describes a zone_provision task: ansible-playbook run
// locally inside the zone over SSH.
type ZoneProvisionParams struct {
	Host           string          `json:"host" validate:"required"`
	Port           int             `json:"port,omitempty"`
	Credentials    ZoneCredentials `json:"credentials"`
	WorkingDir     string          `json:"working_dir" validate:"required"`
	Playbook       string          `json:"playbook" validate:"required"`
	ExtraVars      map[string]any  `json:"extra_vars,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
}

// ProvisioningExtractParams describes a zone_provisioning_extract task.
type ProvisioningExtractParams struct {
	ArtifactPath string `json:"artifact_path" validate:"required"`
}

// credentials resolves zone credentials against the provisioning config,
// anchoring relative key paths under the zone's mount.
func (e *Executor) credentials(zone string, c ZoneCredentials) sshclient.Credentials {
	creds := sshclient.Credentials{
		Username: c.Username,
		Password: c.Password,
		KeyPath:  c.KeyPath,
	}
	if creds.KeyPath == "" && creds.Password == "" {
		creds.KeyPath = e.provisioning.SSH.KeyPath
	}
	if creds.KeyPath != "" && !filepath.IsAbs(creds.KeyPath) {
		creds.KeyPath = filepath.Join(e.provisioning.MountBase, zone, creds.KeyPath)
	}
	return creds
}

func (e *Executor) handleZoneWaitSSH(ctx context.Context, h *taskqueue.Handle) (*taskqueue.Result, error) {
	var p ZoneWaitSSHParams
	if err := h.Params(&p); err != nil {
		return nil, err
	}
	zone := h.Task().ZoneName
	if err := ValidateZoneName(zone); err != nil {
		return nil, err
	}
	if p.Host == "" {
		return nil, fmt.Errorf("host is required")
	}
	if p.Credentials.Username == "" {
		return nil, fmt.Errorf("credentials.username is required")
	}

	port := p.Port
	if port == 0 {
		port = 22
	}
	timeout := time.Duration(p.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = time.Duration(e.provisioning.SSH.TimeoutSeconds) * time.Second
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	interval := time.Duration(p.PollIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Duration(e.provisioning.SSH.PollIntervalSeconds) * time.Second
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}

	creds := e.credentials(zone, p.Credentials)
	e.logger.Info("waiting for zone ssh", "zone", zone, "host", p.Host, "timeout", timeout.String())

	if err := e.ssh.WaitForReady(ctx, p.Host, port, creds, timeout, interval); err != nil {
		if h.Cancelled(ctx) {
			return nil, taskqueue.ErrCancelled
		}
		return nil, fmt.Errorf("zone %s did not become reachable: %w", zone, err)
	}
	return taskqueue.Succeed("zone %s reachable over ssh at %s", zone, p.Host), nil
}

func (e *Executor) handleZoneSync(ctx context.Context, h *taskqueue.Handle) (*taskqueue.Result, error) {
	var p ZoneSyncParams
	if err := h.Params(&p); err != nil {
		return nil, err
	}
	zone := h.Task().ZoneName
	if err := ValidateZoneName(zone); err != nil {
		return nil, err
	}
	if p.Source == "" || p.Destination == "" {
		return nil, fmt.Errorf("source and destination are required")
	}
	if !filepath.IsAbs(p.Destination) {
		return nil, fmt.Errorf("destination must be absolute")
	}

	src := p.Source
	if !filepath.IsAbs(src) {
		src = filepath.Join(e.provisioning.MountBase, zone, src)
	}
	if _, err := os.Stat(src); err != nil {
		return nil, fmt.Errorf("sync source: %w", err)
	}

	port := p.Port
	if port == 0 {
		port = 22
	}
	creds := e.credentials(zone, p.Credentials)

	if err := e.ssh.MkdirRemote(ctx, p.Host, port, creds, p.Destination); err != nil {
		return nil, fmt.Errorf("prepare destination: %w", err)
	}
	if h.Cancelled(ctx) {
		return nil, taskqueue.ErrCancelled
	}

	owner := p.Owner
	group := p.Group
	if owner == "" && group == "" {
		owner = p.Credentials.Username
	}
	_, err := e.ssh.Rsync(ctx, src, p.Destination, p.Host, port, creds, sshclient.RsyncOptions{
		Exclude: p.Exclude,
		Args:    p.Args,
		Delete:  p.Delete,
		Owner:   owner,
		Group:   group,
	})
	if err != nil {
		return nil, err
	}
	return taskqueue.Succeed("synced %s to %s:%s", src, p.Host, p.Destination), nil
}

func (e *Executor) handleZoneProvision(ctx context.Context, h *taskqueue.Handle) (*taskqueue.Result, error) {
	var p ZoneProvisionParams
	if err := h.Params(&p); err != nil {
		return nil, err
	}
	zone := h.Task().ZoneName
	if err := ValidateZoneName(zone); err != nil {
		return nil, err
	}
	if p.WorkingDir == "" || p.Playbook == "" {
		return nil, fmt.Errorf("working_dir and playbook are required")
	}
	if strings.Contains(p.Playbook, "..") || filepath.IsAbs(p.Playbook) {
		return nil, fmt.Errorf("playbook must be a relative path inside working_dir")
	}

	port := p.Port
	if port == 0 {
		port = 22
	}
	timeout := time.Duration(p.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	creds := e.credentials(zone, p.Credentials)

	remote := fmt.Sprintf("cd %s && ansible-playbook -i localhost, -c local %s",
		command.Quote(p.WorkingDir), command.Quote(p.Playbook))
	if len(p.ExtraVars) > 0 {
		vars, err := json.Marshal(p.ExtraVars)
		if err != nil {
			return nil, fmt.Errorf("encode extra_vars: %w", err)
		}
		remote += " --extra-vars " + command.Quote(string(vars))
	}

	e.logger.Info("provisioning zone", "zone", zone, "playbook", p.Playbook, "task_id", h.ID())
	if err := h.Progress(ctx, 10, map[string]string{"stage": "running_playbook"}); err != nil {
		e.logger.Debug("progress write failed", "error", err)
	}

	result, err := e.ssh.Exec(ctx, p.Host, port, creds, remote, timeout)
	if err != nil {
		return nil, fmt.Errorf("run playbook: %w", err)
	}
	if result.ExitCode != 0 {
		tail := lastLines(result.Stdout+"\n"+result.Stderr, 20)
		return nil, fmt.Errorf("ansible-playbook exited %d: %s", result.ExitCode, tail)
	}

	res := taskqueue.Succeed("playbook %s completed on zone %s", p.Playbook, zone)
	res.Data = map[string]string{"output_tail": lastLines(result.Stdout, 20)}
	return res, nil
}

func (e *Executor) handleProvisioningExtract(ctx context.Context, h *taskqueue.Handle) (*taskqueue.Result, error) {
	var p ProvisioningExtractParams
	if err := h.Params(&p); err != nil {
		return nil, err
	}
	zone := h.Task().ZoneName
	if err := ValidateZoneName(zone); err != nil {
		return nil, err
	}
	if p.ArtifactPath == "" {
		return nil, fmt.Errorf("artifact_path is required")
	}
	if _, err := os.Stat(p.ArtifactPath); err != nil {
		return nil, fmt.Errorf("provisioning bundle: %w", err)
	}

	dataset := e.provisioning.DatasetBase + "/" + zone
	mountpoint := filepath.Join(e.provisioning.MountBase, zone)

	if err := e.ensureDataset(ctx, dataset, mountpoint); err != nil {
		return nil, err
	}
	if h.Cancelled(ctx) {
		return nil, taskqueue.ErrCancelled
	}

	// Ownership must change before extraction: the unprivileged service
	// writes the bundle contents itself.
	ownerSpec := e.provisioning.ServiceUser
	if e.provisioning.ServiceGroup != "" {
		ownerSpec += ":" + e.provisioning.ServiceGroup
	}
	if r := e.runner.Run(ctx, command.Privileged("chown -R "+command.Quote(ownerSpec)+" "+command.Quote(mountpoint))); !r.Success {
		return nil, fmt.Errorf("chown %s: %s", mountpoint, r.Error)
	}

	if err := h.Progress(ctx, 30, map[string]string{"stage": "extracting"}); err != nil {
		e.logger.Debug("progress write failed", "error", err)
	}

	extracted, err := extractBundle(ctx, p.ArtifactPath, mountpoint)
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", p.ArtifactPath, err)
	}

	if err := e.snapshotPreProvision(ctx, dataset); err != nil {
		return nil, err
	}

	e.refreshDatasetProjection(ctx, dataset)

	res := taskqueue.Succeed("extracted %d entries into %s", extracted, mountpoint)
	res.Data = map[string]any{"dataset": dataset, "mountpoint": mountpoint, "entries": extracted}
	return res, nil
}

// ensureDataset creates the per-zone provisioning dataset if missing.
func (e *Executor) ensureDataset(ctx context.Context, dataset, mountpoint string) error {
	if r := e.runner.Run(ctx, "zfs list -H -o name "+command.Quote(dataset)); r.Success {
		return nil
	}
	line := "zfs create -p -o mountpoint=" + command.Quote(mountpoint) + " " + command.Quote(dataset)
	if r := e.runner.Run(ctx, command.Privileged(line)); !r.Success {
		return fmt.Errorf("zfs create %s: %s", dataset, r.Error)
	}
	e.logger.Info("created provisioning dataset", "dataset", dataset, "mountpoint", mountpoint)
	return nil
}

// snapshotPreProvision recreates the @pre-provision snapshot so a re-run
// always captures the freshly extracted state.
func (e *Executor) snapshotPreProvision(ctx context.Context, dataset string) error {
	snap := dataset + "@pre-provision"
	if r := e.runner.Run(ctx, "zfs list -H -t snapshot -o name "+command.Quote(snap)); r.Success {
		if r := e.runner.Run(ctx, command.Privileged("zfs destroy "+command.Quote(snap))); !r.Success {
			return fmt.Errorf("zfs destroy %s: %s", snap, r.Error)
		}
	}
	if r := e.runner.Run(ctx, command.Privileged("zfs snapshot "+command.Quote(snap))); !r.Success {
		return fmt.Errorf("zfs snapshot %s: %s", snap, r.Error)
	}
	return nil
}

// extractBundle untars a gzip bundle under root, refusing entries that
// would land outside it. Private key material is tightened to 0600.
func extractBundle(ctx context.Context, bundle, root string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, extractTimeout)
	defer cancel()

	f, err := os.Open(bundle)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return 0, fmt.Errorf("gzip: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	count := 0
	for {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return count, nil
		}
		if err != nil {
			return count, fmt.Errorf("tar: %w", err)
		}

		target, err := secureJoin(root, hdr.Name)
		if err != nil {
			return count, err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, dirMode(hdr)); err != nil {
				return count, err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return count, err
			}
			if err := writeEntry(target, tr, fileMode(hdr)); err != nil {
				return count, err
			}
		case tar.TypeSymlink:
			if err := checkLinkTarget(root, target, hdr.Linkname); err != nil {
				return count, err
			}
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return count, err
			}
		default:
			// Devices, FIFOs and hard links have no business in a
			// provisioning bundle.
			continue
		}
		count++
	}
}

// secureJoin resolves an archive entry name under root and rejects escapes.
func secureJoin(root, name string) (string, error) {
	cleaned := filepath.Clean(name)
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("bundle entry %q escapes the extraction root", name)
	}
	target := filepath.Join(root, cleaned)
	if target != root && !strings.HasPrefix(target, root+string(filepath.Separator)) {
		return "", fmt.Errorf("bundle entry %q escapes the extraction root", name)
	}
	return target, nil
}

// checkLinkTarget rejects symlinks that point outside the extraction root.
func checkLinkTarget(root, target, linkname string) error {
	if filepath.IsAbs(linkname) {
		return fmt.Errorf("bundle symlink %q has an absolute target", linkname)
	}
	resolved := filepath.Join(filepath.Dir(target), linkname)
	if resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		return fmt.Errorf("bundle symlink %q escapes the extraction root", linkname)
	}
	return nil
}

func writeEntry(target string, r io.Reader, mode os.FileMode) error {
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	// OpenFile honors umask; private keys must end up exactly 0600.
	return os.Chmod(target, mode)
}

func dirMode(hdr *tar.Header) os.FileMode {
	mode := os.FileMode(hdr.Mode).Perm()
	if mode == 0 {
		mode = 0o755
	}
	return mode
}

func fileMode(hdr *tar.Header) os.FileMode {
	mode := os.FileMode(hdr.Mode).Perm()
	if mode == 0 {
		mode = 0o644
	}
	if isPrivateKeyName(hdr.Name) {
		return 0o600
	}
	return mode
}

// isPrivateKeyName flags bundle entries that carry key material.
func isPrivateKeyName(name string) bool {
	base := filepath.Base(name)
	if strings.HasSuffix(base, ".pem") || strings.HasSuffix(base, ".key") {
		return true
	}
	if strings.HasPrefix(base, "id_") && !strings.HasSuffix(base, ".pub") {
		return true
	}
	for _, part := range strings.Split(filepath.ToSlash(filepath.Dir(name)), "/") {
		if part == "keys" || part == ".ssh" {
			return !strings.HasSuffix(base, ".pub")
		}
	}
	return false
}

// lastLines returns at most n trailing lines of s.
func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
