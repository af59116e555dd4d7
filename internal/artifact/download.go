package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/omniforge/zonemind/internal/command"
	"github.com/omniforge/zonemind/internal/models"
)

// ErrCancelled is returned by long-running engine operations when the caller
// requested cancellation mid-flight. Partial files are already cleaned up
// when it is returned.
var ErrCancelled = errors.New("operation cancelled")

// DownloadParams describes a URL download task. FinalPath is resolved at
// enqueue time so the queue can refuse a second writer for the same target
// and so scans can see in-flight targets.
type DownloadParams struct {
	URL               string                   `json:"url" validate:"required,url"`
	StorageLocationID uuid.UUID                `json:"storage_location_id" validate:"required"`
	Filename          string                   `json:"filename,omitempty"`
	FinalPath         string                   `json:"final_path" validate:"required"`
	Checksum          string                   `json:"checksum,omitempty"`
	ChecksumAlgorithm models.ChecksumAlgorithm `json:"checksum_algorithm,omitempty"`
	OverwriteExisting bool                     `json:"overwrite_existing,omitempty"`
}

// DownloadProgress is the progress_info shape published while streaming.
type DownloadProgress struct {
	DownloadedMB float64 `json:"downloaded_mb"`
	TotalMB      float64 `json:"total_mb"`
	SpeedMbps    float64 `json:"speed_mbps"`
	ETASeconds   int     `json:"eta_seconds"`
	Status       string  `json:"status"`
}

// DownloadResult reports a completed download.
type DownloadResult struct {
	ArtifactID uuid.UUID `json:"artifact_id"`
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	Checksum   string    `json:"checksum,omitempty"`
	Verified   bool      `json:"verified"`
	DurationS  float64   `json:"duration_seconds"`
}

// ProgressFunc receives periodic progress while a download streams.
type ProgressFunc func(percent int, info any)

// DownloadFilename derives the target filename from explicit input or the
// URL path.
func DownloadFilename(rawURL, explicit string) (string, error) {
	if explicit != "" {
		return path.Base(explicit), nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		return "", fmt.Errorf("cannot derive filename from %s, supply one explicitly", rawURL)
	}
	return name, nil
}

// ValidateDownloadTarget checks the URL, location, and filename extension
// before a download task is accepted. Returns the resolved location and
// final path.
func (e *Engine) ValidateDownloadTarget(ctx context.Context, p *DownloadParams) (*models.ArtifactStorageLocation, string, error) {
	u, err := url.Parse(p.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, "", fmt.Errorf("url must be http or https")
	}

	loc, err := e.resolveLocation(ctx, p.StorageLocationID)
	if err != nil {
		return nil, "", err
	}
	if !loc.Enabled {
		return nil, "", fmt.Errorf("storage location %s is disabled", loc.Name)
	}

	filename, err := DownloadFilename(p.URL, p.Filename)
	if err != nil {
		return nil, "", err
	}
	if _, ok := extensionMatch(filename, e.supportedExtensions(loc.Type)); !ok {
		return nil, "", fmt.Errorf("filename %s does not match a supported %s extension", filename, loc.Type)
	}
	if p.Checksum != "" && !p.ChecksumAlgorithm.Valid() {
		return nil, "", fmt.Errorf("checksum requires a valid checksum_algorithm (md5, sha1, sha256)")
	}
	return loc, FinalPath(loc, filename), nil
}

// Download streams a URL into its storage location. The target is
// pre-created with privilege and opened world-writable so the unprivileged
// service can stream into a root-owned directory; on any failure or
// cancellation the partial file is removed.
func (e *Engine) Download(ctx context.Context, p *DownloadParams, progress ProgressFunc, cancelled func() bool) (*DownloadResult, error) {
	loc, finalPath, err := e.ValidateDownloadTarget(ctx, p)
	if err != nil {
		return nil, err
	}
	if p.FinalPath != "" {
		finalPath = p.FinalPath
	}

	if _, err := os.Stat(finalPath); err == nil && !p.OverwriteExisting {
		return nil, fmt.Errorf("file already exists at %s", finalPath)
	}

	if err := e.createWritable(ctx, finalPath); err != nil {
		return nil, err
	}

	started := time.Now()
	size, err := e.stream(ctx, p.URL, finalPath, progress, cancelled)
	if err != nil {
		e.discardPartial(finalPath)
		return nil, err
	}

	result := &DownloadResult{Path: finalPath, Size: size}

	checksum := p.Checksum
	algorithm := p.ChecksumAlgorithm
	if checksum != "" {
		calculated, err := HashFile(ctx, finalPath, algorithm)
		if err != nil {
			e.discardPartial(finalPath)
			return nil, fmt.Errorf("hash downloaded file: %w", err)
		}
		if !strings.EqualFold(calculated, checksum) {
			e.discardPartial(finalPath)
			return nil, fmt.Errorf("checksum mismatch: expected %s, calculated %s", checksum, calculated)
		}
		result.Checksum = calculated
		result.Verified = true
	}

	row := newArtifactRow(loc, path.Base(finalPath), size, extensionOf(finalPath, e.supportedExtensions(loc.Type)))
	row.SourceURL = &p.URL
	if result.Verified {
		row.Checksum = &result.Checksum
		row.ChecksumAlgorithm = &algorithm
		verified := true
		row.ChecksumVerified = &verified
	}
	now := time.Now()
	row.LastVerified = &now

	if err := e.artifacts.UpsertByPath(ctx, row); err != nil {
		return nil, fmt.Errorf("record artifact: %w", err)
	}
	if err := e.locations.RecomputeAggregates(ctx, loc.ID); err != nil {
		return nil, fmt.Errorf("recompute aggregates: %w", err)
	}

	result.ArtifactID = row.ID
	result.DurationS = time.Since(started).Seconds()
	e.logger.Info("download completed",
		"url", p.URL, "path", finalPath, "size", size, "verified", result.Verified)
	return result, nil
}

// createWritable pre-creates the target with privilege and opens it to the
// service user. Storage locations are root-owned pool mounts.
func (e *Engine) createWritable(ctx context.Context, path string) error {
	if r := e.runner.Run(ctx, command.Privileged("touch "+command.Quote(path))); !r.Success {
		return fmt.Errorf("create %s: %s", path, r.Error)
	}
	if r := e.runner.Run(ctx, command.Privileged("chmod 666 "+command.Quote(path))); !r.Success {
		return fmt.Errorf("chmod %s: %s", path, r.Error)
	}
	return nil
}

// stream performs the HTTP transfer with periodic progress publication and
// cooperative cancellation between chunks.
func (e *Engine) stream(ctx context.Context, rawURL, target string, progress ProgressFunc, cancelled func() bool) (int64, error) {
	streamCtx := ctx
	if e.cfg.Download.StreamTimeoutSeconds > 0 {
		var cancel context.CancelFunc
		streamCtx, cancel = context.WithTimeout(ctx, time.Duration(e.cfg.Download.StreamTimeoutSeconds)*time.Second)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("fetch %s: unexpected status %s", rawURL, resp.Status)
	}

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return 0, fmt.Errorf("open %s for writing: %w", target, err)
	}
	defer out.Close()

	total := resp.ContentLength
	interval := time.Duration(e.cfg.Download.ProgressUpdateSeconds) * time.Second
	if interval <= 0 {
		interval = 3 * time.Second
	}

	var written int64
	started := time.Now()
	lastTick := started
	buf := make([]byte, 256*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return written, fmt.Errorf("write %s: %w", target, werr)
			}
			written += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if streamCtx.Err() != nil && ctx.Err() == nil {
				return written, fmt.Errorf("download exceeded stream timeout after %.0fs", time.Since(started).Seconds())
			}
			return written, fmt.Errorf("read body: %w", rerr)
		}

		if time.Since(lastTick) >= interval {
			lastTick = time.Now()
			if cancelled != nil && cancelled() {
				return written, ErrCancelled
			}
			if progress != nil {
				progress(downloadPercent(written, total), snapshotProgress(written, total, started))
			}
		}
	}

	if err := out.Sync(); err != nil {
		return written, fmt.Errorf("sync %s: %w", target, err)
	}
	if progress != nil {
		progress(downloadPercent(written, written), snapshotProgress(written, written, started))
	}
	return written, nil
}

// discardPartial removes a partial or failed download target with privilege.
func (e *Engine) discardPartial(path string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if r := e.removeFile(ctx, path, true); !r.Success {
		e.logger.Error("failed to remove partial download", "path", path, "error", r.Error)
	}
}

func downloadPercent(written, total int64) int {
	if total <= 0 {
		return 0
	}
	pct := int(written * 100 / total)
	if pct > 100 {
		pct = 100
	}
	return pct
}

func snapshotProgress(written, total int64, started time.Time) DownloadProgress {
	elapsed := time.Since(started).Seconds()
	if elapsed <= 0 {
		elapsed = 1
	}
	bytesPerSec := float64(written) / elapsed
	info := DownloadProgress{
		DownloadedMB: float64(written) / (1 << 20),
		SpeedMbps:    bytesPerSec * 8 / 1e6,
		Status:       "downloading",
	}
	if total > 0 {
		info.TotalMB = float64(total) / (1 << 20)
		if bytesPerSec > 0 && total > written {
			info.ETASeconds = int(float64(total-written) / bytesPerSec)
		}
	}
	return info
}

func extensionOf(filename string, allowed []string) string {
	ext, _ := extensionMatch(path.Base(filename), allowed)
	return ext
}
