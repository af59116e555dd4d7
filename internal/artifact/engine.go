// Package artifact implements the storage engine: location scans, URL
// downloads, upload processing, and deletion, all race-safe against each
// other through the task queue's running index.
package artifact

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/omniforge/zonemind/internal/command"
	"github.com/omniforge/zonemind/internal/config"
	"github.com/omniforge/zonemind/internal/models"
	"github.com/omniforge/zonemind/internal/repository"
)

// RunningIndex exposes the in-flight download targets the scan race rule
// needs. Satisfied by the task queue.
type RunningIndex interface {
	DownloadingPaths() []string
}

// Engine coordinates the artifact inventory against the filesystem.
type Engine struct {
	cfg       config.ArtifactStorageConfig
	locations repository.LocationRepository
	artifacts repository.ArtifactRepository
	runner    command.Runner
	index     RunningIndex
	logger    *slog.Logger
	client    *http.Client
}

// NewEngine creates the artifact engine. The HTTP client is only used for
// URL downloads; per-request deadlines come from the download config.
func NewEngine(
	cfg config.ArtifactStorageConfig,
	locations repository.LocationRepository,
	artifacts repository.ArtifactRepository,
	runner command.Runner,
	index RunningIndex,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		cfg:       cfg,
		locations: locations,
		artifacts: artifacts,
		runner:    runner,
		index:     index,
		logger:    logger.With("component", "artifact"),
		client:    &http.Client{},
	}
}

// Locations exposes the location repository for the HTTP layer.
func (e *Engine) Locations() repository.LocationRepository {
	return e.locations
}

// Artifacts exposes the artifact repository for the HTTP layer.
func (e *Engine) Artifacts() repository.ArtifactRepository {
	return e.artifacts
}

// supportedExtensions returns the dot-prefixed extension list for a
// location type.
func (e *Engine) supportedExtensions(locType models.LocationType) []string {
	return e.cfg.Scanning.SupportedExtensions[string(locType)]
}

// extensionMatch reports whether the filename carries one of the allowed
// extensions and returns the matched one. Extensions may be multi-part
// (".tar.gz"), so plain filepath.Ext is not enough.
func extensionMatch(filename string, allowed []string) (string, bool) {
	lower := strings.ToLower(filename)
	for _, ext := range allowed {
		if strings.HasSuffix(lower, strings.ToLower(ext)) {
			return ext, true
		}
	}
	return "", false
}

var mimeByExtension = map[string]string{
	".iso":    "application/x-iso9660-image",
	".img":    "application/octet-stream",
	".raw":    "application/octet-stream",
	".qcow2":  "application/octet-stream",
	".vmdk":   "application/octet-stream",
	".vhd":    "application/octet-stream",
	".vhdx":   "application/octet-stream",
	".zvol":   "application/octet-stream",
	".tar":    "application/x-tar",
	".tar.gz": "application/gzip",
	".tgz":    "application/gzip",
}

func mimeTypeFor(extension string) string {
	if mime, ok := mimeByExtension[strings.ToLower(extension)]; ok {
		return mime
	}
	return "application/octet-stream"
}

// newArtifactRow builds the inventory row for a file in a location.
func newArtifactRow(loc *models.ArtifactStorageLocation, filename string, size int64, extension string) *models.Artifact {
	fileType := loc.Type.String()
	mime := mimeTypeFor(extension)
	return &models.Artifact{
		ID:                uuid.New(),
		StorageLocationID: loc.ID,
		Filename:          filename,
		Path:              filepath.Join(loc.Path, filename),
		Size:              size,
		FileType:          &fileType,
		Extension:         &extension,
		MimeType:          &mime,
	}
}

// FinalPath computes the target path of a download or upload inside a
// location.
func FinalPath(loc *models.ArtifactStorageLocation, filename string) string {
	return filepath.Join(loc.Path, filepath.Base(filename))
}

// resolveLocation loads a location or explains why it cannot be used.
func (e *Engine) resolveLocation(ctx context.Context, id uuid.UUID) (*models.ArtifactStorageLocation, error) {
	loc, err := e.locations.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load storage location: %w", err)
	}
	if loc == nil {
		return nil, fmt.Errorf("storage location %s not found", id)
	}
	return loc, nil
}

// removeFile deletes a file through the privilege boundary.
func (e *Engine) removeFile(ctx context.Context, path string, force bool) *command.Result {
	flags := ""
	if force {
		flags = "-f "
	}
	return e.runner.Run(ctx, command.Privileged("rm "+flags+command.Quote(path)))
}

// DiskUsage runs df against a location path and returns the parsed usage
// columns. Failures degrade to an empty value so listings still render.
func (e *Engine) DiskUsage(ctx context.Context, path string) models.LocationDiskUsage {
	result := e.runner.Run(ctx, "df -h "+command.Quote(path))
	if !result.Success {
		e.logger.Debug("df failed", "path", path, "error", result.Error)
		return models.LocationDiskUsage{}
	}
	return parseDiskUsage(result.Output)
}

// parseDiskUsage extracts the total/used/available/capacity columns from
// df -h output. The filesystem name may wrap onto its own line, so columns
// are counted from the data line(s) following the header.
func parseDiskUsage(output string) models.LocationDiskUsage {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) < 2 {
		return models.LocationDiskUsage{}
	}
	fields := strings.Fields(strings.Join(lines[1:], " "))
	if len(fields) < 5 {
		return models.LocationDiskUsage{}
	}
	return models.LocationDiskUsage{
		DiskTotal:     fields[1],
		DiskUsed:      fields[2],
		DiskAvailable: fields[3],
		DiskCapacity:  fields[4],
	}
}

// ListLocationsWithUsage returns locations augmented with disk usage.
func (e *Engine) ListLocationsWithUsage(ctx context.Context, filter repository.LocationFilter) ([]*models.LocationWithUsage, error) {
	locs, err := e.locations.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]*models.LocationWithUsage, 0, len(locs))
	for _, loc := range locs {
		out = append(out, &models.LocationWithUsage{
			ArtifactStorageLocation: *loc,
			LocationDiskUsage:       e.DiskUsage(ctx, loc.Path),
		})
	}
	return out, nil
}
