package artifact

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/omniforge/zonemind/internal/command"
	"github.com/omniforge/zonemind/internal/models"
)

// UploadParams describes an upload-processing task. The file has already
// been staged at FinalPath by the upload endpoint; the task verifies and
// records it.
type UploadParams struct {
	StorageLocationID uuid.UUID                `json:"storage_location_id" validate:"required"`
	FinalPath         string                   `json:"final_path" validate:"required"`
	OriginalName      string                   `json:"original_name" validate:"required"`
	Size              int64                    `json:"size"`
	Checksum          string                   `json:"checksum,omitempty"`
	ChecksumAlgorithm models.ChecksumAlgorithm `json:"checksum_algorithm,omitempty"`
}

// UploadResult reports a processed upload.
type UploadResult struct {
	ArtifactID uuid.UUID `json:"artifact_id"`
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	Checksum   string    `json:"checksum"`
	Verified   bool      `json:"verified"`
}

// ValidateUploadTarget checks the location and filename before an upload is
// staged. Returns the resolved location and final path.
func (e *Engine) ValidateUploadTarget(ctx context.Context, locationID uuid.UUID, filename string) (*models.ArtifactStorageLocation, string, error) {
	loc, err := e.resolveLocation(ctx, locationID)
	if err != nil {
		return nil, "", err
	}
	if !loc.Enabled {
		return nil, "", fmt.Errorf("storage location %s is disabled", loc.Name)
	}
	base := path.Base(filename)
	if base == "" || base == "." || base == "/" {
		return nil, "", fmt.Errorf("invalid filename %q", filename)
	}
	if _, ok := extensionMatch(base, e.supportedExtensions(loc.Type)); !ok {
		return nil, "", fmt.Errorf("filename %s does not match a supported %s extension", base, loc.Type)
	}
	return loc, FinalPath(loc, base), nil
}

// StageUpload streams an upload into the staging directory, enforcing the
// configured size cap. Returns the staged path and byte count.
func (e *Engine) StageUpload(filename string, body io.Reader) (string, int64, error) {
	if err := os.MkdirAll(e.cfg.Upload.StagingDir, 0o755); err != nil {
		return "", 0, fmt.Errorf("create staging dir: %w", err)
	}
	staged, err := os.CreateTemp(e.cfg.Upload.StagingDir, "upload-*-"+path.Base(filename))
	if err != nil {
		return "", 0, fmt.Errorf("create staging file: %w", err)
	}
	defer staged.Close()

	maxBytes := int64(e.cfg.Upload.MaxSizeMB) << 20
	var src io.Reader = body
	if maxBytes > 0 {
		src = io.LimitReader(body, maxBytes+1)
	}
	size, err := io.Copy(staged, src)
	if err != nil {
		os.Remove(staged.Name())
		return "", 0, fmt.Errorf("write staging file: %w", err)
	}
	if maxBytes > 0 && size > maxBytes {
		os.Remove(staged.Name())
		return "", 0, fmt.Errorf("upload exceeds maximum size of %d MB", e.cfg.Upload.MaxSizeMB)
	}
	return staged.Name(), size, nil
}

// PlaceStaged moves a staged upload into its root-owned storage location.
func (e *Engine) PlaceStaged(ctx context.Context, stagedPath, finalPath string) error {
	if r := e.runner.Run(ctx, command.Privileged("mv "+command.Quote(stagedPath)+" "+command.Quote(finalPath))); !r.Success {
		os.Remove(stagedPath)
		return fmt.Errorf("move %s to %s: %s", stagedPath, finalPath, r.Error)
	}
	if r := e.runner.Run(ctx, command.Privileged("chmod 644 "+command.Quote(finalPath))); !r.Success {
		return fmt.Errorf("chmod %s: %s", finalPath, r.Error)
	}
	return nil
}

// ProcessUpload hashes a staged upload, verifies it against the expected
// checksum when one was supplied, and records the artifact. A mismatch
// removes the file.
func (e *Engine) ProcessUpload(ctx context.Context, p *UploadParams) (*UploadResult, error) {
	loc, err := e.resolveLocation(ctx, p.StorageLocationID)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(p.FinalPath)
	if err != nil {
		return nil, fmt.Errorf("staged upload missing: %w", err)
	}

	algorithm := p.ChecksumAlgorithm
	if p.Checksum == "" {
		algorithm = models.ChecksumSHA256
	}
	if !algorithm.Valid() {
		return nil, fmt.Errorf("unsupported checksum algorithm %q", algorithm)
	}

	calculated, err := HashFile(ctx, p.FinalPath, algorithm)
	if err != nil {
		return nil, fmt.Errorf("hash upload: %w", err)
	}

	result := &UploadResult{Path: p.FinalPath, Size: info.Size(), Checksum: calculated}
	var verified *bool
	if p.Checksum != "" {
		if !strings.EqualFold(calculated, p.Checksum) {
			e.discardPartial(p.FinalPath)
			return nil, fmt.Errorf("checksum mismatch: expected %s, calculated %s", p.Checksum, calculated)
		}
		ok := true
		verified = &ok
		result.Verified = true
	}

	name := p.OriginalName
	if name == "" {
		name = filepath.Base(p.FinalPath)
	}
	row := newArtifactRow(loc, filepath.Base(p.FinalPath), info.Size(), extensionOf(name, e.supportedExtensions(loc.Type)))
	row.Checksum = &calculated
	row.ChecksumAlgorithm = &algorithm
	row.ChecksumVerified = verified
	now := time.Now()
	row.LastVerified = &now

	if err := e.artifacts.UpsertByPath(ctx, row); err != nil {
		return nil, fmt.Errorf("record artifact: %w", err)
	}
	if err := e.locations.RecomputeAggregates(ctx, loc.ID); err != nil {
		return nil, fmt.Errorf("recompute aggregates: %w", err)
	}

	result.ArtifactID = row.ID
	e.logger.Info("upload processed", "path", p.FinalPath, "size", info.Size(), "verified", result.Verified)
	return result, nil
}
