package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/omniforge/zonemind/internal/models"
	"github.com/omniforge/zonemind/internal/repository"
)

// ScanOptions control a single-location scan.
type ScanOptions struct {
	VerifyChecksums bool `json:"verify_checksums"`
	RemoveOrphaned  bool `json:"remove_orphaned"`
}

// ScanResult reports what a scan did. Skipped counts files owned by an
// in-flight download at scan time.
type ScanResult struct {
	LocationID uuid.UUID `json:"location_id"`
	Scanned    int       `json:"scanned"`
	Added      int       `json:"added"`
	Removed    int       `json:"removed"`
	Skipped    int       `json:"skipped"`
	Mismatches []string  `json:"checksum_mismatches,omitempty"`
}

// ScanAllResult aggregates per-location scans.
type ScanAllResult struct {
	Locations []*ScanResult `json:"locations"`
	Failed    []string      `json:"failed,omitempty"`
	Scanned   int           `json:"scanned"`
	Added     int           `json:"added"`
	Removed   int           `json:"removed"`
	Skipped   int           `json:"skipped"`
}

// ScanLocation reconciles a location's directory with the artifact inventory.
// Files currently being downloaded are left alone entirely: no row insert, no
// verify touch, no orphan removal, so a half-written file never shows up as a
// real artifact.
func (e *Engine) ScanLocation(ctx context.Context, locationID uuid.UUID, opts ScanOptions) (*ScanResult, error) {
	loc, err := e.resolveLocation(ctx, locationID)
	if err != nil {
		return nil, err
	}

	result := &ScanResult{LocationID: loc.ID}
	scanErrs := 0

	onDisk, err := e.listFiles(loc)
	if err != nil {
		msg := err.Error()
		if rerr := e.locations.RecordScan(ctx, loc.ID, 1, &msg); rerr != nil {
			e.logger.Error("failed to record scan error", "location_id", loc.ID, "error", rerr)
		}
		return nil, err
	}

	downloading := make(map[string]bool)
	for _, p := range e.index.DownloadingPaths() {
		downloading[p] = true
	}

	existing, err := e.artifacts.ListByLocation(ctx, loc.ID)
	if err != nil {
		return nil, err
	}
	byPath := make(map[string]*models.Artifact, len(existing))
	for _, a := range existing {
		byPath[a.Path] = a
	}

	var newRows []*models.Artifact
	var touchIDs []uuid.UUID
	keep := make([]string, 0, len(onDisk))

	for _, f := range onDisk {
		if downloading[f.path] {
			result.Skipped++
			keep = append(keep, f.path)
			continue
		}
		keep = append(keep, f.path)
		result.Scanned++

		row, known := byPath[f.path]
		if !known {
			newRows = append(newRows, newArtifactRow(loc, f.name, f.size, f.extension))
			continue
		}

		touchIDs = append(touchIDs, row.ID)
		if opts.VerifyChecksums && row.Checksum != nil && row.ChecksumAlgorithm != nil {
			ok, herr := e.verifyRow(ctx, row)
			if herr != nil {
				e.logger.Warn("checksum verification failed to run",
					"path", row.Path, "error", herr)
				scanErrs++
				continue
			}
			if !ok {
				result.Mismatches = append(result.Mismatches, row.Path)
				scanErrs++
			}
		}
	}

	// Keep rows for in-flight downloads even when the partial file has not
	// been inserted yet.
	for p := range downloading {
		if strings.HasPrefix(p, loc.Path+string(filepath.Separator)) {
			keep = append(keep, p)
		}
	}

	if len(newRows) > 0 {
		inserted, err := e.artifacts.BulkCreate(ctx, newRows, e.cfg.Scanning.BatchSize)
		if err != nil {
			return nil, fmt.Errorf("insert discovered artifacts: %w", err)
		}
		result.Added = int(inserted)
	}

	if len(touchIDs) > 0 {
		if err := e.artifacts.TouchVerified(ctx, touchIDs); err != nil {
			e.logger.Error("failed to touch verified artifacts", "location_id", loc.ID, "error", err)
		}
	}

	if opts.RemoveOrphaned {
		removed, err := e.artifacts.DeleteMissingPaths(ctx, loc.ID, keep)
		if err != nil {
			return nil, fmt.Errorf("remove orphaned artifacts: %w", err)
		}
		result.Removed = int(removed)
	}

	if err := e.locations.RecomputeAggregates(ctx, loc.ID); err != nil {
		return nil, fmt.Errorf("recompute aggregates: %w", err)
	}

	var errMsg *string
	if len(result.Mismatches) > 0 {
		msg := fmt.Sprintf("checksum mismatch on %d file(s)", len(result.Mismatches))
		errMsg = &msg
	}
	if err := e.locations.RecordScan(ctx, loc.ID, scanErrs, errMsg); err != nil {
		e.logger.Error("failed to record scan", "location_id", loc.ID, "error", err)
	}

	e.logger.Info("scan completed",
		"location_id", loc.ID,
		"path", loc.Path,
		"scanned", result.Scanned,
		"added", result.Added,
		"removed", result.Removed,
		"skipped", result.Skipped)
	return result, nil
}

// ScanAll scans every enabled location, optionally restricted by type. One
// failing location does not abort the rest; the result lists failures and the
// call errors only when every location failed.
func (e *Engine) ScanAll(ctx context.Context, locType *models.LocationType, opts ScanOptions) (*ScanAllResult, error) {
	locs, err := e.locations.List(ctx, repository.LocationFilter{Type: locType, Enabled: boolPtr(true)})
	if err != nil {
		return nil, err
	}

	result := &ScanAllResult{}
	for _, loc := range locs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r, err := e.ScanLocation(ctx, loc.ID, opts)
		if err != nil {
			e.logger.Error("location scan failed", "location_id", loc.ID, "path", loc.Path, "error", err)
			result.Failed = append(result.Failed, fmt.Sprintf("%s: %v", loc.Path, err))
			continue
		}
		result.Locations = append(result.Locations, r)
		result.Scanned += r.Scanned
		result.Added += r.Added
		result.Removed += r.Removed
		result.Skipped += r.Skipped
	}

	if len(locs) > 0 && len(result.Locations) == 0 {
		return nil, fmt.Errorf("all %d location scans failed", len(locs))
	}
	return result, nil
}

type diskFile struct {
	name      string
	path      string
	size      int64
	extension string
}

// listFiles returns the location's directory entries that carry a supported
// extension for its type. Subdirectories are not descended; locations are
// flat by contract.
func (e *Engine) listFiles(loc *models.ArtifactStorageLocation) ([]diskFile, error) {
	entries, err := os.ReadDir(loc.Path)
	if err != nil {
		return nil, fmt.Errorf("read location %s: %w", loc.Path, err)
	}

	allowed := e.supportedExtensions(loc.Type)
	var files []diskFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext, ok := extensionMatch(entry.Name(), allowed)
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			e.logger.Warn("skipping unreadable entry", "path", loc.Path, "name", entry.Name(), "error", err)
			continue
		}
		files = append(files, diskFile{
			name:      entry.Name(),
			path:      filepath.Join(loc.Path, entry.Name()),
			size:      info.Size(),
			extension: ext,
		})
	}
	return files, nil
}

// verifyRow re-hashes the file behind a row and records the outcome.
func (e *Engine) verifyRow(ctx context.Context, row *models.Artifact) (bool, error) {
	sum, err := HashFile(ctx, row.Path, *row.ChecksumAlgorithm)
	if err != nil {
		return false, err
	}
	ok := strings.EqualFold(sum, *row.Checksum)
	verified := ok
	if err := e.artifacts.SetChecksum(ctx, row.ID, *row.Checksum, *row.ChecksumAlgorithm, &verified); err != nil {
		return ok, err
	}
	return ok, nil
}

func boolPtr(b bool) *bool { return &b }
