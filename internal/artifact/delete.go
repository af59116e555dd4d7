package artifact

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/omniforge/zonemind/internal/command"
	"github.com/omniforge/zonemind/internal/models"
)

// deleteWorkers caps parallel rm invocations during bulk deletes.
const deleteWorkers = 4

// DeleteFilesParams describes a bulk artifact deletion task.
type DeleteFilesParams struct {
	ArtifactIDs []uuid.UUID `json:"artifact_ids" validate:"required,min=1"`
	DeleteFiles bool        `json:"delete_files"`
	Force       bool        `json:"force,omitempty"`
}

// DeleteFilesResult reports per-file outcomes of a bulk deletion.
type DeleteFilesResult struct {
	Requested int      `json:"requested"`
	Deleted   int      `json:"deleted"`
	Errors    []string `json:"errors,omitempty"`
}

// DeleteFolderParams describes a storage-location deletion task. Contents
// are always removed; the directory itself and the database records only go
// when both Recursive and RemoveDBRecords are set.
type DeleteFolderParams struct {
	StorageLocationID uuid.UUID `json:"storage_location_id" validate:"required"`
	Recursive         bool      `json:"recursive,omitempty"`
	RemoveDBRecords   bool      `json:"remove_db_records,omitempty"`
}

// DeleteFolderResult reports a folder deletion.
type DeleteFolderResult struct {
	Path           string `json:"path"`
	RemovedRecords int64  `json:"removed_records"`
	RemovedDir     bool   `json:"removed_dir"`
}

// DeleteFiles removes a batch of artifacts. File removals run in parallel;
// a file that fails to delete keeps its database row so the inventory still
// reflects disk. The returned error is non-nil only when every target failed.
func (e *Engine) DeleteFiles(ctx context.Context, p *DeleteFilesParams) (*DeleteFilesResult, error) {
	if len(p.ArtifactIDs) == 0 {
		return nil, fmt.Errorf("artifact_ids is required")
	}

	rows, err := e.artifacts.ListByIDs(ctx, p.ArtifactIDs)
	if err != nil {
		return nil, err
	}
	byID := make(map[uuid.UUID]*models.Artifact, len(rows))
	for _, a := range rows {
		byID[a.ID] = a
	}

	result := &DeleteFilesResult{Requested: len(p.ArtifactIDs)}
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, deleteWorkers)
	var destroy []uuid.UUID
	touched := map[uuid.UUID]bool{}

	fail := func(format string, args ...any) {
		mu.Lock()
		result.Errors = append(result.Errors, fmt.Sprintf(format, args...))
		mu.Unlock()
	}

	for _, id := range p.ArtifactIDs {
		a, ok := byID[id]
		if !ok {
			fail("%s: not found", id)
			continue
		}
		if !p.DeleteFiles {
			mu.Lock()
			destroy = append(destroy, a.ID)
			touched[a.StorageLocationID] = true
			mu.Unlock()
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(a *models.Artifact) {
			defer wg.Done()
			defer func() { <-sem }()

			if _, serr := os.Stat(a.Path); os.IsNotExist(serr) {
				// Already gone on disk; the row is stale either way.
			} else if r := e.removeFile(ctx, a.Path, p.Force); !r.Success {
				fail("%s: %s", a.Path, r.Error)
				return
			}
			mu.Lock()
			destroy = append(destroy, a.ID)
			touched[a.StorageLocationID] = true
			mu.Unlock()
		}(a)
	}
	wg.Wait()

	if len(destroy) > 0 {
		n, err := e.artifacts.DeleteByIDs(ctx, destroy)
		if err != nil {
			return nil, fmt.Errorf("destroy artifact rows: %w", err)
		}
		result.Deleted = int(n)
	}

	locIDs := make([]uuid.UUID, 0, len(touched))
	for id := range touched {
		locIDs = append(locIDs, id)
	}
	sort.Slice(locIDs, func(i, j int) bool { return locIDs[i].String() < locIDs[j].String() })
	for _, id := range locIDs {
		if err := e.locations.RecomputeAggregates(ctx, id); err != nil {
			e.logger.Error("failed to recompute aggregates", "location_id", id, "error", err)
		}
	}

	if result.Deleted == 0 && len(result.Errors) > 0 {
		return result, fmt.Errorf("all deletions failed: %s", strings.Join(result.Errors, "; "))
	}
	e.logger.Info("artifacts deleted",
		"requested", result.Requested, "deleted", result.Deleted, "errors", len(result.Errors))
	return result, nil
}

// DeleteFolder empties a storage location's directory. Only with both
// recursive and remove_db_records does it also remove the directory itself
// and drop the location from the database.
func (e *Engine) DeleteFolder(ctx context.Context, p *DeleteFolderParams) (*DeleteFolderResult, error) {
	loc, err := e.resolveLocation(ctx, p.StorageLocationID)
	if err != nil {
		return nil, err
	}
	if loc.Path == "/" || strings.Count(strings.Trim(loc.Path, "/"), "/") == 0 {
		return nil, fmt.Errorf("refusing to delete top-level path %s", loc.Path)
	}

	result := &DeleteFolderResult{Path: loc.Path}

	// The glob expands inside the privileged shell; an empty directory makes
	// the glob literal, which rm -f swallows.
	if r := e.runner.Run(ctx, command.Privileged("rm -rf "+command.Quote(loc.Path)+"/*")); !r.Success {
		return nil, fmt.Errorf("empty %s: %s", loc.Path, r.Error)
	}

	if p.RemoveDBRecords {
		n, err := e.artifacts.DeleteByLocation(ctx, loc.ID)
		if err != nil {
			return nil, fmt.Errorf("delete artifact rows: %w", err)
		}
		result.RemovedRecords = n
	}

	if p.Recursive && p.RemoveDBRecords {
		if r := e.runner.Run(ctx, command.Privileged("rm -rf "+command.Quote(loc.Path))); !r.Success {
			return nil, fmt.Errorf("remove %s: %s", loc.Path, r.Error)
		}
		result.RemovedDir = true
		if err := e.locations.Delete(ctx, loc.ID); err != nil {
			return nil, fmt.Errorf("delete location record: %w", err)
		}
	} else {
		if err := e.locations.RecomputeAggregates(ctx, loc.ID); err != nil {
			return nil, fmt.Errorf("recompute aggregates: %w", err)
		}
	}

	e.logger.Info("storage folder deleted",
		"path", loc.Path, "removed_dir", result.RemovedDir, "removed_records", result.RemovedRecords)
	return result, nil
}

// VerifyArtifact re-hashes one artifact against its recorded checksum and
// updates checksum_verified and last_verified.
func (e *Engine) VerifyArtifact(ctx context.Context, id uuid.UUID) (*models.Artifact, error) {
	row, err := e.artifacts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("artifact %s not found", id)
	}
	if row.Checksum == nil || row.ChecksumAlgorithm == nil {
		return nil, fmt.Errorf("artifact %s has no recorded checksum", id)
	}

	ok, err := e.verifyRow(ctx, row)
	if err != nil {
		return nil, err
	}
	verified := ok
	row.ChecksumVerified = &verified
	now := time.Now()
	row.LastVerified = &now
	return row, nil
}
