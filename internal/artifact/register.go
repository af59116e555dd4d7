package artifact

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/omniforge/zonemind/internal/models"
	"github.com/omniforge/zonemind/internal/taskqueue"
)

// ScanLocationParams describes a single-location scan task.
type ScanLocationParams struct {
	StorageLocationID uuid.UUID `json:"storage_location_id" validate:"required"`
	VerifyChecksums   bool      `json:"verify_checksums,omitempty"`
	RemoveOrphaned    bool      `json:"remove_orphaned,omitempty"`
}

// ScanAllParams describes a scan-everything task.
type ScanAllParams struct {
	Type            *models.LocationType `json:"type,omitempty"`
	VerifyChecksums bool                 `json:"verify_checksums,omitempty"`
	RemoveOrphaned  bool                 `json:"remove_orphaned,omitempty"`
}

// RegisterHandlers wires the artifact operations into the task registry.
// downloadSlots caps concurrent URL downloads and upload processing.
func RegisterHandlers(reg *taskqueue.Registry, engine *Engine, downloadSlots int) {
	streamTimeout := time.Duration(engine.cfg.Download.StreamTimeoutSeconds) * time.Second
	if streamTimeout <= 0 {
		streamTimeout = 30 * time.Minute
	}

	reg.Register(models.OpArtifactDownloadURL, taskqueue.Entry{
		Handler:       engine.handleDownload,
		Priority:      models.PriorityMedium,
		Timeout:       streamTimeout + 2*time.Minute,
		MaxConcurrent: downloadSlots,
	})

	reg.Register(models.OpArtifactUploadProcess, taskqueue.Entry{
		Handler:       engine.handleUpload,
		Priority:      models.PriorityMedium,
		Timeout:       30 * time.Minute,
		MaxConcurrent: downloadSlots,
	})

	reg.Register(models.OpArtifactScanLocation, taskqueue.Entry{
		Handler:       engine.handleScanLocation,
		Priority:      models.PriorityLow,
		Timeout:       30 * time.Minute,
		MaxConcurrent: 2,
		Retryable:     true,
		MaxAttempts:   2,
	})

	reg.Register(models.OpArtifactScanAll, taskqueue.Entry{
		Handler:  engine.handleScanAll,
		Priority: models.PriorityBackground,
		Timeout:  time.Hour,
		Serial:   true,
	})

	reg.Register(models.OpArtifactDeleteFile, taskqueue.Entry{
		Handler:  engine.handleDeleteFiles,
		Priority: models.PriorityMedium,
		Timeout:  15 * time.Minute,
	})

	reg.Register(models.OpArtifactDeleteFolder, taskqueue.Entry{
		Handler:  engine.handleDeleteFolder,
		Priority: models.PriorityMedium,
		Timeout:  30 * time.Minute,
		Serial:   true,
	})
}

func (e *Engine) handleDownload(ctx context.Context, h *taskqueue.Handle) (*taskqueue.Result, error) {
	var p DownloadParams
	if err := h.Params(&p); err != nil {
		return nil, err
	}

	progress := func(percent int, info any) { h.AsyncProgress(percent, info) }
	cancelled := func() bool { return h.Cancelled(ctx) }

	result, err := e.Download(ctx, &p, progress, cancelled)
	if err != nil {
		if errors.Is(err, ErrCancelled) {
			return nil, taskqueue.ErrCancelled
		}
		return nil, err
	}

	res := taskqueue.Succeed("downloaded %s (%d bytes)", result.Path, result.Size)
	res.Data = result
	return res, nil
}

func (e *Engine) handleUpload(ctx context.Context, h *taskqueue.Handle) (*taskqueue.Result, error) {
	var p UploadParams
	if err := h.Params(&p); err != nil {
		return nil, err
	}
	result, err := e.ProcessUpload(ctx, &p)
	if err != nil {
		return nil, err
	}
	res := taskqueue.Succeed("processed upload %s (%d bytes)", result.Path, result.Size)
	res.Data = result
	return res, nil
}

func (e *Engine) handleScanLocation(ctx context.Context, h *taskqueue.Handle) (*taskqueue.Result, error) {
	var p ScanLocationParams
	if err := h.Params(&p); err != nil {
		return nil, err
	}
	if h.Cancelled(ctx) {
		return nil, taskqueue.ErrCancelled
	}
	result, err := e.ScanLocation(ctx, p.StorageLocationID, ScanOptions{
		VerifyChecksums: p.VerifyChecksums,
		RemoveOrphaned:  p.RemoveOrphaned,
	})
	if err != nil {
		return nil, err
	}
	res := taskqueue.Succeed("scanned %d file(s): %d added, %d removed, %d skipped",
		result.Scanned, result.Added, result.Removed, result.Skipped)
	res.Data = result
	return res, nil
}

func (e *Engine) handleScanAll(ctx context.Context, h *taskqueue.Handle) (*taskqueue.Result, error) {
	var p ScanAllParams
	if err := h.Params(&p); err != nil {
		return nil, err
	}
	if h.Cancelled(ctx) {
		return nil, taskqueue.ErrCancelled
	}
	result, err := e.ScanAll(ctx, p.Type, ScanOptions{
		VerifyChecksums: p.VerifyChecksums,
		RemoveOrphaned:  p.RemoveOrphaned,
	})
	if err != nil {
		return nil, err
	}
	res := taskqueue.Succeed("scanned %d location(s): %d added, %d removed",
		len(result.Locations), result.Added, result.Removed)
	if len(result.Failed) > 0 {
		res.Message += " (" + pluralFailures(len(result.Failed)) + ")"
	}
	res.Data = result
	return res, nil
}

func (e *Engine) handleDeleteFiles(ctx context.Context, h *taskqueue.Handle) (*taskqueue.Result, error) {
	var p DeleteFilesParams
	if err := h.Params(&p); err != nil {
		return nil, err
	}
	result, err := e.DeleteFiles(ctx, &p)
	if err != nil {
		return nil, err
	}
	if len(result.Errors) > 0 {
		res := taskqueue.Failf("deleted %d of %d artifact(s); %s failed",
			result.Deleted, result.Requested, pluralFailures(len(result.Errors)))
		res.Data = result
		return res, nil
	}
	res := taskqueue.Succeed("deleted %d artifact(s)", result.Deleted)
	res.Data = result
	return res, nil
}

func (e *Engine) handleDeleteFolder(ctx context.Context, h *taskqueue.Handle) (*taskqueue.Result, error) {
	var p DeleteFolderParams
	if err := h.Params(&p); err != nil {
		return nil, err
	}
	result, err := e.DeleteFolder(ctx, &p)
	if err != nil {
		return nil, err
	}
	res := taskqueue.Succeed("emptied %s, removed %d record(s)", result.Path, result.RemovedRecords)
	res.Data = result
	return res, nil
}

func pluralFailures(n int) string {
	if n == 1 {
		return "1 failure"
	}
	return fmt.Sprintf("%d failures", n)
}
