package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/omniforge/zonemind/internal/artifact"
	"github.com/omniforge/zonemind/internal/config"
	"github.com/omniforge/zonemind/internal/middleware"
	"github.com/omniforge/zonemind/internal/models"
	apierrors "github.com/omniforge/zonemind/internal/pkg/errors"
	"github.com/omniforge/zonemind/internal/pkg/response"
	"github.com/omniforge/zonemind/internal/repository"
	"github.com/omniforge/zonemind/internal/taskqueue"
)

// ArtifactHandler serves the artifact catalog, storage location management,
// and the download/upload/scan/delete task endpoints.
type ArtifactHandler struct {
	engine ArtifactEngine
	queue  TaskQueue
	tasks  TaskStore
	cfg    config.ArtifactStorageConfig
}

// NewArtifactHandler creates a new artifact handler. The storage config is
// passed alongside the engine so the service status endpoint can report it.
func NewArtifactHandler(engine ArtifactEngine, queue TaskQueue, tasks TaskStore, cfg config.ArtifactStorageConfig) *ArtifactHandler {
	return &ArtifactHandler{
		engine: engine,
		queue:  queue,
		tasks:  tasks,
		cfg:    cfg,
	}
}

// Routes returns the artifact API routes.
func (h *ArtifactHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.List)
	r.Get("/iso", h.ListISO)
	r.Get("/image", h.ListImages)
	r.Get("/stats", h.Stats)
	r.Get("/service/status", h.ServiceStatus)

	r.Route("/storage/paths", func(r chi.Router) {
		r.Get("/", h.ListLocations)
		r.Post("/", h.CreateLocation)
		r.Put("/{id}", h.UpdateLocation)
		r.Delete("/{id}", h.DeleteLocation)
	})

	r.Post("/download", h.Download)
	r.Post("/upload", h.Upload)
	r.Post("/scan", h.Scan)
	r.Delete("/files", h.DeleteFiles)

	r.Get("/{id}", h.Get)
	r.Get("/{id}/download", h.DownloadFile)

	return r
}

// CreateLocationHTTPRequest is the request body for registering a storage
// location.
type CreateLocationHTTPRequest struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Type    string `json:"type"`
	Enabled *bool  `json:"enabled,omitempty"`
}

// UpdateLocationHTTPRequest is the request body for updating a storage
// location. Only name and enabled are mutable; path and type are fixed at
// creation.
type UpdateLocationHTTPRequest struct {
	Name    *string `json:"name,omitempty"`
	Enabled *bool   `json:"enabled,omitempty"`
}

// DeleteLocationHTTPRequest is the optional request body for deleting a
// storage location.
type DeleteLocationHTTPRequest struct {
	Recursive       bool `json:"recursive,omitempty"`
	RemoveDBRecords bool `json:"remove_db_records,omitempty"`
}

// DownloadHTTPRequest is the request body for a URL download.
type DownloadHTTPRequest struct {
	URL               string    `json:"url"`
	StoragePathID     uuid.UUID `json:"storage_path_id"`
	Filename          string    `json:"filename,omitempty"`
	ExpectedChecksum  string    `json:"expected_checksum,omitempty"`
	ChecksumAlgorithm string    `json:"checksum_algorithm,omitempty"`
	OverwriteExisting bool      `json:"overwrite_existing,omitempty"`
}

// ScanHTTPRequest is the request body for triggering a scan. With
// storage_path_id set a single location is scanned; otherwise all locations
// are, optionally filtered by type.
type ScanHTTPRequest struct {
	Type            *string    `json:"type,omitempty"`
	StoragePathID   *uuid.UUID `json:"storage_path_id,omitempty"`
	VerifyChecksums bool       `json:"verify_checksums,omitempty"`
	RemoveOrphaned  bool       `json:"remove_orphaned,omitempty"`
}

// DeleteFilesHTTPRequest is the request body for bulk artifact deletion.
type DeleteFilesHTTPRequest struct {
	ArtifactIDs []uuid.UUID `json:"artifact_ids"`
	DeleteFiles *bool       `json:"delete_files,omitempty"`
	Force       bool        `json:"force,omitempty"`
}

// ListLocations handles GET /artifacts/storage/paths
func (h *ArtifactHandler) ListLocations(w http.ResponseWriter, r *http.Request) {
	var filter repository.LocationFilter
	if t := r.URL.Query().Get("type"); t != "" {
		lt := models.LocationType(t)
		if !lt.Valid() {
			response.Error(w, apierrors.NewValidationError("type", "must be one of: iso, image, provisioning"))
			return
		}
		filter.Type = &lt
	}
	if e := r.URL.Query().Get("enabled"); e != "" {
		enabled, err := strconv.ParseBool(e)
		if err != nil {
			response.Error(w, apierrors.NewValidationError("enabled", "must be true or false"))
			return
		}
		filter.Enabled = &enabled
	}

	locations, err := h.engine.ListLocationsWithUsage(r.Context(), filter)
	if err != nil {
		response.Error(w, apierrors.NewInternalError("failed to list storage locations"))
		return
	}
	if locations == nil {
		locations = []*models.LocationWithUsage{}
	}

	response.OK(w, map[string]any{
		"storage_paths": locations,
		"total":         len(locations),
	})
}

// CreateLocation handles POST /artifacts/storage/paths
func (h *ArtifactHandler) CreateLocation(w http.ResponseWriter, r *http.Request) {
	var req CreateLocationHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}

	if req.Name == "" {
		response.Error(w, apierrors.NewValidationError("name", "name is required"))
		return
	}
	if req.Path == "" || !filepath.IsAbs(req.Path) {
		response.Error(w, apierrors.NewValidationError("path", "path must be absolute"))
		return
	}
	locType := models.LocationType(req.Type)
	if !locType.Valid() {
		response.Error(w, apierrors.NewValidationError("type", "must be one of: iso, image, provisioning"))
		return
	}

	cleanPath := filepath.Clean(req.Path)
	if existing, err := h.engine.Locations().GetByPath(r.Context(), cleanPath); err != nil {
		response.Error(w, apierrors.NewInternalError("failed to check existing locations"))
		return
	} else if existing != nil {
		response.Error(w, apierrors.NewConflictError(fmt.Sprintf("a storage location already uses path %s", cleanPath)))
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	loc := &models.ArtifactStorageLocation{
		ID:      uuid.New(),
		Name:    req.Name,
		Path:    cleanPath,
		Type:    locType,
		Enabled: enabled,
	}
	if err := h.engine.Locations().Create(r.Context(), loc); err != nil {
		response.Error(w, apierrors.NewInternalError("failed to create storage location"))
		return
	}

	body := map[string]any{"storage_path": loc}

	// A new enabled location gets an initial scan so pre-existing files on
	// disk show up without a manual trigger.
	if loc.Enabled {
		task, err := h.queue.Enqueue(r.Context(), taskqueue.EnqueueRequest{
			Operation: models.OpArtifactScanLocation,
			ZoneName:  models.ZoneArtifact,
			Params:    &artifact.ScanLocationParams{StorageLocationID: loc.ID},
			CreatedBy: middleware.GetPrincipal(r.Context()),
		})
		if err == nil {
			body["scan_task_id"] = task.ID
		}
	}

	response.Created(w, body)
}

// UpdateLocation handles PUT /artifacts/storage/paths/{id}
func (h *ArtifactHandler) UpdateLocation(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, apierrors.NewValidationError("id", "must be a valid UUID"))
		return
	}

	var req UpdateLocationHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}
	if req.Name == nil && req.Enabled == nil {
		response.Error(w, apierrors.NewValidationError("body", "at least one of name or enabled is required"))
		return
	}
	if req.Name != nil && *req.Name == "" {
		response.Error(w, apierrors.NewValidationError("name", "name cannot be empty"))
		return
	}

	loc, err := h.engine.Locations().Update(r.Context(), id, req.Name, req.Enabled)
	if err != nil {
		response.Error(w, apierrors.NewInternalError("failed to update storage location"))
		return
	}
	if loc == nil {
		response.Error(w, apierrors.NewNotFoundError("storage location"))
		return
	}

	response.OK(w, map[string]any{"storage_path": loc})
}

// DeleteLocation handles DELETE /artifacts/storage/paths/{id}. Deletion is
// asynchronous: the contents are removed by an artifact_delete_folder task.
func (h *ArtifactHandler) DeleteLocation(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, apierrors.NewValidationError("id", "must be a valid UUID"))
		return
	}

	var req DeleteLocationHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}

	loc, err := h.engine.Locations().GetByID(r.Context(), id)
	if err != nil {
		response.Error(w, apierrors.NewInternalError("failed to load storage location"))
		return
	}
	if loc == nil {
		response.Error(w, apierrors.NewNotFoundError("storage location"))
		return
	}

	task, err := h.queue.Enqueue(r.Context(), taskqueue.EnqueueRequest{
		Operation: models.OpArtifactDeleteFolder,
		ZoneName:  models.ZoneArtifact,
		Params: &artifact.DeleteFolderParams{
			StorageLocationID: id,
			Recursive:         req.Recursive,
			RemoveDBRecords:   req.RemoveDBRecords,
		},
		CreatedBy: middleware.GetPrincipal(r.Context()),
	})
	if err != nil {
		response.Error(w, apierrors.AsAPIError(err))
		return
	}

	taskAccepted(w, task, "folder deletion queued", map[string]any{
		"storage_path": loc.Path,
	})
}

// List handles GET /artifacts
func (h *ArtifactHandler) List(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, nil)
}

// ListISO handles GET /artifacts/iso
func (h *ArtifactHandler) ListISO(w http.ResponseWriter, r *http.Request) {
	t := models.LocationTypeISO
	h.list(w, r, &t)
}

// ListImages handles GET /artifacts/image
func (h *ArtifactHandler) ListImages(w http.ResponseWriter, r *http.Request) {
	t := models.LocationTypeImage
	h.list(w, r, &t)
}

func (h *ArtifactHandler) list(w http.ResponseWriter, r *http.Request, forcedType *models.LocationType) {
	limit, offset := pageParams(r, 50, 500)
	filter := repository.ArtifactFilter{Limit: limit, Offset: offset}
	q := r.URL.Query()

	filter.Type = forcedType
	if filter.Type == nil {
		if t := q.Get("type"); t != "" {
			lt := models.LocationType(t)
			if !lt.Valid() {
				response.Error(w, apierrors.NewValidationError("type", "must be one of: iso, image, provisioning"))
				return
			}
			filter.Type = &lt
		}
	}
	if raw := q.Get("storage_path_id"); raw != "" {
		locID, err := uuid.Parse(raw)
		if err != nil {
			response.Error(w, apierrors.NewValidationError("storage_path_id", "must be a valid UUID"))
			return
		}
		filter.LocationID = &locID
	}
	filter.Search = q.Get("search")

	switch sortBy := q.Get("sort_by"); sortBy {
	case "", "filename", "size", "discovered_at":
		filter.SortBy = sortBy
	default:
		response.Error(w, apierrors.NewValidationError("sort_by", "must be one of: filename, size, discovered_at"))
		return
	}
	switch order := q.Get("sort_order"); order {
	case "", "asc", "desc":
		filter.SortOrder = order
	default:
		response.Error(w, apierrors.NewValidationError("sort_order", "must be asc or desc"))
		return
	}

	artifacts, total, err := h.engine.Artifacts().List(r.Context(), filter)
	if err != nil {
		response.Error(w, apierrors.NewInternalError("failed to list artifacts"))
		return
	}
	if artifacts == nil {
		artifacts = []*models.Artifact{}
	}

	response.OK(w, map[string]any{
		"artifacts":  artifacts,
		"pagination": pagination(total, limit, offset),
	})
}

// Get handles GET /artifacts/{id}
func (h *ArtifactHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, apierrors.NewValidationError("id", "must be a valid UUID"))
		return
	}

	row, err := h.engine.Artifacts().GetByID(r.Context(), id)
	if err != nil {
		response.Error(w, apierrors.NewInternalError("failed to load artifact"))
		return
	}
	if row == nil {
		response.Error(w, apierrors.NewNotFoundError("artifact"))
		return
	}

	response.OK(w, row)
}

// DownloadFile handles GET /artifacts/{id}/download, streaming the stored
// file back to the client.
func (h *ArtifactHandler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, apierrors.NewValidationError("id", "must be a valid UUID"))
		return
	}

	row, err := h.engine.Artifacts().GetByID(r.Context(), id)
	if err != nil {
		response.Error(w, apierrors.NewInternalError("failed to load artifact"))
		return
	}
	if row == nil {
		response.Error(w, apierrors.NewNotFoundError("artifact"))
		return
	}

	f, err := os.Open(row.Path)
	if err != nil {
		response.Error(w, apierrors.NewNotFoundError("artifact file"))
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		response.Error(w, apierrors.NewInternalError("failed to stat artifact file"))
		return
	}

	// Serving the bytes proves the file is still there, which is what
	// last_verified tracks.
	_ = h.engine.Artifacts().TouchVerified(r.Context(), []uuid.UUID{id})

	contentType := "application/octet-stream"
	if row.MimeType != nil && *row.MimeType != "" {
		contentType = *row.MimeType
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", row.Filename))
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, f)
}

// Download handles POST /artifacts/download
func (h *ArtifactHandler) Download(w http.ResponseWriter, r *http.Request) {
	if !h.cfg.Enabled {
		response.Error(w, apierrors.NewPreconditionError("artifact storage is disabled"))
		return
	}

	var req DownloadHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}
	if req.URL == "" {
		response.Error(w, apierrors.NewValidationError("url", "url is required"))
		return
	}
	if req.StoragePathID == uuid.Nil {
		response.Error(w, apierrors.NewValidationError("storage_path_id", "storage_path_id is required"))
		return
	}
	if req.ExpectedChecksum != "" && req.ChecksumAlgorithm == "" {
		req.ChecksumAlgorithm = string(models.ChecksumSHA256)
	}

	params := &artifact.DownloadParams{
		URL:               req.URL,
		StorageLocationID: req.StoragePathID,
		Filename:          req.Filename,
		Checksum:          req.ExpectedChecksum,
		ChecksumAlgorithm: models.ChecksumAlgorithm(req.ChecksumAlgorithm),
		OverwriteExisting: req.OverwriteExisting,
	}

	loc, finalPath, err := h.engine.ValidateDownloadTarget(r.Context(), params)
	if err != nil {
		response.Error(w, apierrors.NewPreconditionError(err.Error()))
		return
	}

	if !req.OverwriteExisting {
		if _, err := os.Stat(finalPath); err == nil {
			response.Error(w, apierrors.NewConflictError(fmt.Sprintf("file already exists at %s; set overwrite_existing to replace it", finalPath)))
			return
		}
	}
	if active, err := h.tasks.FindActiveByTargetPath(r.Context(), finalPath); err == nil && active != nil {
		response.Error(w, apierrors.NewConflictError(fmt.Sprintf("task %s is already writing to %s", active.ID, finalPath)))
		return
	}

	params.FinalPath = finalPath
	task, err := h.queue.Enqueue(r.Context(), taskqueue.EnqueueRequest{
		Operation: models.OpArtifactDownloadURL,
		ZoneName:  models.ZoneArtifact,
		Params:    params,
		CreatedBy: middleware.GetPrincipal(r.Context()),
	})
	if err != nil {
		response.Error(w, apierrors.AsAPIError(err))
		return
	}

	taskAccepted(w, task, "download queued", map[string]any{
		"filename":     filepath.Base(finalPath),
		"path":         finalPath,
		"storage_path": loc.Name,
	})
}

// Upload handles POST /artifacts/upload. The file is staged and moved into
// place synchronously; checksum verification and cataloging run as a task.
func (h *ArtifactHandler) Upload(w http.ResponseWriter, r *http.Request) {
	if !h.cfg.Enabled {
		response.Error(w, apierrors.NewPreconditionError("artifact storage is disabled"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		response.Error(w, apierrors.NewValidationError("file", "multipart field 'file' is required"))
		return
	}
	defer file.Close()

	locID, err := uuid.Parse(r.FormValue("storage_path_id"))
	if err != nil {
		response.Error(w, apierrors.NewValidationError("storage_path_id", "must be a valid UUID"))
		return
	}

	checksum := r.FormValue("expected_checksum")
	algorithm := r.FormValue("checksum_algorithm")
	if checksum != "" && algorithm == "" {
		algorithm = string(models.ChecksumSHA256)
	}
	if checksum != "" && !models.ChecksumAlgorithm(algorithm).Valid() {
		response.Error(w, apierrors.NewValidationError("checksum_algorithm", "must be one of: md5, sha1, sha256"))
		return
	}
	overwrite, _ := strconv.ParseBool(r.FormValue("overwrite_existing"))

	_, finalPath, err := h.engine.ValidateUploadTarget(r.Context(), locID, header.Filename)
	if err != nil {
		response.Error(w, apierrors.NewPreconditionError(err.Error()))
		return
	}

	if !overwrite {
		if _, err := os.Stat(finalPath); err == nil {
			response.Error(w, apierrors.NewConflictError(fmt.Sprintf("file already exists at %s; set overwrite_existing to replace it", finalPath)))
			return
		}
	}
	if active, err := h.tasks.FindActiveByTargetPath(r.Context(), finalPath); err == nil && active != nil {
		response.Error(w, apierrors.NewConflictError(fmt.Sprintf("task %s is already writing to %s", active.ID, finalPath)))
		return
	}

	stagedPath, size, err := h.engine.StageUpload(header.Filename, file)
	if err != nil {
		response.Error(w, apierrors.NewPreconditionError(err.Error()))
		return
	}
	if err := h.engine.PlaceStaged(r.Context(), stagedPath, finalPath); err != nil {
		response.Error(w, apierrors.NewInternalError("failed to move upload into place"))
		return
	}

	task, err := h.queue.Enqueue(r.Context(), taskqueue.EnqueueRequest{
		Operation: models.OpArtifactUploadProcess,
		ZoneName:  models.ZoneArtifact,
		Params: &artifact.UploadParams{
			StorageLocationID: locID,
			FinalPath:         finalPath,
			OriginalName:      header.Filename,
			Size:              size,
			Checksum:          checksum,
			ChecksumAlgorithm: models.ChecksumAlgorithm(algorithm),
		},
		CreatedBy: middleware.GetPrincipal(r.Context()),
	})
	if err != nil {
		// The file is already in place; the next scan will catalog it.
		response.Error(w, apierrors.AsAPIError(err))
		return
	}

	taskAccepted(w, task, "upload received; processing queued", map[string]any{
		"filename": header.Filename,
		"size":     size,
		"path":     finalPath,
	})
}

// Scan handles POST /artifacts/scan
func (h *ArtifactHandler) Scan(w http.ResponseWriter, r *http.Request) {
	if !h.cfg.Enabled {
		response.Error(w, apierrors.NewPreconditionError("artifact storage is disabled"))
		return
	}

	var req ScanHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}

	var (
		op     string
		params any
	)
	if req.StoragePathID != nil {
		loc, err := h.engine.Locations().GetByID(r.Context(), *req.StoragePathID)
		if err != nil {
			response.Error(w, apierrors.NewInternalError("failed to load storage location"))
			return
		}
		if loc == nil {
			response.Error(w, apierrors.NewNotFoundError("storage location"))
			return
		}
		op = models.OpArtifactScanLocation
		params = &artifact.ScanLocationParams{
			StorageLocationID: *req.StoragePathID,
			VerifyChecksums:   req.VerifyChecksums,
			RemoveOrphaned:    req.RemoveOrphaned,
		}
	} else {
		var locType *models.LocationType
		if req.Type != nil {
			lt := models.LocationType(*req.Type)
			if !lt.Valid() {
				response.Error(w, apierrors.NewValidationError("type", "must be one of: iso, image, provisioning"))
				return
			}
			locType = &lt
		}
		op = models.OpArtifactScanAll
		params = &artifact.ScanAllParams{
			Type:            locType,
			VerifyChecksums: req.VerifyChecksums,
			RemoveOrphaned:  req.RemoveOrphaned,
		}
	}

	task, err := h.queue.Enqueue(r.Context(), taskqueue.EnqueueRequest{
		Operation: op,
		ZoneName:  models.ZoneArtifact,
		Params:    params,
		CreatedBy: middleware.GetPrincipal(r.Context()),
	})
	if err != nil {
		response.Error(w, apierrors.AsAPIError(err))
		return
	}

	taskAccepted(w, task, "scan queued", nil)
}

// DeleteFiles handles DELETE /artifacts/files
func (h *ArtifactHandler) DeleteFiles(w http.ResponseWriter, r *http.Request) {
	var req DeleteFilesHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}
	if len(req.ArtifactIDs) == 0 {
		response.Error(w, apierrors.NewValidationError("artifact_ids", "at least one artifact id is required"))
		return
	}

	deleteFiles := true
	if req.DeleteFiles != nil {
		deleteFiles = *req.DeleteFiles
	}

	task, err := h.queue.Enqueue(r.Context(), taskqueue.EnqueueRequest{
		Operation: models.OpArtifactDeleteFile,
		ZoneName:  models.ZoneArtifact,
		Params: &artifact.DeleteFilesParams{
			ArtifactIDs: req.ArtifactIDs,
			DeleteFiles: deleteFiles,
			Force:       req.Force,
		},
		CreatedBy: middleware.GetPrincipal(r.Context()),
	})
	if err != nil {
		response.Error(w, apierrors.AsAPIError(err))
		return
	}

	taskAccepted(w, task, "file deletion queued", map[string]any{
		"artifact_count": len(req.ArtifactIDs),
	})
}

// Stats handles GET /artifacts/stats
func (h *ArtifactHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.Artifacts().Stats(r.Context())
	if err != nil {
		response.Error(w, apierrors.NewInternalError("failed to compute artifact stats"))
		return
	}
	response.OK(w, stats)
}

// ServiceStatus handles GET /artifacts/service/status
func (h *ArtifactHandler) ServiceStatus(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"enabled":           h.cfg.Enabled,
		"staging_dir":       h.cfg.Upload.StagingDir,
		"max_upload_mb":     h.cfg.Upload.MaxSizeMB,
		"downloads_running": len(h.queue.DownloadingPaths()),
	}

	if h.cfg.Enabled {
		if stats, err := h.engine.Artifacts().Stats(r.Context()); err == nil {
			body["artifacts"] = stats.TotalArtifacts
			body["total_size"] = stats.TotalSize
			body["locations"] = stats.Locations
			body["enabled_locations"] = stats.EnabledLocations
		}
	}

	response.OK(w, body)
}
