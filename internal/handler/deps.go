package handler

import (
	"context"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/omniforge/zonemind/internal/artifact"
	"github.com/omniforge/zonemind/internal/executor"
	"github.com/omniforge/zonemind/internal/logstream"
	"github.com/omniforge/zonemind/internal/models"
	"github.com/omniforge/zonemind/internal/repository"
	"github.com/omniforge/zonemind/internal/taskqueue"
)

// The handler layer consumes narrow slices of the concrete components so
// tests can substitute them. The compile-time assertions at the bottom keep
// these in sync with the real implementations.

// TaskQueue is the queue surface the HTTP layer uses.
type TaskQueue interface {
	Enqueue(ctx context.Context, req taskqueue.EnqueueRequest) (*models.Task, error)
	Cancel(ctx context.Context, id string) (taskqueue.CancelOutcome, error)
	RunningCount() int
	RunningTasks() []taskqueue.RunningTaskInfo
	DownloadingPaths() []string
}

// TaskStore is the read-side of the task repository.
type TaskStore interface {
	GetByID(ctx context.Context, id string) (*models.Task, error)
	List(ctx context.Context, filter repository.TaskFilter) ([]*models.Task, int64, error)
	Stats(ctx context.Context) (*models.TaskStats, error)
	FindActiveByTargetPath(ctx context.Context, path string) (*models.Task, error)
}

// ArtifactEngine is the artifact engine surface the HTTP layer uses.
type ArtifactEngine interface {
	Locations() repository.LocationRepository
	Artifacts() repository.ArtifactRepository
	ListLocationsWithUsage(ctx context.Context, filter repository.LocationFilter) ([]*models.LocationWithUsage, error)
	ValidateDownloadTarget(ctx context.Context, p *artifact.DownloadParams) (*models.ArtifactStorageLocation, string, error)
	ValidateUploadTarget(ctx context.Context, locationID uuid.UUID, filename string) (*models.ArtifactStorageLocation, string, error)
	StageUpload(filename string, body io.Reader) (string, int64, error)
	PlaceStaged(ctx context.Context, stagedPath, finalPath string) error
}

// SystemExecutor is the synchronous-read surface of the executor.
type SystemExecutor interface {
	Status(ctx context.Context) *executor.HostStatus
	CurrentRunlevel(ctx context.Context) (string, error)
	CheckUpdates(ctx context.Context, includeRaw bool) (*executor.UpdateCheck, error)
	UpdateHistory(ctx context.Context, limit int) ([]executor.UpdateHistoryEntry, error)
	ListUsers(ctx context.Context) ([]executor.UserAccount, error)
	ListRoles(ctx context.Context) ([]executor.UserAccount, error)
	GetUser(ctx context.Context, username string) (*executor.UserAccount, error)
	ListGroups(ctx context.Context) ([]executor.GroupAccount, error)
	GetGroup(ctx context.Context, groupname string) (*executor.GroupAccount, error)
	ListAuthorizations(ctx context.Context) ([]executor.AuthorizationDef, error)
	ListProfiles(ctx context.Context) ([]executor.ProfileDef, error)
}

// LogSessionManager is the log stream manager surface the HTTP layer uses.
type LogSessionManager interface {
	StartSession(ctx context.Context, logname string, params logstream.StartParams) (*models.LogStreamSession, error)
	Attach(w http.ResponseWriter, r *http.Request, id uuid.UUID, cookie string) error
	StopSession(ctx context.Context, id uuid.UUID) error
	ListSessions(ctx context.Context) ([]*models.LogStreamSession, error)
}

// RebootProjection is the reboot status slice of the projection store.
type RebootProjection interface {
	SetRebootStatus(ctx context.Context, status *models.RebootStatus) error
	GetRebootStatus(ctx context.Context) (*models.RebootStatus, error)
	ClearRebootStatus(ctx context.Context) (bool, error)
}

var (
	_ TaskQueue         = (*taskqueue.Queue)(nil)
	_ TaskStore         = (repository.TaskRepository)(nil)
	_ ArtifactEngine    = (*artifact.Engine)(nil)
	_ SystemExecutor    = (*executor.Executor)(nil)
	_ LogSessionManager = (*logstream.Manager)(nil)
	_ RebootProjection  = (repository.ProjectionRepository)(nil)
)
