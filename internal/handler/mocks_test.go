package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/omniforge/zonemind/internal/artifact"
	"github.com/omniforge/zonemind/internal/executor"
	"github.com/omniforge/zonemind/internal/logstream"
	"github.com/omniforge/zonemind/internal/middleware"
	"github.com/omniforge/zonemind/internal/models"
	"github.com/omniforge/zonemind/internal/repository"
	"github.com/omniforge/zonemind/internal/taskqueue"
)

type mockTaskQueue struct {
	mock.Mock
}

func (m *mockTaskQueue) Enqueue(ctx context.Context, req taskqueue.EnqueueRequest) (*models.Task, error) {
	args := m.Called(ctx, req)
	if task := args.Get(0); task != nil {
		return task.(*models.Task), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockTaskQueue) Cancel(ctx context.Context, id string) (taskqueue.CancelOutcome, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(taskqueue.CancelOutcome), args.Error(1)
}

func (m *mockTaskQueue) RunningCount() int {
	args := m.Called()
	return args.Int(0)
}

func (m *mockTaskQueue) RunningTasks() []taskqueue.RunningTaskInfo {
	args := m.Called()
	if infos := args.Get(0); infos != nil {
		return infos.([]taskqueue.RunningTaskInfo)
	}
	return nil
}

func (m *mockTaskQueue) DownloadingPaths() []string {
	args := m.Called()
	if paths := args.Get(0); paths != nil {
		return paths.([]string)
	}
	return nil
}

type mockTaskStore struct {
	mock.Mock
}

func (m *mockTaskStore) GetByID(ctx context.Context, id string) (*models.Task, error) {
	args := m.Called(ctx, id)
	if task := args.Get(0); task != nil {
		return task.(*models.Task), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockTaskStore) List(ctx context.Context, filter repository.TaskFilter) ([]*models.Task, int64, error) {
	args := m.Called(ctx, filter)
	if tasks := args.Get(0); tasks != nil {
		return tasks.([]*models.Task), args.Get(1).(int64), args.Error(2)
	}
	return nil, args.Get(1).(int64), args.Error(2)
}

func (m *mockTaskStore) Stats(ctx context.Context) (*models.TaskStats, error) {
	args := m.Called(ctx)
	if stats := args.Get(0); stats != nil {
		return stats.(*models.TaskStats), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockTaskStore) FindActiveByTargetPath(ctx context.Context, path string) (*models.Task, error) {
	args := m.Called(ctx, path)
	if task := args.Get(0); task != nil {
		return task.(*models.Task), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockLocationRepo struct {
	mock.Mock
}

func (m *mockLocationRepo) Create(ctx context.Context, loc *models.ArtifactStorageLocation) error {
	args := m.Called(ctx, loc)
	return args.Error(0)
}

func (m *mockLocationRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.ArtifactStorageLocation, error) {
	args := m.Called(ctx, id)
	if loc := args.Get(0); loc != nil {
		return loc.(*models.ArtifactStorageLocation), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockLocationRepo) GetByPath(ctx context.Context, path string) (*models.ArtifactStorageLocation, error) {
	args := m.Called(ctx, path)
	if loc := args.Get(0); loc != nil {
		return loc.(*models.ArtifactStorageLocation), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockLocationRepo) List(ctx context.Context, filter repository.LocationFilter) ([]*models.ArtifactStorageLocation, error) {
	args := m.Called(ctx, filter)
	if locs := args.Get(0); locs != nil {
		return locs.([]*models.ArtifactStorageLocation), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockLocationRepo) Update(ctx context.Context, id uuid.UUID, name *string, enabled *bool) (*models.ArtifactStorageLocation, error) {
	args := m.Called(ctx, id, name, enabled)
	if loc := args.Get(0); loc != nil {
		return loc.(*models.ArtifactStorageLocation), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockLocationRepo) Delete(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *mockLocationRepo) AdjustAggregates(ctx context.Context, id uuid.UUID, deltaCount int, deltaSize int64) error {
	args := m.Called(ctx, id, deltaCount, deltaSize)
	return args.Error(0)
}

func (m *mockLocationRepo) RecomputeAggregates(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *mockLocationRepo) RecordScan(ctx context.Context, id uuid.UUID, scanErrors int, errMsg *string) error {
	args := m.Called(ctx, id, scanErrors, errMsg)
	return args.Error(0)
}

type mockArtifactRepo struct {
	mock.Mock
}

func (m *mockArtifactRepo) Create(ctx context.Context, row *models.Artifact) error {
	args := m.Called(ctx, row)
	return args.Error(0)
}

func (m *mockArtifactRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Artifact, error) {
	args := m.Called(ctx, id)
	if row := args.Get(0); row != nil {
		return row.(*models.Artifact), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockArtifactRepo) GetByPath(ctx context.Context, path string) (*models.Artifact, error) {
	args := m.Called(ctx, path)
	if row := args.Get(0); row != nil {
		return row.(*models.Artifact), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockArtifactRepo) List(ctx context.Context, filter repository.ArtifactFilter) ([]*models.Artifact, int64, error) {
	args := m.Called(ctx, filter)
	if rows := args.Get(0); rows != nil {
		return rows.([]*models.Artifact), args.Get(1).(int64), args.Error(2)
	}
	return nil, args.Get(1).(int64), args.Error(2)
}

func (m *mockArtifactRepo) ListByLocation(ctx context.Context, locationID uuid.UUID) ([]*models.Artifact, error) {
	args := m.Called(ctx, locationID)
	if rows := args.Get(0); rows != nil {
		return rows.([]*models.Artifact), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockArtifactRepo) ListByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.Artifact, error) {
	args := m.Called(ctx, ids)
	if rows := args.Get(0); rows != nil {
		return rows.([]*models.Artifact), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockArtifactRepo) UpsertByPath(ctx context.Context, row *models.Artifact) error {
	args := m.Called(ctx, row)
	return args.Error(0)
}

func (m *mockArtifactRepo) BulkCreate(ctx context.Context, rows []*models.Artifact, batchSize int) (int64, error) {
	args := m.Called(ctx, rows, batchSize)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockArtifactRepo) DeleteByIDs(ctx context.Context, ids []uuid.UUID) (int64, error) {
	args := m.Called(ctx, ids)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockArtifactRepo) DeleteMissingPaths(ctx context.Context, locationID uuid.UUID, keepPaths []string) (int64, error) {
	args := m.Called(ctx, locationID, keepPaths)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockArtifactRepo) DeleteByLocation(ctx context.Context, locationID uuid.UUID) (int64, error) {
	args := m.Called(ctx, locationID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockArtifactRepo) TouchVerified(ctx context.Context, ids []uuid.UUID) error {
	args := m.Called(ctx, ids)
	return args.Error(0)
}

func (m *mockArtifactRepo) SetChecksum(ctx context.Context, id uuid.UUID, checksum string, algorithm models.ChecksumAlgorithm, verified *bool) error {
	args := m.Called(ctx, id, checksum, algorithm, verified)
	return args.Error(0)
}

func (m *mockArtifactRepo) Stats(ctx context.Context) (*models.ArtifactStats, error) {
	args := m.Called(ctx)
	if stats := args.Get(0); stats != nil {
		return stats.(*models.ArtifactStats), args.Error(1)
	}
	return nil, args.Error(1)
}

// mockEngine mocks the engine methods and hands out mock repositories for
// the accessor methods.
type mockEngine struct {
	mock.Mock
	locations *mockLocationRepo
	artifacts *mockArtifactRepo
}

func newMockEngine() *mockEngine {
	return &mockEngine{
		locations: new(mockLocationRepo),
		artifacts: new(mockArtifactRepo),
	}
}

func (m *mockEngine) Locations() repository.LocationRepository { return m.locations }

func (m *mockEngine) Artifacts() repository.ArtifactRepository { return m.artifacts }

func (m *mockEngine) ListLocationsWithUsage(ctx context.Context, filter repository.LocationFilter) ([]*models.LocationWithUsage, error) {
	args := m.Called(ctx, filter)
	if locs := args.Get(0); locs != nil {
		return locs.([]*models.LocationWithUsage), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockEngine) ValidateDownloadTarget(ctx context.Context, p *artifact.DownloadParams) (*models.ArtifactStorageLocation, string, error) {
	args := m.Called(ctx, p)
	if loc := args.Get(0); loc != nil {
		return loc.(*models.ArtifactStorageLocation), args.String(1), args.Error(2)
	}
	return nil, args.String(1), args.Error(2)
}

func (m *mockEngine) ValidateUploadTarget(ctx context.Context, locationID uuid.UUID, filename string) (*models.ArtifactStorageLocation, string, error) {
	args := m.Called(ctx, locationID, filename)
	if loc := args.Get(0); loc != nil {
		return loc.(*models.ArtifactStorageLocation), args.String(1), args.Error(2)
	}
	return nil, args.String(1), args.Error(2)
}

func (m *mockEngine) StageUpload(filename string, body io.Reader) (string, int64, error) {
	args := m.Called(filename, body)
	return args.String(0), args.Get(1).(int64), args.Error(2)
}

func (m *mockEngine) PlaceStaged(ctx context.Context, stagedPath, finalPath string) error {
	args := m.Called(ctx, stagedPath, finalPath)
	return args.Error(0)
}

type mockExecutor struct {
	mock.Mock
}

func (m *mockExecutor) Status(ctx context.Context) *executor.HostStatus {
	args := m.Called(ctx)
	if status := args.Get(0); status != nil {
		return status.(*executor.HostStatus)
	}
	return nil
}

func (m *mockExecutor) CurrentRunlevel(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *mockExecutor) CheckUpdates(ctx context.Context, includeRaw bool) (*executor.UpdateCheck, error) {
	args := m.Called(ctx, includeRaw)
	if check := args.Get(0); check != nil {
		return check.(*executor.UpdateCheck), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockExecutor) UpdateHistory(ctx context.Context, limit int) ([]executor.UpdateHistoryEntry, error) {
	args := m.Called(ctx, limit)
	if entries := args.Get(0); entries != nil {
		return entries.([]executor.UpdateHistoryEntry), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockExecutor) ListUsers(ctx context.Context) ([]executor.UserAccount, error) {
	args := m.Called(ctx)
	if users := args.Get(0); users != nil {
		return users.([]executor.UserAccount), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockExecutor) ListRoles(ctx context.Context) ([]executor.UserAccount, error) {
	args := m.Called(ctx)
	if roles := args.Get(0); roles != nil {
		return roles.([]executor.UserAccount), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockExecutor) GetUser(ctx context.Context, username string) (*executor.UserAccount, error) {
	args := m.Called(ctx, username)
	if user := args.Get(0); user != nil {
		return user.(*executor.UserAccount), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockExecutor) ListGroups(ctx context.Context) ([]executor.GroupAccount, error) {
	args := m.Called(ctx)
	if groups := args.Get(0); groups != nil {
		return groups.([]executor.GroupAccount), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockExecutor) GetGroup(ctx context.Context, groupname string) (*executor.GroupAccount, error) {
	args := m.Called(ctx, groupname)
	if group := args.Get(0); group != nil {
		return group.(*executor.GroupAccount), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockExecutor) ListAuthorizations(ctx context.Context) ([]executor.AuthorizationDef, error) {
	args := m.Called(ctx)
	if auths := args.Get(0); auths != nil {
		return auths.([]executor.AuthorizationDef), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockExecutor) ListProfiles(ctx context.Context) ([]executor.ProfileDef, error) {
	args := m.Called(ctx)
	if profiles := args.Get(0); profiles != nil {
		return profiles.([]executor.ProfileDef), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockLogManager struct {
	mock.Mock
}

func (m *mockLogManager) StartSession(ctx context.Context, logname string, params logstream.StartParams) (*models.LogStreamSession, error) {
	args := m.Called(ctx, logname, params)
	if session := args.Get(0); session != nil {
		return session.(*models.LogStreamSession), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockLogManager) Attach(w http.ResponseWriter, r *http.Request, id uuid.UUID, cookie string) error {
	args := m.Called(w, r, id, cookie)
	return args.Error(0)
}

func (m *mockLogManager) StopSession(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *mockLogManager) ListSessions(ctx context.Context) ([]*models.LogStreamSession, error) {
	args := m.Called(ctx)
	if sessions := args.Get(0); sessions != nil {
		return sessions.([]*models.LogStreamSession), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockProjections struct {
	mock.Mock
}

func (m *mockProjections) SetRebootStatus(ctx context.Context, status *models.RebootStatus) error {
	args := m.Called(ctx, status)
	return args.Error(0)
}

func (m *mockProjections) GetRebootStatus(ctx context.Context) (*models.RebootStatus, error) {
	args := m.Called(ctx)
	if status := args.Get(0); status != nil {
		return status.(*models.RebootStatus), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockProjections) ClearRebootStatus(ctx context.Context) (bool, error) {
	args := m.Called(ctx)
	return args.Bool(0), args.Error(1)
}

var (
	_ TaskQueue         = (*mockTaskQueue)(nil)
	_ TaskStore         = (*mockTaskStore)(nil)
	_ ArtifactEngine    = (*mockEngine)(nil)
	_ SystemExecutor    = (*mockExecutor)(nil)
	_ LogSessionManager = (*mockLogManager)(nil)
	_ RebootProjection  = (*mockProjections)(nil)

	_ repository.LocationRepository = (*mockLocationRepo)(nil)
	_ repository.ArtifactRepository = (*mockArtifactRepo)(nil)
)

// doJSON drives a router with a JSON request and returns the recorder.
// A nil body sends an empty request.
func doJSON(t *testing.T, router http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	ctx := context.WithValue(req.Context(), middleware.PrincipalKey, "test-operator")
	req = req.WithContext(ctx)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

// decodeBody unmarshals a response body into a generic map.
func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}
