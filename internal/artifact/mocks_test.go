package artifact

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/omniforge/zonemind/internal/command"
	"github.com/omniforge/zonemind/internal/models"
	"github.com/omniforge/zonemind/internal/repository"
)

type mockLocationRepo struct {
	mock.Mock
}

func (m *mockLocationRepo) Create(ctx context.Context, loc *models.ArtifactStorageLocation) error {
	return m.Called(ctx, loc).Error(0)
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
	return m.Called(ctx, id).Error(0)
}

func (m *mockLocationRepo) AdjustAggregates(ctx context.Context, id uuid.UUID, deltaCount int, deltaSize int64) error {
	return m.Called(ctx, id, deltaCount, deltaSize).Error(0)
}

func (m *mockLocationRepo) RecomputeAggregates(ctx context.Context, id uuid.UUID) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockLocationRepo) RecordScan(ctx context.Context, id uuid.UUID, scanErrors int, errMsg *string) error {
	return m.Called(ctx, id, scanErrors, errMsg).Error(0)
}

type mockArtifactRepo struct {
	mock.Mock
}

func (m *mockArtifactRepo) Create(ctx context.Context, artifact *models.Artifact) error {
	return m.Called(ctx, artifact).Error(0)
}

func (m *mockArtifactRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Artifact, error) {
	args := m.Called(ctx, id)
	if a := args.Get(0); a != nil {
		return a.(*models.Artifact), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockArtifactRepo) GetByPath(ctx context.Context, path string) (*models.Artifact, error) {
	args := m.Called(ctx, path)
	if a := args.Get(0); a != nil {
		return a.(*models.Artifact), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockArtifactRepo) List(ctx context.Context, filter repository.ArtifactFilter) ([]*models.Artifact, int64, error) {
	args := m.Called(ctx, filter)
	if as := args.Get(0); as != nil {
		return as.([]*models.Artifact), args.Get(1).(int64), args.Error(2)
	}
	return nil, args.Get(1).(int64), args.Error(2)
}

func (m *mockArtifactRepo) ListByLocation(ctx context.Context, locationID uuid.UUID) ([]*models.Artifact, error) {
	args := m.Called(ctx, locationID)
	if as := args.Get(0); as != nil {
		return as.([]*models.Artifact), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockArtifactRepo) ListByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.Artifact, error) {
	args := m.Called(ctx, ids)
	if as := args.Get(0); as != nil {
		return as.([]*models.Artifact), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockArtifactRepo) UpsertByPath(ctx context.Context, artifact *models.Artifact) error {
	return m.Called(ctx, artifact).Error(0)
}

func (m *mockArtifactRepo) BulkCreate(ctx context.Context, artifacts []*models.Artifact, batchSize int) (int64, error) {
	args := m.Called(ctx, artifacts, batchSize)
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
	return m.Called(ctx, ids).Error(0)
}

func (m *mockArtifactRepo) SetChecksum(ctx context.Context, id uuid.UUID, checksum string, algorithm models.ChecksumAlgorithm, verified *bool) error {
	return m.Called(ctx, id, checksum, algorithm, verified).Error(0)
}

func (m *mockArtifactRepo) Stats(ctx context.Context) (*models.ArtifactStats, error) {
	args := m.Called(ctx)
	if s := args.Get(0); s != nil {
		return s.(*models.ArtifactStats), args.Error(1)
	}
	return nil, args.Error(1)
}

// scriptRunner fakes the privilege boundary. Commands containing "touch"
// create the quoted file so the download path can open it; everything else
// succeeds unless failOn matches.
type scriptRunner struct {
	mu       sync.Mutex
	commands []string
	failOn   string
}

func (r *scriptRunner) Run(ctx context.Context, line string) *command.Result {
	r.mu.Lock()
	r.commands = append(r.commands, line)
	r.mu.Unlock()

	if r.failOn != "" && strings.Contains(line, r.failOn) {
		return &command.Result{Success: false, Error: "scripted failure", ExitCode: 1}
	}
	if strings.Contains(line, "touch ") {
		if path := lastArg(line); path != "" {
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
			if err != nil {
				return &command.Result{Success: false, Error: err.Error(), ExitCode: 1}
			}
			f.Close()
		}
	}
	return &command.Result{Success: true, ExitCode: 0}
}

func (r *scriptRunner) RunTimeout(ctx context.Context, line string, timeout time.Duration) *command.Result {
	return r.Run(ctx, line)
}

func (r *scriptRunner) ran(substr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.commands {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}

// lastArg extracts the final token of a shell line, stripping the quoting
// Quote may have added.
func lastArg(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}
	return strings.Trim(fields[len(fields)-1], "'")
}

// staticIndex is a fixed set of in-flight download targets.
type staticIndex []string

func (s staticIndex) DownloadingPaths() []string { return s }
