package artifact

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/omniforge/zonemind/internal/models"
	"github.com/omniforge/zonemind/internal/repository"
)

func isoLocation(dir string) *models.ArtifactStorageLocation {
	return &models.ArtifactStorageLocation{
		ID:      uuid.New(),
		Name:    "isos",
		Path:    dir,
		Type:    models.LocationTypeISO,
		Enabled: true,
	}
}

func TestScanLocationAddsNewFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.iso"), []byte("aaa"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.iso"), []byte("bbbb"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	loc := isoLocation(dir)
	locs := new(mockLocationRepo)
	arts := new(mockArtifactRepo)

	locs.On("GetByID", mock.Anything, loc.ID).Return(loc, nil)
	arts.On("ListByLocation", mock.Anything, loc.ID).Return([]*models.Artifact{}, nil)
	arts.On("BulkCreate", mock.Anything, mock.MatchedBy(func(rows []*models.Artifact) bool {
		return len(rows) == 2
	}), 100).Return(int64(2), nil)
	locs.On("RecomputeAggregates", mock.Anything, loc.ID).Return(nil)
	locs.On("RecordScan", mock.Anything, loc.ID, 0, (*string)(nil)).Return(nil)

	e := newTestEngine(locs, arts, &scriptRunner{}, nil)
	result, err := e.ScanLocation(context.Background(), loc.ID, ScanOptions{})
	require.NoError(t, err)

	assert.Equal(t, 2, result.Scanned)
	assert.Equal(t, 2, result.Added)
	assert.Equal(t, 0, result.Skipped)
	assert.Equal(t, 0, result.Removed)
	locs.AssertExpectations(t)
	arts.AssertExpectations(t)
}

func TestScanLocationSkipsDownloadingFile(t *testing.T) {
	dir := t.TempDir()
	partial := filepath.Join(dir, "huge.iso")
	require.NoError(t, os.WriteFile(partial, []byte("partial"), 0o644))

	loc := isoLocation(dir)
	locs := new(mockLocationRepo)
	arts := new(mockArtifactRepo)

	locs.On("GetByID", mock.Anything, loc.ID).Return(loc, nil)
	arts.On("ListByLocation", mock.Anything, loc.ID).Return([]*models.Artifact{}, nil)
	// Orphan removal must keep the in-flight path.
	arts.On("DeleteMissingPaths", mock.Anything, loc.ID, mock.MatchedBy(func(keep []string) bool {
		for _, p := range keep {
			if p == partial {
				return true
			}
		}
		return false
	})).Return(int64(0), nil)
	locs.On("RecomputeAggregates", mock.Anything, loc.ID).Return(nil)
	locs.On("RecordScan", mock.Anything, loc.ID, 0, (*string)(nil)).Return(nil)

	e := newTestEngine(locs, arts, &scriptRunner{}, staticIndex{partial})
	result, err := e.ScanLocation(context.Background(), loc.ID, ScanOptions{RemoveOrphaned: true})
	require.NoError(t, err)

	assert.Equal(t, 0, result.Scanned)
	assert.Equal(t, 0, result.Added)
	assert.Equal(t, 1, result.Skipped)
	arts.AssertNotCalled(t, "BulkCreate", mock.Anything, mock.Anything, mock.Anything)
	arts.AssertExpectations(t)
}

func TestScanLocationTouchesKnownAndRemovesOrphans(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "known.iso"), []byte("xxxx"), 0o644))

	loc := isoLocation(dir)
	known := &models.Artifact{
		ID:                uuid.New(),
		StorageLocationID: loc.ID,
		Filename:          "known.iso",
		Path:              filepath.Join(dir, "known.iso"),
	}
	gone := &models.Artifact{
		ID:                uuid.New(),
		StorageLocationID: loc.ID,
		Filename:          "gone.iso",
		Path:              filepath.Join(dir, "gone.iso"),
	}

	locs := new(mockLocationRepo)
	arts := new(mockArtifactRepo)

	locs.On("GetByID", mock.Anything, loc.ID).Return(loc, nil)
	arts.On("ListByLocation", mock.Anything, loc.ID).Return([]*models.Artifact{known, gone}, nil)
	arts.On("TouchVerified", mock.Anything, []uuid.UUID{known.ID}).Return(nil)
	arts.On("DeleteMissingPaths", mock.Anything, loc.ID, []string{known.Path}).Return(int64(1), nil)
	locs.On("RecomputeAggregates", mock.Anything, loc.ID).Return(nil)
	locs.On("RecordScan", mock.Anything, loc.ID, 0, (*string)(nil)).Return(nil)

	e := newTestEngine(locs, arts, &scriptRunner{}, nil)
	result, err := e.ScanLocation(context.Background(), loc.ID, ScanOptions{RemoveOrphaned: true})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Scanned)
	assert.Equal(t, 0, result.Added)
	assert.Equal(t, 1, result.Removed)
	arts.AssertExpectations(t)
}

func TestScanLocationVerifyChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tampered.iso")
	require.NoError(t, os.WriteFile(path, []byte("tampered content"), 0o644))

	loc := isoLocation(dir)
	badSum := "0000000000000000000000000000000000000000000000000000000000000000"
	alg := models.ChecksumSHA256
	row := &models.Artifact{
		ID:                uuid.New(),
		StorageLocationID: loc.ID,
		Filename:          "tampered.iso",
		Path:              path,
		Checksum:          &badSum,
		ChecksumAlgorithm: &alg,
	}

	locs := new(mockLocationRepo)
	arts := new(mockArtifactRepo)

	locs.On("GetByID", mock.Anything, loc.ID).Return(loc, nil)
	arts.On("ListByLocation", mock.Anything, loc.ID).Return([]*models.Artifact{row}, nil)
	arts.On("SetChecksum", mock.Anything, row.ID, badSum, alg, mock.MatchedBy(func(v *bool) bool {
		return v != nil && !*v
	})).Return(nil)
	arts.On("TouchVerified", mock.Anything, []uuid.UUID{row.ID}).Return(nil)
	locs.On("RecomputeAggregates", mock.Anything, loc.ID).Return(nil)
	locs.On("RecordScan", mock.Anything, loc.ID, 1, mock.MatchedBy(func(msg *string) bool {
		return msg != nil
	})).Return(nil)

	e := newTestEngine(locs, arts, &scriptRunner{}, nil)
	result, err := e.ScanLocation(context.Background(), loc.ID, ScanOptions{VerifyChecksums: true})
	require.NoError(t, err)

	assert.Equal(t, []string{path}, result.Mismatches)
	arts.AssertExpectations(t)
	locs.AssertExpectations(t)
}

func TestScanLocationUnreadableDirectory(t *testing.T) {
	loc := isoLocation("/nonexistent/zonemind-test")
	locs := new(mockLocationRepo)
	arts := new(mockArtifactRepo)

	locs.On("GetByID", mock.Anything, loc.ID).Return(loc, nil)
	locs.On("RecordScan", mock.Anything, loc.ID, 1, mock.Anything).Return(nil)

	e := newTestEngine(locs, arts, &scriptRunner{}, nil)
	_, err := e.ScanLocation(context.Background(), loc.ID, ScanOptions{})
	assert.Error(t, err)
	locs.AssertExpectations(t)
}

func TestScanAllContinuesPastFailures(t *testing.T) {
	okDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(okDir, "fine.iso"), []byte("x"), 0o644))

	good := isoLocation(okDir)
	bad := isoLocation("/nonexistent/zonemind-test")

	locs := new(mockLocationRepo)
	arts := new(mockArtifactRepo)

	locs.On("List", mock.Anything, mock.MatchedBy(func(f repository.LocationFilter) bool {
		return f.Enabled != nil && *f.Enabled
	})).Return([]*models.ArtifactStorageLocation{bad, good}, nil)
	locs.On("GetByID", mock.Anything, bad.ID).Return(bad, nil)
	locs.On("GetByID", mock.Anything, good.ID).Return(good, nil)
	arts.On("ListByLocation", mock.Anything, good.ID).Return([]*models.Artifact{}, nil)
	arts.On("BulkCreate", mock.Anything, mock.Anything, 100).Return(int64(1), nil)
	locs.On("RecomputeAggregates", mock.Anything, good.ID).Return(nil)
	locs.On("RecordScan", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	e := newTestEngine(locs, arts, &scriptRunner{}, nil)
	result, err := e.ScanAll(context.Background(), nil, ScanOptions{})
	require.NoError(t, err)

	assert.Len(t, result.Locations, 1)
	assert.Len(t, result.Failed, 1)
	assert.Equal(t, 1, result.Added)
}
