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
)

func TestDeleteFilesRemovesRowsAndFiles(t *testing.T) {
	dir := t.TempDir()
	loc := isoLocation(dir)

	a := &models.Artifact{ID: uuid.New(), StorageLocationID: loc.ID, Path: filepath.Join(dir, "a.iso"), Size: 3}
	b := &models.Artifact{ID: uuid.New(), StorageLocationID: loc.ID, Path: filepath.Join(dir, "b.iso"), Size: 4}
	require.NoError(t, os.WriteFile(a.Path, []byte("aaa"), 0o644))
	require.NoError(t, os.WriteFile(b.Path, []byte("bbbb"), 0o644))

	locs := new(mockLocationRepo)
	arts := new(mockArtifactRepo)
	arts.On("ListByIDs", mock.Anything, []uuid.UUID{a.ID, b.ID}).Return([]*models.Artifact{a, b}, nil)
	arts.On("DeleteByIDs", mock.Anything, mock.MatchedBy(func(ids []uuid.UUID) bool {
		return len(ids) == 2
	})).Return(int64(2), nil)
	locs.On("RecomputeAggregates", mock.Anything, loc.ID).Return(nil)

	runner := &scriptRunner{}
	e := newTestEngine(locs, arts, runner, nil)

	result, err := e.DeleteFiles(context.Background(), &DeleteFilesParams{
		ArtifactIDs: []uuid.UUID{a.ID, b.ID},
		DeleteFiles: true,
	})
	require.NoError(t, err)

	assert.Equal(t, 2, result.Requested)
	assert.Equal(t, 2, result.Deleted)
	assert.Empty(t, result.Errors)
	assert.True(t, runner.ran("rm "))
	arts.AssertExpectations(t)
	locs.AssertExpectations(t)
}

func TestDeleteFilesKeepsRowOnFailedRemoval(t *testing.T) {
	dir := t.TempDir()
	loc := isoLocation(dir)

	ok := &models.Artifact{ID: uuid.New(), StorageLocationID: loc.ID, Path: filepath.Join(dir, "ok.iso"), Size: 2}
	stuck := &models.Artifact{ID: uuid.New(), StorageLocationID: loc.ID, Path: filepath.Join(dir, "stuck.iso"), Size: 2}
	require.NoError(t, os.WriteFile(ok.Path, []byte("ok"), 0o644))
	require.NoError(t, os.WriteFile(stuck.Path, []byte("no"), 0o644))

	locs := new(mockLocationRepo)
	arts := new(mockArtifactRepo)
	arts.On("ListByIDs", mock.Anything, mock.Anything).Return([]*models.Artifact{ok, stuck}, nil)
	arts.On("DeleteByIDs", mock.Anything, []uuid.UUID{ok.ID}).Return(int64(1), nil)
	locs.On("RecomputeAggregates", mock.Anything, loc.ID).Return(nil)

	runner := &scriptRunner{failOn: "stuck.iso"}
	e := newTestEngine(locs, arts, runner, nil)

	result, err := e.DeleteFiles(context.Background(), &DeleteFilesParams{
		ArtifactIDs: []uuid.UUID{ok.ID, stuck.ID},
		DeleteFiles: true,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Deleted)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "stuck.iso")
	arts.AssertExpectations(t)
}

func TestDeleteFilesRecordsOnlyWhenRequested(t *testing.T) {
	loc := isoLocation(t.TempDir())
	a := &models.Artifact{ID: uuid.New(), StorageLocationID: loc.ID, Path: filepath.Join(loc.Path, "a.iso")}

	locs := new(mockLocationRepo)
	arts := new(mockArtifactRepo)
	arts.On("ListByIDs", mock.Anything, mock.Anything).Return([]*models.Artifact{a}, nil)
	arts.On("DeleteByIDs", mock.Anything, []uuid.UUID{a.ID}).Return(int64(1), nil)
	locs.On("RecomputeAggregates", mock.Anything, loc.ID).Return(nil)

	runner := &scriptRunner{}
	e := newTestEngine(locs, arts, runner, nil)

	result, err := e.DeleteFiles(context.Background(), &DeleteFilesParams{
		ArtifactIDs: []uuid.UUID{a.ID},
		DeleteFiles: false,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Deleted)
	assert.False(t, runner.ran("rm "), "must not touch disk when delete_files is false")
}

func TestDeleteFilesAllFailed(t *testing.T) {
	dir := t.TempDir()
	loc := isoLocation(dir)
	a := &models.Artifact{ID: uuid.New(), StorageLocationID: loc.ID, Path: filepath.Join(dir, "a.iso")}
	require.NoError(t, os.WriteFile(a.Path, []byte("a"), 0o644))

	locs := new(mockLocationRepo)
	arts := new(mockArtifactRepo)
	arts.On("ListByIDs", mock.Anything, mock.Anything).Return([]*models.Artifact{a}, nil)

	runner := &scriptRunner{failOn: "a.iso"}
	e := newTestEngine(locs, arts, runner, nil)

	result, err := e.DeleteFiles(context.Background(), &DeleteFilesParams{
		ArtifactIDs: []uuid.UUID{a.ID},
		DeleteFiles: true,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all deletions failed")
	require.NotNil(t, result)
	assert.Equal(t, 0, result.Deleted)
}

func TestDeleteFolderContentsOnly(t *testing.T) {
	loc := isoLocation("/data/artifacts/isos")

	locs := new(mockLocationRepo)
	arts := new(mockArtifactRepo)
	locs.On("GetByID", mock.Anything, loc.ID).Return(loc, nil)
	locs.On("RecomputeAggregates", mock.Anything, loc.ID).Return(nil)

	runner := &scriptRunner{}
	e := newTestEngine(locs, arts, runner, nil)

	result, err := e.DeleteFolder(context.Background(), &DeleteFolderParams{
		StorageLocationID: loc.ID,
	})
	require.NoError(t, err)

	assert.False(t, result.RemovedDir)
	assert.True(t, runner.ran("rm -rf /data/artifacts/isos/*"))
	locs.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
	arts.AssertNotCalled(t, "DeleteByLocation", mock.Anything, mock.Anything)
}

func TestDeleteFolderRecursiveWithRecords(t *testing.T) {
	loc := isoLocation("/data/artifacts/isos")

	locs := new(mockLocationRepo)
	arts := new(mockArtifactRepo)
	locs.On("GetByID", mock.Anything, loc.ID).Return(loc, nil)
	arts.On("DeleteByLocation", mock.Anything, loc.ID).Return(int64(12), nil)
	locs.On("Delete", mock.Anything, loc.ID).Return(nil)

	runner := &scriptRunner{}
	e := newTestEngine(locs, arts, runner, nil)

	result, err := e.DeleteFolder(context.Background(), &DeleteFolderParams{
		StorageLocationID: loc.ID,
		Recursive:         true,
		RemoveDBRecords:   true,
	})
	require.NoError(t, err)

	assert.True(t, result.RemovedDir)
	assert.Equal(t, int64(12), result.RemovedRecords)
	locs.AssertExpectations(t)
	arts.AssertExpectations(t)
}

func TestDeleteFolderRefusesShallowPath(t *testing.T) {
	loc := isoLocation("/data")

	locs := new(mockLocationRepo)
	arts := new(mockArtifactRepo)
	locs.On("GetByID", mock.Anything, loc.ID).Return(loc, nil)

	e := newTestEngine(locs, arts, &scriptRunner{}, nil)
	_, err := e.DeleteFolder(context.Background(), &DeleteFolderParams{StorageLocationID: loc.ID})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refusing to delete")
}

func TestVerifyArtifact(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "good.iso")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))

	sum := "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	alg := models.ChecksumSHA256
	row := &models.Artifact{ID: uuid.New(), Path: path, Checksum: &sum, ChecksumAlgorithm: &alg}

	locs := new(mockLocationRepo)
	arts := new(mockArtifactRepo)
	arts.On("GetByID", mock.Anything, row.ID).Return(row, nil)
	arts.On("SetChecksum", mock.Anything, row.ID, sum, alg, mock.MatchedBy(func(v *bool) bool {
		return v != nil && *v
	})).Return(nil)

	e := newTestEngine(locs, arts, &scriptRunner{}, nil)
	got, err := e.VerifyArtifact(context.Background(), row.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ChecksumVerified)
	assert.True(t, *got.ChecksumVerified)
}

func TestVerifyArtifactWithoutChecksum(t *testing.T) {
	row := &models.Artifact{ID: uuid.New(), Path: "/tmp/x.iso"}

	locs := new(mockLocationRepo)
	arts := new(mockArtifactRepo)
	arts.On("GetByID", mock.Anything, row.ID).Return(row, nil)

	e := newTestEngine(locs, arts, &scriptRunner{}, nil)
	_, err := e.VerifyArtifact(context.Background(), row.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no recorded checksum")
}
