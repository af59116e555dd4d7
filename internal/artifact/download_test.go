package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/omniforge/zonemind/internal/models"
)

func serveBytes(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDownloadStreamsAndRecords(t *testing.T) {
	body := []byte("fake iso contents")
	sum := sha256.Sum256(body)
	srv := serveBytes(t, body)

	dir := t.TempDir()
	loc := isoLocation(dir)

	locs := new(mockLocationRepo)
	arts := new(mockArtifactRepo)
	locs.On("GetByID", mock.Anything, loc.ID).Return(loc, nil)

	var recorded *models.Artifact
	arts.On("UpsertByPath", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		recorded = args.Get(1).(*models.Artifact)
	}).Return(nil)
	locs.On("RecomputeAggregates", mock.Anything, loc.ID).Return(nil)

	runner := &scriptRunner{}
	e := newTestEngine(locs, arts, runner, nil)

	result, err := e.Download(context.Background(), &DownloadParams{
		URL:               srv.URL + "/images/test.iso",
		StorageLocationID: loc.ID,
		Checksum:          hex.EncodeToString(sum[:]),
		ChecksumAlgorithm: models.ChecksumSHA256,
	}, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "test.iso"), result.Path)
	assert.Equal(t, int64(len(body)), result.Size)
	assert.True(t, result.Verified)

	onDisk, err := os.ReadFile(result.Path)
	require.NoError(t, err)
	assert.Equal(t, body, onDisk)

	require.NotNil(t, recorded)
	assert.Equal(t, "test.iso", recorded.Filename)
	require.NotNil(t, recorded.SourceURL)
	assert.Contains(t, *recorded.SourceURL, "/images/test.iso")
	require.NotNil(t, recorded.ChecksumVerified)
	assert.True(t, *recorded.ChecksumVerified)

	assert.True(t, runner.ran("touch"))
	assert.True(t, runner.ran("chmod 666"))
}

func TestDownloadChecksumMismatchRemovesFile(t *testing.T) {
	srv := serveBytes(t, []byte("corrupted payload"))

	dir := t.TempDir()
	loc := isoLocation(dir)

	locs := new(mockLocationRepo)
	arts := new(mockArtifactRepo)
	locs.On("GetByID", mock.Anything, loc.ID).Return(loc, nil)

	runner := &scriptRunner{}
	e := newTestEngine(locs, arts, runner, nil)

	_, err := e.Download(context.Background(), &DownloadParams{
		URL:               srv.URL + "/test.iso",
		StorageLocationID: loc.ID,
		Checksum:          "deadbeef",
		ChecksumAlgorithm: models.ChecksumSHA256,
	}, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")
	assert.Contains(t, err.Error(), "expected deadbeef")

	assert.True(t, runner.ran("rm -f"))
	arts.AssertNotCalled(t, "UpsertByPath", mock.Anything, mock.Anything)
}

func TestDownloadRefusesExistingFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "test.iso"), []byte("old"), 0o644))

	loc := isoLocation(dir)
	locs := new(mockLocationRepo)
	arts := new(mockArtifactRepo)
	locs.On("GetByID", mock.Anything, loc.ID).Return(loc, nil)

	e := newTestEngine(locs, arts, &scriptRunner{}, nil)
	_, err := e.Download(context.Background(), &DownloadParams{
		URL:               "https://mirror.example.com/test.iso",
		StorageLocationID: loc.ID,
	}, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestDownloadBadStatusFailsAndCleansUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	loc := isoLocation(dir)
	locs := new(mockLocationRepo)
	arts := new(mockArtifactRepo)
	locs.On("GetByID", mock.Anything, loc.ID).Return(loc, nil)

	runner := &scriptRunner{}
	e := newTestEngine(locs, arts, runner, nil)

	_, err := e.Download(context.Background(), &DownloadParams{
		URL:               srv.URL + "/missing.iso",
		StorageLocationID: loc.ID,
	}, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.True(t, runner.ran("rm -f"))
}

func TestValidateDownloadTarget(t *testing.T) {
	dir := t.TempDir()
	loc := isoLocation(dir)
	locs := new(mockLocationRepo)
	arts := new(mockArtifactRepo)
	locs.On("GetByID", mock.Anything, loc.ID).Return(loc, nil)

	e := newTestEngine(locs, arts, &scriptRunner{}, nil)

	_, final, err := e.ValidateDownloadTarget(context.Background(), &DownloadParams{
		URL:               "https://mirror.example.com/isos/omnios.iso",
		StorageLocationID: loc.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "omnios.iso"), final)

	_, _, err = e.ValidateDownloadTarget(context.Background(), &DownloadParams{
		URL:               "ftp://mirror.example.com/omnios.iso",
		StorageLocationID: loc.ID,
	})
	assert.Error(t, err)

	_, _, err = e.ValidateDownloadTarget(context.Background(), &DownloadParams{
		URL:               "https://mirror.example.com/isos/wrongtype.img",
		StorageLocationID: loc.ID,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "supported iso extension")

	_, _, err = e.ValidateDownloadTarget(context.Background(), &DownloadParams{
		URL:               "https://mirror.example.com/isos/omnios.iso",
		StorageLocationID: loc.ID,
		Checksum:          "abc123",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum_algorithm")
}

func TestValidateDownloadTargetDisabledLocation(t *testing.T) {
	dir := t.TempDir()
	loc := isoLocation(dir)
	loc.Enabled = false

	locs := new(mockLocationRepo)
	arts := new(mockArtifactRepo)
	locs.On("GetByID", mock.Anything, loc.ID).Return(loc, nil)

	e := newTestEngine(locs, arts, &scriptRunner{}, nil)
	_, _, err := e.ValidateDownloadTarget(context.Background(), &DownloadParams{
		URL:               "https://mirror.example.com/omnios.iso",
		StorageLocationID: loc.ID,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disabled")
}

func TestValidateDownloadTargetUnknownLocation(t *testing.T) {
	id := uuid.New()
	locs := new(mockLocationRepo)
	arts := new(mockArtifactRepo)
	locs.On("GetByID", mock.Anything, id).Return(nil, nil)

	e := newTestEngine(locs, arts, &scriptRunner{}, nil)
	_, _, err := e.ValidateDownloadTarget(context.Background(), &DownloadParams{
		URL:               "https://mirror.example.com/omnios.iso",
		StorageLocationID: id,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}
