package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/omniforge/zonemind/internal/models"
)

// ArtifactFilter narrows artifact listings.
type ArtifactFilter struct {
	Type       *models.LocationType
	LocationID *uuid.UUID
	Search     string
	SortBy     string
	SortOrder  string
	Limit      int
	Offset     int
}

// ArtifactRepository defines the interface for artifact persistence.
type ArtifactRepository interface {
	Create(ctx context.Context, artifact *models.Artifact) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Artifact, error)
	GetByPath(ctx context.Context, path string) (*models.Artifact, error)
	List(ctx context.Context, filter ArtifactFilter) ([]*models.Artifact, int64, error)
	ListByLocation(ctx context.Context, locationID uuid.UUID) ([]*models.Artifact, error)
	ListByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.Artifact, error)
	UpsertByPath(ctx context.Context, artifact *models.Artifact) error
	BulkCreate(ctx context.Context, artifacts []*models.Artifact, batchSize int) (int64, error)
	DeleteByIDs(ctx context.Context, ids []uuid.UUID) (int64, error)
	DeleteMissingPaths(ctx context.Context, locationID uuid.UUID, keepPaths []string) (int64, error)
	DeleteByLocation(ctx context.Context, locationID uuid.UUID) (int64, error)
	TouchVerified(ctx context.Context, ids []uuid.UUID) error
	SetChecksum(ctx context.Context, id uuid.UUID, checksum string, algorithm models.ChecksumAlgorithm, verified *bool) error
	Stats(ctx context.Context) (*models.ArtifactStats, error)
}

type artifactRepo struct {
	pool *pgxpool.Pool
}

// NewArtifactRepository creates a new artifact repository.
func NewArtifactRepository(pool *pgxpool.Pool) ArtifactRepository {
	return &artifactRepo{pool: pool}
}

const artifactColumns = `id, storage_location_id, filename, path, size, file_type, extension,
	mime_type, checksum, checksum_algorithm, checksum_verified, source_url, discovered_at, last_verified`

func scanArtifact(row pgx.Row) (*models.Artifact, error) {
	var a models.Artifact
	err := row.Scan(
		&a.ID,
		&a.StorageLocationID,
		&a.Filename,
		&a.Path,
		&a.Size,
		&a.FileType,
		&a.Extension,
		&a.MimeType,
		&a.Checksum,
		&a.ChecksumAlgorithm,
		&a.ChecksumVerified,
		&a.SourceURL,
		&a.DiscoveredAt,
		&a.LastVerified,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Create inserts a new artifact row.
func (r *artifactRepo) Create(ctx context.Context, artifact *models.Artifact) error {
	query := `
		INSERT INTO artifacts (id, storage_location_id, filename, path, size, file_type, extension,
			mime_type, checksum, checksum_algorithm, checksum_verified, source_url, last_verified)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING discovered_at`

	if artifact.ID == uuid.Nil {
		artifact.ID = uuid.New()
	}

	return r.pool.QueryRow(ctx, query,
		artifact.ID,
		artifact.StorageLocationID,
		artifact.Filename,
		artifact.Path,
		artifact.Size,
		artifact.FileType,
		artifact.Extension,
		artifact.MimeType,
		artifact.Checksum,
		artifact.ChecksumAlgorithm,
		artifact.ChecksumVerified,
		artifact.SourceURL,
		artifact.LastVerified,
	).Scan(&artifact.DiscoveredAt)
}

// GetByID retrieves an artifact by id.
func (r *artifactRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Artifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM artifacts WHERE id = $1`

	artifact, err := scanArtifact(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return artifact, nil
}

// GetByPath retrieves an artifact by its unique path.
func (r *artifactRepo) GetByPath(ctx context.Context, path string) (*models.Artifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM artifacts WHERE path = $1`

	artifact, err := scanArtifact(r.pool.QueryRow(ctx, query, path))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return artifact, nil
}

var artifactSortColumns = map[string]string{
	"filename":      "filename",
	"size":          "size",
	"discovered_at": "discovered_at",
}

// List retrieves artifacts matching the filter with the total count.
func (r *artifactRepo) List(ctx context.Context, filter ArtifactFilter) ([]*models.Artifact, int64, error) {
	where := ` WHERE 1=1`
	args := []any{}
	n := 0

	if filter.Type != nil {
		n++
		where += fmt.Sprintf(" AND file_type = $%d", n)
		args = append(args, string(*filter.Type))
	}
	if filter.LocationID != nil {
		n++
		where += fmt.Sprintf(" AND storage_location_id = $%d", n)
		args = append(args, *filter.LocationID)
	}
	if filter.Search != "" {
		n++
		where += fmt.Sprintf(" AND filename ILIKE $%d", n)
		args = append(args, "%"+filter.Search+"%")
	}

	var total int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM artifacts`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	sortCol, ok := artifactSortColumns[filter.SortBy]
	if !ok {
		sortCol = "discovered_at"
	}
	order := "DESC"
	if filter.SortOrder == "asc" {
		order = "ASC"
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	n++
	tail := fmt.Sprintf(" ORDER BY %s %s LIMIT $%d", sortCol, order, n)
	args = append(args, limit)
	n++
	tail += fmt.Sprintf(" OFFSET $%d", n)
	args = append(args, filter.Offset)

	rows, err := r.pool.Query(ctx, `SELECT `+artifactColumns+` FROM artifacts`+where+tail, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var artifacts []*models.Artifact
	for rows.Next() {
		artifact, err := scanArtifact(rows)
		if err != nil {
			return nil, 0, err
		}
		artifacts = append(artifacts, artifact)
	}
	return artifacts, total, rows.Err()
}

// ListByLocation retrieves every artifact in a location.
func (r *artifactRepo) ListByLocation(ctx context.Context, locationID uuid.UUID) ([]*models.Artifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM artifacts WHERE storage_location_id = $1`

	rows, err := r.pool.Query(ctx, query, locationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var artifacts []*models.Artifact
	for rows.Next() {
		artifact, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, artifact)
	}
	return artifacts, rows.Err()
}

// ListByIDs retrieves artifacts by id set.
func (r *artifactRepo) ListByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.Artifact, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT ` + artifactColumns + ` FROM artifacts WHERE id = ANY($1)`

	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var artifacts []*models.Artifact
	for rows.Next() {
		artifact, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, artifact)
	}
	return artifacts, rows.Err()
}

// UpsertByPath inserts an artifact or updates the existing row with the same
// path. Downloads finish through here so a bare row a concurrent scan slipped
// in is overwritten rather than duplicated.
func (r *artifactRepo) UpsertByPath(ctx context.Context, artifact *models.Artifact) error {
	query := `
		INSERT INTO artifacts (id, storage_location_id, filename, path, size, file_type, extension,
			mime_type, checksum, checksum_algorithm, checksum_verified, source_url, last_verified)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (path) DO UPDATE SET
			size = EXCLUDED.size,
			checksum = EXCLUDED.checksum,
			checksum_algorithm = EXCLUDED.checksum_algorithm,
			checksum_verified = EXCLUDED.checksum_verified,
			source_url = EXCLUDED.source_url,
			last_verified = EXCLUDED.last_verified
		RETURNING id, discovered_at`

	if artifact.ID == uuid.Nil {
		artifact.ID = uuid.New()
	}

	return r.pool.QueryRow(ctx, query,
		artifact.ID,
		artifact.StorageLocationID,
		artifact.Filename,
		artifact.Path,
		artifact.Size,
		artifact.FileType,
		artifact.Extension,
		artifact.MimeType,
		artifact.Checksum,
		artifact.ChecksumAlgorithm,
		artifact.ChecksumVerified,
		artifact.SourceURL,
		artifact.LastVerified,
	).Scan(&artifact.ID, &artifact.DiscoveredAt)
}

// BulkCreate inserts artifacts in batches, skipping paths that already have
// a row. Returns the number of rows actually inserted.
func (r *artifactRepo) BulkCreate(ctx context.Context, artifacts []*models.Artifact, batchSize int) (int64, error) {
	if len(artifacts) == 0 {
		return 0, nil
	}
	if batchSize <= 0 {
		batchSize = 100
	}

	query := `
		INSERT INTO artifacts (id, storage_location_id, filename, path, size, file_type, extension, mime_type)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (path) DO NOTHING`

	var inserted int64
	for start := 0; start < len(artifacts); start += batchSize {
		end := start + batchSize
		if end > len(artifacts) {
			end = len(artifacts)
		}

		batch := &pgx.Batch{}
		for _, a := range artifacts[start:end] {
			if a.ID == uuid.Nil {
				a.ID = uuid.New()
			}
			batch.Queue(query, a.ID, a.StorageLocationID, a.Filename, a.Path, a.Size, a.FileType, a.Extension, a.MimeType)
		}

		results := r.pool.SendBatch(ctx, batch)
		for range artifacts[start:end] {
			tag, err := results.Exec()
			if err != nil {
				results.Close()
				return inserted, err
			}
			inserted += tag.RowsAffected()
		}
		if err := results.Close(); err != nil {
			return inserted, err
		}
	}
	return inserted, nil
}

// DeleteByIDs removes artifacts by id set.
func (r *artifactRepo) DeleteByIDs(ctx context.Context, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result, err := r.pool.Exec(ctx, `DELETE FROM artifacts WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

// DeleteMissingPaths removes rows in a location whose path is not in the
// keep set. Used by scans with remove_orphaned.
func (r *artifactRepo) DeleteMissingPaths(ctx context.Context, locationID uuid.UUID, keepPaths []string) (int64, error) {
	query := `DELETE FROM artifacts WHERE storage_location_id = $1 AND NOT (path = ANY($2))`
	result, err := r.pool.Exec(ctx, query, locationID, keepPaths)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

// DeleteByLocation removes every artifact row in a location.
func (r *artifactRepo) DeleteByLocation(ctx context.Context, locationID uuid.UUID) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM artifacts WHERE storage_location_id = $1`, locationID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

// TouchVerified stamps last_verified on the given artifacts.
func (r *artifactRepo) TouchVerified(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx, `UPDATE artifacts SET last_verified = $2 WHERE id = ANY($1)`, ids, time.Now())
	return err
}

// SetChecksum records a checksum and its verification state.
func (r *artifactRepo) SetChecksum(ctx context.Context, id uuid.UUID, checksum string, algorithm models.ChecksumAlgorithm, verified *bool) error {
	query := `
		UPDATE artifacts
		SET checksum = $2, checksum_algorithm = $3, checksum_verified = $4, last_verified = NOW()
		WHERE id = $1`

	result, err := r.pool.Exec(ctx, query, id, checksum, algorithm, verified)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// Stats summarizes the artifact inventory.
func (r *artifactRepo) Stats(ctx context.Context) (*models.ArtifactStats, error) {
	var stats models.ArtifactStats
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*), COALESCE(SUM(size), 0) FROM artifacts`).
		Scan(&stats.TotalArtifacts, &stats.TotalSize)
	if err != nil {
		return nil, err
	}

	stats.ByType = make(map[string]int64)
	rows, err := r.pool.Query(ctx, `SELECT COALESCE(file_type, 'unknown'), COUNT(*) FROM artifacts GROUP BY file_type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var fileType string
		var count int64
		if err := rows.Scan(&fileType, &count); err != nil {
			return nil, err
		}
		stats.ByType[fileType] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = r.pool.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE enabled)
		FROM artifact_storage_locations`).
		Scan(&stats.Locations, &stats.EnabledLocations)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// Compile-time check to ensure artifactRepo implements ArtifactRepository.
var _ ArtifactRepository = (*artifactRepo)(nil)
