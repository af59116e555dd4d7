package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/omniforge/zonemind/internal/models"
)

// LocationFilter narrows storage location listings.
type LocationFilter struct {
	Type    *models.LocationType
	Enabled *bool
}

// LocationRepository defines the interface for storage location persistence.
type LocationRepository interface {
	Create(ctx context.Context, loc *models.ArtifactStorageLocation) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.ArtifactStorageLocation, error)
	GetByPath(ctx context.Context, path string) (*models.ArtifactStorageLocation, error)
	List(ctx context.Context, filter LocationFilter) ([]*models.ArtifactStorageLocation, error)
	Update(ctx context.Context, id uuid.UUID, name *string, enabled *bool) (*models.ArtifactStorageLocation, error)
	Delete(ctx context.Context, id uuid.UUID) error
	AdjustAggregates(ctx context.Context, id uuid.UUID, deltaCount int, deltaSize int64) error
	RecomputeAggregates(ctx context.Context, id uuid.UUID) error
	RecordScan(ctx context.Context, id uuid.UUID, scanErrors int, errMsg *string) error
}

type locationRepo struct {
	pool *pgxpool.Pool
}

// NewLocationRepository creates a new storage location repository.
func NewLocationRepository(pool *pgxpool.Pool) LocationRepository {
	return &locationRepo{pool: pool}
}

const locationColumns = `id, name, path, type, enabled, file_count, total_size,
	last_scan_at, scan_errors, last_error_message, created_at, updated_at`

func scanLocation(row pgx.Row) (*models.ArtifactStorageLocation, error) {
	var l models.ArtifactStorageLocation
	err := row.Scan(
		&l.ID,
		&l.Name,
		&l.Path,
		&l.Type,
		&l.Enabled,
		&l.FileCount,
		&l.TotalSize,
		&l.LastScanAt,
		&l.ScanErrors,
		&l.LastErrorMessage,
		&l.CreatedAt,
		&l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// Create inserts a new storage location.
func (r *locationRepo) Create(ctx context.Context, loc *models.ArtifactStorageLocation) error {
	query := `
		INSERT INTO artifact_storage_locations (id, name, path, type, enabled)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`

	if loc.ID == uuid.Nil {
		loc.ID = uuid.New()
	}

	return r.pool.QueryRow(ctx, query,
		loc.ID,
		loc.Name,
		loc.Path,
		loc.Type,
		loc.Enabled,
	).Scan(&loc.CreatedAt, &loc.UpdatedAt)
}

// GetByID retrieves a storage location by id.
func (r *locationRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.ArtifactStorageLocation, error) {
	query := `SELECT ` + locationColumns + ` FROM artifact_storage_locations WHERE id = $1`

	loc, err := scanLocation(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return loc, nil
}

// GetByPath retrieves a storage location by its unique path.
func (r *locationRepo) GetByPath(ctx context.Context, path string) (*models.ArtifactStorageLocation, error) {
	query := `SELECT ` + locationColumns + ` FROM artifact_storage_locations WHERE path = $1`

	loc, err := scanLocation(r.pool.QueryRow(ctx, query, path))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return loc, nil
}

// List retrieves storage locations matching the filter.
func (r *locationRepo) List(ctx context.Context, filter LocationFilter) ([]*models.ArtifactStorageLocation, error) {
	query := `SELECT ` + locationColumns + ` FROM artifact_storage_locations WHERE 1=1`
	args := []any{}
	n := 0

	if filter.Type != nil {
		n++
		query += fmt.Sprintf(" AND type = $%d", n)
		args = append(args, *filter.Type)
	}
	if filter.Enabled != nil {
		n++
		query += fmt.Sprintf(" AND enabled = $%d", n)
		args = append(args, *filter.Enabled)
	}
	query += ` ORDER BY name ASC`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var locations []*models.ArtifactStorageLocation
	for rows.Next() {
		loc, err := scanLocation(rows)
		if err != nil {
			return nil, err
		}
		locations = append(locations, loc)
	}
	return locations, rows.Err()
}

// Update changes a location's name and/or enabled flag.
func (r *locationRepo) Update(ctx context.Context, id uuid.UUID, name *string, enabled *bool) (*models.ArtifactStorageLocation, error) {
	query := `
		UPDATE artifact_storage_locations
		SET name = COALESCE($2, name), enabled = COALESCE($3, enabled), updated_at = NOW()
		WHERE id = $1
		RETURNING ` + locationColumns

	loc, err := scanLocation(r.pool.QueryRow(ctx, query, id, name, enabled))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return loc, nil
}

// Delete removes a storage location. Artifact rows cascade.
func (r *locationRepo) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM artifact_storage_locations WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// AdjustAggregates applies deltas to the cached file_count and total_size.
func (r *locationRepo) AdjustAggregates(ctx context.Context, id uuid.UUID, deltaCount int, deltaSize int64) error {
	query := `
		UPDATE artifact_storage_locations
		SET file_count = GREATEST(file_count + $2, 0),
		    total_size = GREATEST(total_size + $3, 0),
		    updated_at = NOW()
		WHERE id = $1`

	_, err := r.pool.Exec(ctx, query, id, deltaCount, deltaSize)
	return err
}

// RecomputeAggregates resets the cached aggregates from the artifact rows in
// a single statement, keeping the count/sum invariant exact after bulk
// mutations.
func (r *locationRepo) RecomputeAggregates(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE artifact_storage_locations l
		SET file_count = a.cnt, total_size = a.sz, updated_at = NOW()
		FROM (
			SELECT COUNT(*) AS cnt, COALESCE(SUM(size), 0) AS sz
			FROM artifacts WHERE storage_location_id = $1
		) a
		WHERE l.id = $1`

	_, err := r.pool.Exec(ctx, query, id)
	return err
}

// RecordScan stamps the location with the outcome of a scan.
func (r *locationRepo) RecordScan(ctx context.Context, id uuid.UUID, scanErrors int, errMsg *string) error {
	query := `
		UPDATE artifact_storage_locations
		SET last_scan_at = NOW(), scan_errors = $2, last_error_message = $3, updated_at = NOW()
		WHERE id = $1`

	_, err := r.pool.Exec(ctx, query, id, scanErrors, errMsg)
	return err
}

// Compile-time check to ensure locationRepo implements LocationRepository.
var _ LocationRepository = (*locationRepo)(nil)
